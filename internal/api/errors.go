package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// writeError maps ledger errors onto HTTP responses.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrLockTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger busy, retry"})
	case errors.Is(err, ledger.ErrNotInitialized), errors.Is(err, keyring.ErrNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
	case errors.Is(err, ledger.ErrReceiptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
	case errors.Is(err, ledger.ErrInvalidReceiptID), errors.Is(err, ledger.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
