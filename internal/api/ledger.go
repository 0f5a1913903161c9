package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/backup"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// LedgerHandler exposes the ledger engine over HTTP.
type LedgerHandler struct {
	sink   *ledger.Sink
	backup backup.Store
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. store may be nil, in which
// case POST /ledger/export is not available.
func NewLedgerHandler(sink *ledger.Sink, store backup.Store, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{sink: sink, backup: store, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.POST("/events", h.Append)
		l.GET("/verify", h.VerifyChain)
		l.GET("/receipts", h.ListReceipts)
		l.GET("/receipts/:id", h.GetReceipt)
		l.POST("/receipts/verify", h.VerifyReceipt)
		l.GET("/keys/status", h.KeyStatus)
		l.POST("/keys/rotate", h.RotateKeys)
		l.GET("/export", h.Export)
		l.POST("/export", h.Backup)
	}
}

// Overview handles GET /ledger: height, root hash and signing key.
func (h *LedgerHandler) Overview(c *gin.Context) {
	height, err := h.sink.Height()
	if err != nil {
		writeError(c, h.logger, "ledger height", err)
		return
	}
	root, err := h.sink.RootHash()
	if err != nil {
		writeError(c, h.logger, "ledger root", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"height":      height,
		"root":        root,
		"signing_kid": h.sink.SigningKeyID(),
		"status":      h.sink.Status(),
	})
}

// Append handles POST /ledger/events.
func (h *LedgerHandler) Append(c *gin.Context) {
	var ev ledger.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event: " + err.Error()})
		return
	}
	rcpt, err := h.sink.Append(c.Request.Context(), ev)
	if err != nil {
		writeError(c, h.logger, "ledger append", err)
		return
	}
	c.JSON(http.StatusCreated, rcpt)
}

// VerifyChain handles GET /ledger/verify. It walks the durable chain and
// reports the first broken index, if any.
func (h *LedgerHandler) VerifyChain(c *gin.Context) {
	report, err := h.sink.VerifyChain(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "ledger verify", err)
		return
	}
	if !report.Valid {
		h.logger.Warn("ledger integrity check failed", zap.String("message", report.Message))
	}
	c.JSON(http.StatusOK, report)
}

// ListReceipts handles GET /ledger/receipts?limit=N, newest first.
func (h *LedgerHandler) ListReceipts(c *gin.Context) {
	limit := defaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	receipts, err := h.sink.ListReceipts(limit)
	if err != nil {
		writeError(c, h.logger, "list receipts", err)
		return
	}
	if receipts == nil {
		receipts = []ledger.Receipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts, "count": len(receipts)})
}

// GetReceipt handles GET /ledger/receipts/:id.
func (h *LedgerHandler) GetReceipt(c *gin.Context) {
	rcpt, err := h.sink.GetReceipt(c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get receipt", err)
		return
	}
	c.JSON(http.StatusOK, rcpt)
}

// VerifyReceipt handles POST /ledger/receipts/verify. The body is a receipt;
// the response always carries 200 with the structured result.
func (h *LedgerHandler) VerifyReceipt(c *gin.Context) {
	var rcpt ledger.Receipt
	if err := c.ShouldBindJSON(&rcpt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt: " + err.Error()})
		return
	}
	if !h.sink.Ready() {
		writeError(c, h.logger, "verify receipt", ledger.ErrNotInitialized)
		return
	}
	c.JSON(http.StatusOK, h.sink.VerifyReceipt(c.Request.Context(), rcpt))
}

// KeyStatus handles GET /ledger/keys/status.
func (h *LedgerHandler) KeyStatus(c *gin.Context) {
	st, err := h.sink.KeyRotationStatus()
	if err != nil {
		writeError(c, h.logger, "key status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// RotateKeys handles POST /ledger/keys/rotate.
func (h *LedgerHandler) RotateKeys(c *gin.Context) {
	kid, err := h.sink.RotateKeys(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "rotate keys", err)
		return
	}
	h.logger.Info("signing key rotated via api", zap.String("kid", kid))
	c.JSON(http.StatusOK, gin.H{"kid": kid})
}

// Export handles GET /ledger/export and returns the full bundle.
func (h *LedgerHandler) Export(c *gin.Context) {
	bundle, err := h.sink.ExportLedger(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "export ledger", err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// Backup handles POST /ledger/export. It writes the bundle to the configured
// backup store and returns its location.
func (h *LedgerHandler) Backup(c *gin.Context) {
	if h.backup == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no backup store configured"})
		return
	}
	bundle, err := h.sink.ExportLedger(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "export ledger", err)
		return
	}
	loc, err := h.backup.Put(c.Request.Context(), bundle)
	if err != nil {
		writeError(c, h.logger, "backup ledger", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"location": loc, "height": bundle.Height, "root": bundle.RootHash})
}
