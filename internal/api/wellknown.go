package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/auditledger/internal/keyring"
)

// WellKnownHandler publishes the ledger's verification keys.
type WellKnownHandler struct {
	keys *keyring.Publisher
}

// NewWellKnownHandler creates a new WellKnownHandler.
func NewWellKnownHandler(keys *keyring.Publisher) *WellKnownHandler {
	return &WellKnownHandler{keys: keys}
}

// RegisterWellKnown attaches the JWKS routes to the engine.
func (h *WellKnownHandler) RegisterWellKnown(engine *gin.Engine) {
	engine.GET("/.well-known/jwks.json", h.ServeJWKS)
	engine.GET("/.well-known/jwks/:kid", h.ServeKey)
}

// ServeJWKS handles GET /.well-known/jwks.json.
func (h *WellKnownHandler) ServeJWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.keys.KeySet())
}

// ServeKey handles GET /.well-known/jwks/:kid.
func (h *WellKnownHandler) ServeKey(c *gin.Context) {
	jwk, ok := h.keys.KeyByID(c.Param("kid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, jwk)
}
