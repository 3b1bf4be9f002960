package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/verify"
)

// VerifyHandler exposes the provenance verification operation.
type VerifyHandler struct {
	svc    *verify.Service
	logger *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(svc *verify.Service, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// Register mounts the verify route on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/provenance/verify", h.Verify)
}

// Verify handles POST /provenance/verify. A claim that does not hold is a
// 200 with valid=false; only malformed requests are 400s.
func (h *VerifyHandler) Verify(c *gin.Context) {
	var req verify.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.svc.Verify(c.Request.Context(), req)
	switch {
	case errors.Is(err, verify.ErrUnsupportedType),
		errors.Is(err, verify.ErrBadRequest),
		errors.Is(err, merkle.ErrMalformedProof):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("verify", zap.String("type", string(req.Type)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
