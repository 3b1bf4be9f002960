package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/evidencestore"
	"github.com/gtixt/provenance/internal/intake"
	"github.com/gtixt/provenance/internal/validation"
)

// maxBatch caps the number of items in one batch submission.
const maxBatch = 500

// EvidenceHandler exposes evidence submission and lookup.
type EvidenceHandler struct {
	svc      *intake.Service
	store    evidencestore.Store
	logger   *zap.Logger
	override bool
}

// NewEvidenceHandler creates a new EvidenceHandler.
func NewEvidenceHandler(svc *intake.Service, store evidencestore.Store, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{svc: svc, store: store, logger: logger}
}

// EnableOverride mounts POST /evidence/override on the next Register.
func (h *EvidenceHandler) EnableOverride() { h.override = true }

// Register mounts the evidence routes on the given router group.
func (h *EvidenceHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/evidence")
	{
		e.POST("", h.Submit)
		e.POST("/batch", h.SubmitBatch)
		e.GET("/:id", h.Get)
		e.GET("/:id/history", h.History)
		e.POST("/:id/correction", h.Correct)
		e.POST("/:id/withdraw", h.Withdraw)
		if h.override {
			e.POST("/override", h.Override)
		}
	}
	rg.GET("/firms/:firm/evidence", h.ListByFirm)
}

// storeError maps ledger and intake errors to a status code.
func (h *EvidenceHandler) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, evidencestore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, evidencestore.ErrDuplicate),
		errors.Is(err, evidencestore.ErrAlreadyRetracted),
		errors.Is(err, evidence.ErrRetracted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, evidence.ErrLocked),
		errors.Is(err, evidencestore.ErrBrokenLink),
		errors.Is(err, intake.ErrIncomplete),
		errors.Is(err, intake.ErrNoReviewer),
		errors.Is(err, evidence.ErrInvalidText):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// respond writes an intake outcome: 201 when committed, 202 when held for
// retry and 200 when rejected.
func (h *EvidenceHandler) respond(c *gin.Context, op string, out *intake.Outcome, err error) {
	switch {
	case intake.IsHeld(err):
		c.JSON(http.StatusAccepted, out)
	case err != nil:
		h.storeError(c, op, err)
	case out.Committed():
		c.JSON(http.StatusCreated, out)
	default:
		c.JSON(http.StatusOK, out)
	}
}

// Submit handles POST /evidence.
func (h *EvidenceHandler) Submit(c *gin.Context) {
	var it evidence.Item
	if err := c.ShouldBindJSON(&it); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if it.ID == "" || it.FirmID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and firm_id are required"})
		return
	}
	out, err := h.svc.Submit(c.Request.Context(), &it)
	h.respond(c, "submit evidence", out, err)
}

// SubmitBatch handles POST /evidence/batch.
func (h *EvidenceHandler) SubmitBatch(c *gin.Context) {
	var body struct {
		Items []*evidence.Item `json:"items"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(body.Items) == 0 || len(body.Items) > maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items must hold between 1 and 500 entries"})
		return
	}
	for _, it := range body.Items {
		if it == nil || it.ID == "" || it.FirmID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every item needs id and firm_id"})
			return
		}
	}

	outs, err := h.svc.SubmitBatch(c.Request.Context(), body.Items)
	if err != nil {
		h.storeError(c, "submit batch", err)
		return
	}
	committed := 0
	cs := make([]validation.Consensus, len(outs))
	for i, o := range outs {
		if o.Committed() {
			committed++
		}
		cs[i] = o.Consensus
	}
	c.JSON(http.StatusOK, gin.H{
		"outcomes":  outs,
		"committed": committed,
		"stats":     validation.Tally(cs),
	})
}

// Override handles POST /evidence/override with {"item": ..., "decision": ...}.
func (h *EvidenceHandler) Override(c *gin.Context) {
	var body struct {
		Item     *evidence.Item  `json:"item"`
		Decision intake.Decision `json:"decision"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	out, err := h.svc.Override(c.Request.Context(), body.Item, body.Decision)
	h.respond(c, "override evidence", out, err)
}

// Get handles GET /evidence/:id and returns the item's current state.
func (h *EvidenceHandler) Get(c *gin.Context) {
	it, err := h.store.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, "get evidence", err)
		return
	}
	c.JSON(http.StatusOK, it)
}

// History handles GET /evidence/:id/history.
func (h *EvidenceHandler) History(c *gin.Context) {
	recs, err := h.store.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, "evidence history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// Correct handles POST /evidence/:id/correction with the replacement item.
func (h *EvidenceHandler) Correct(c *gin.Context) {
	var it evidence.Item
	if err := c.ShouldBindJSON(&it); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	out, err := h.svc.Correct(c.Request.Context(), c.Param("id"), &it)
	h.respond(c, "correct evidence", out, err)
}

// Withdraw handles POST /evidence/:id/withdraw.
func (h *EvidenceHandler) Withdraw(c *gin.Context) {
	rec, err := h.svc.Withdraw(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, "withdraw evidence", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListByFirm handles GET /firms/:firm/evidence.
func (h *EvidenceHandler) ListByFirm(c *gin.Context) {
	items, err := h.store.ListByFirm(c.Request.Context(), c.Param("firm"))
	if err != nil {
		h.storeError(c, "list evidence", err)
		return
	}
	if items == nil {
		items = []*evidence.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"firm_id": c.Param("firm"), "evidence": items})
}
