package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/signer"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/snapshotstore"
)

// SnapshotHandler publishes and serves signed snapshots.
type SnapshotHandler struct {
	gen     *snapshot.Generator // nil on verifier-only instances
	archive snapshotstore.Store
	keys    *signer.Keyring
	logger  *zap.Logger
}

// NewSnapshotHandler creates a new SnapshotHandler. gen may be nil, in
// which case snapshots can be read and verified but not created.
func NewSnapshotHandler(gen *snapshot.Generator, archive snapshotstore.Store, keys *signer.Keyring, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{gen: gen, archive: archive, keys: keys, logger: logger}
}

// Register mounts the snapshot routes on the given router group.
func (h *SnapshotHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/snapshots")
	{
		s.POST("", h.Create)
		s.GET("", h.List)
		s.GET("/latest", h.Latest)
		s.GET("/:id", h.Get)
		s.GET("/:id/verify", h.Verify)
		s.GET("/:id/proofs/:firm", h.Proof)
	}
}

func (h *SnapshotHandler) archiveError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, snapshotstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
	case errors.Is(err, snapshotstore.ErrStaleChain),
		errors.Is(err, snapshotstore.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// Create handles POST /snapshots. The new snapshot is chained to the latest
// archived one; any previous commitment in the body is ignored.
func (h *SnapshotHandler) Create(c *gin.Context) {
	if h.gen == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "this instance does not sign snapshots"})
		return
	}
	var req snapshot.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.SnapshotID == "" {
		req.SnapshotID = uuid.NewString()
	}
	ctx := c.Request.Context()

	req.Previous = nil
	latest, err := h.archive.Latest(ctx)
	switch {
	case errors.Is(err, snapshotstore.ErrNotFound):
	case err != nil:
		h.archiveError(c, "read latest snapshot", err)
		return
	default:
		req.Previous = latest.Commitment
	}

	b, err := h.gen.Generate(ctx, req)
	switch {
	case errors.Is(err, snapshot.ErrInsufficientCoverage),
		errors.Is(err, snapshot.ErrUncommittedEvidence):
		h.logger.Warn("snapshot aborted", zap.String("snapshot_id", req.SnapshotID), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.archive.Save(ctx, b); err != nil {
		h.archiveError(c, "archive snapshot", err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// List handles GET /snapshots and returns every commitment, oldest first.
func (h *SnapshotHandler) List(c *gin.Context) {
	list, err := h.archive.List(c.Request.Context())
	if err != nil {
		h.archiveError(c, "list snapshots", err)
		return
	}
	if list == nil {
		list = []*snapshot.DatasetCommitment{}
	}
	c.JSON(http.StatusOK, gin.H{"commitments": list})
}

// Latest handles GET /snapshots/latest.
func (h *SnapshotHandler) Latest(c *gin.Context) {
	b, err := h.archive.Latest(c.Request.Context())
	if err != nil {
		h.archiveError(c, "latest snapshot", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Get handles GET /snapshots/:id.
func (h *SnapshotHandler) Get(c *gin.Context) {
	b, err := h.archive.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.archiveError(c, "get snapshot", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Verify handles GET /snapshots/:id/verify and re-checks the archived
// bundle end to end.
func (h *SnapshotHandler) Verify(c *gin.Context) {
	b, err := h.archive.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.archiveError(c, "get snapshot", err)
		return
	}
	c.JSON(http.StatusOK, b.Verify(h.keys))
}

// Proof handles GET /snapshots/:id/proofs/:firm.
func (h *SnapshotHandler) Proof(c *gin.Context) {
	b, err := h.archive.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.archiveError(c, "get snapshot", err)
		return
	}
	p, err := b.Proof(c.Param("firm"))
	if errors.Is(err, snapshot.ErrUnknownFirm) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.archiveError(c, "build proof", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_id": b.Commitment.SnapshotID,
		"firm_id":     c.Param("firm"),
		"proof":       p,
	})
}
