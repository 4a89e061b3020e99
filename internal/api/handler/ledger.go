package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/rentledger/internal/chain"
	"github.com/jmerrifield20/rentledger/internal/identity"
	"github.com/jmerrifield20/rentledger/internal/insight"
	"github.com/jmerrifield20/rentledger/internal/ledger"
	"github.com/jmerrifield20/rentledger/internal/service"
	"go.uber.org/zap"
)

// ledgerSvc is the interface expected by LedgerHandler, satisfied by
// *service.LedgerService.
type ledgerSvc interface {
	AppendEvent(ctx context.Context, req service.AppendRequest) (*service.AppendResult, error)
	Events(ctx context.Context, subjectID, eventType string) ([]*ledger.LedgerEvent, error)
	Chain(ctx context.Context, subjectID string) (*service.ChainView, error)
	Seal(ctx context.Context, subjectID string) (*chain.SealResult, error)
	Verify(ctx context.Context, subjectID string) (*chain.VerifyResult, error)
	RunInsightProcessor(ctx context.Context, limit int) (*insight.RunResult, error)
	LatestInsight(ctx context.Context, subjectID string) (*insight.Insight, error)
}

// LedgerHandler exposes the ledger core over HTTP.
type LedgerHandler struct {
	svc    ledgerSvc
	tokens *identity.TokenIssuer // nil = verify open to everyone, no actor attribution
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc ledgerSvc, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// SetTokenIssuer enables caller tokens: the token subject is recorded as the
// actor's user id and the verify route requires the verify feature.
func (h *LedgerHandler) SetTokenIssuer(ti *identity.TokenIssuer) {
	h.tokens = ti
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/events", identity.OptionalToken(h.tokens), h.AppendEvent)
	rg.POST("/insights/run", h.RunInsights)

	s := rg.Group("/subjects/:subject")
	{
		s.GET("/events", h.ListEvents)
		s.GET("/insight", h.LatestInsight)
		s.GET("/chain", h.Chain)
		s.POST("/chain/seal", h.Seal)
		s.GET("/verify", identity.RequireFeature(h.tokens, identity.FeatureVerify), h.Verify)
	}
}

// AppendEvent handles POST /events.
func (h *LedgerHandler) AppendEvent(c *gin.Context) {
	var req service.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		req.Actor.UserID = claims.Subject
	}

	res, err := h.svc.AppendEvent(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "append event", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"event_id": res.Event.EventID,
		"replayed": res.Replayed,
	})
}

// ListEvents handles GET /subjects/:subject/events?type=.
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	evs, err := h.svc.Events(c.Request.Context(), c.Param("subject"), c.Query("type"))
	if err != nil {
		h.writeError(c, "list events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

// LatestInsight handles GET /subjects/:subject/insight.
func (h *LedgerHandler) LatestInsight(c *gin.Context) {
	in, err := h.svc.LatestInsight(c.Request.Context(), c.Param("subject"))
	if err != nil {
		h.writeError(c, "latest insight", err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// Chain handles GET /subjects/:subject/chain.
func (h *LedgerHandler) Chain(c *gin.Context) {
	view, err := h.svc.Chain(c.Request.Context(), c.Param("subject"))
	if err != nil {
		h.writeError(c, "build chain", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Seal handles POST /subjects/:subject/chain/seal.
func (h *LedgerHandler) Seal(c *gin.Context) {
	res, err := h.svc.Seal(c.Request.Context(), c.Param("subject"))
	if err != nil {
		h.writeError(c, "seal chain", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles GET /subjects/:subject/verify. A broken chain is a normal
// 200 response with ok=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	res, err := h.svc.Verify(c.Request.Context(), c.Param("subject"))
	if err != nil {
		h.writeError(c, "verify chain", err)
		return
	}
	RecordVerification(res.OK)
	c.JSON(http.StatusOK, res)
}

type runRequest struct {
	Limit int `json:"limit"`
}

// RunInsights handles POST /insights/run.
func (h *LedgerHandler) RunInsights(c *gin.Context) {
	req := runRequest{Limit: 100}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	res, err := h.svc.RunInsightProcessor(c.Request.Context(), req.Limit)
	if err != nil && res == nil {
		h.writeError(c, "run insight processor", err)
		return
	}
	body := gin.H{
		"scanned_events":     res.ScannedEvents,
		"processed_subjects": res.ProcessedSubjects,
		"written_insights":   res.WrittenInsights,
		"coalesced_subjects": res.CoalescedSubjects,
		"skipped_subjects":   res.SkippedSubjects,
		"failures":           res.Failures,
	}
	if err != nil {
		body["partial"] = true
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// writeError maps ledger errors onto HTTP statuses.
func (h *LedgerHandler) writeError(c *gin.Context, op string, err error) {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent), errors.As(err, &syntaxErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrDuplicateEvent), errors.Is(err, chain.ErrAnchorConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case ledger.IsRetryable(err):
		h.logger.Warn(op+": store unavailable", zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger store unavailable, retry later"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
