package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/rentledger/internal/api/handler"
	"github.com/jmerrifield20/rentledger/internal/chain"
	"github.com/jmerrifield20/rentledger/internal/identity"
	"github.com/jmerrifield20/rentledger/internal/insight"
	"github.com/jmerrifield20/rentledger/internal/ledger"
	"github.com/jmerrifield20/rentledger/internal/service"
	"go.uber.org/zap"
)

func setupLedgerRouter(t *testing.T, tokens *identity.TokenIssuer) (*gin.Engine, ledger.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	anchors := chain.NewMemoryAnchors()
	factory := ledger.NewFactory()
	svc := service.NewLedgerService(
		store,
		factory,
		chain.NewBuilder(store, anchors, zap.NewNop()),
		chain.NewVerifier(store, anchors, zap.NewNop()),
		insight.NewProcessor(store, factory, insight.NewRiskScorer(nil), insight.Config{}, zap.NewNop()),
		zap.NewNop(),
	)

	r := gin.New()
	h := handler.NewLedgerHandler(svc, zap.NewNop())
	h.SetTokenIssuer(tokens)
	h.Register(r.Group("/api/v1"))
	return r, store
}

func do(r *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func paymentBody(subject, eventID string) map[string]any {
	due := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	return map[string]any{
		"event_id":   eventID,
		"event_type": ledger.EventPaymentRecorded,
		"subject_id": subject,
		"actor":      map[string]any{"system": "payments"},
		"data": map[string]any{
			"payment_id":         "pay-1",
			"amount_cents":       95000,
			"monthly_rent_cents": 95000,
			"due_date":           due,
			"paid_at":            due.Add(26 * time.Hour),
		},
	}
}

func TestAppendEvent_201_then_200_on_replay(t *testing.T) {
	router, store := setupLedgerRouter(t, nil)
	body := paymentBody("tenant-1", "5d2b8f7e-0a41-4d3b-8f0e-8a1c2b3d4e5f")

	w := do(router, http.MethodPost, "/api/v1/events", body, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["event_id"] != body["event_id"] {
		t.Errorf("event_id: got %v", resp["event_id"])
	}

	w = do(router, http.MethodPost, "/api/v1/events", body, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", w.Code, w.Body.String())
	}
	evs, _ := store.QueryBySubject(context.Background(), "tenant-1", "")
	if len(evs) != 1 {
		t.Errorf("expected 1 stored event, got %d", len(evs))
	}
}

func TestAppendEvent_409_conflict(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)
	body := paymentBody("tenant-1", "5d2b8f7e-0a41-4d3b-8f0e-8a1c2b3d4e5f")
	do(router, http.MethodPost, "/api/v1/events", body, "")

	body["subject_id"] = "tenant-2"
	w := do(router, http.MethodPost, "/api/v1/events", body, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAppendEvent_400_invalid(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)

	bodies := []any{
		map[string]any{"event_type": "Note", "subject_id": "tenant-1", "data": []int{1, 2}},
		map[string]any{"event_type": "", "subject_id": "tenant-1", "data": map[string]any{}},
		map[string]any{"event_type": "Note", "data": map[string]any{"a": 1}},
	}
	for i, b := range bodies {
		w := do(router, http.MethodPost, "/api/v1/events", b, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %d: expected 400, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: expected 400, got %d", w.Code)
	}
}

func TestAppendEvent_recordsTokenSubjectAsActor(t *testing.T) {
	ti, _ := identity.NewTokenIssuer([]byte("secret"), "test", time.Hour)
	router, store := setupLedgerRouter(t, ti)
	token, _ := ti.Issue("user-77", nil)

	w := do(router, http.MethodPost, "/api/v1/events", paymentBody("tenant-1", ""), token)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	evs, _ := store.QueryBySubject(context.Background(), "tenant-1", "")
	if len(evs) != 1 || evs[0].Actor.UserID != "user-77" {
		t.Errorf("expected actor user id user-77, got %+v", evs)
	}
}

func TestChainAndVerify_200(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)
	for i := 0; i < 3; i++ {
		do(router, http.MethodPost, "/api/v1/events", paymentBody("tenant-1", ""), "")
	}

	w := do(router, http.MethodGet, "/api/v1/subjects/tenant-1/chain", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view service.ChainView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Length != 3 || len(view.Blocks) != 3 || view.Root != view.Blocks[2].Hash {
		t.Errorf("unexpected chain view %+v", view)
	}

	w = do(router, http.MethodPost, "/api/v1/subjects/tenant-1/chain/seal", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("seal: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(router, http.MethodGet, "/api/v1/subjects/tenant-1/verify", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", w.Code)
	}
	var vr chain.VerifyResult
	json.Unmarshal(w.Body.Bytes(), &vr)
	if !vr.OK || vr.AnchoredLength != 3 {
		t.Errorf("unexpected verify result %+v", vr)
	}
}

func TestVerify_emptySubject_200(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)
	w := do(router, http.MethodGet, "/api/v1/subjects/nobody/verify", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["ok"] != true {
		t.Errorf("expected ok=true, got %v", resp["ok"])
	}
}

func TestVerify_404_whenFeatureGated(t *testing.T) {
	ti, _ := identity.NewTokenIssuer([]byte("secret"), "test", time.Hour)
	router, _ := setupLedgerRouter(t, ti)

	if w := do(router, http.MethodGet, "/api/v1/subjects/tenant-1/verify", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("no token: expected 404, got %d", w.Code)
	}
	token, _ := ti.Issue("user-1", []string{identity.FeatureVerify})
	if w := do(router, http.MethodGet, "/api/v1/subjects/tenant-1/verify", nil, token); w.Code != http.StatusOK {
		t.Errorf("with feature: expected 200, got %d", w.Code)
	}
}

func TestInsights_runAndLatest(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)

	if w := do(router, http.MethodGet, "/api/v1/subjects/tenant-1/insight", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", w.Code)
	}
	for _, s := range []string{"tenant-1", "tenant-2"} {
		do(router, http.MethodPost, "/api/v1/events", paymentBody(s, ""), "")
	}

	w := do(router, http.MethodPost, "/api/v1/insights/run", map[string]int{"limit": 10}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["processed_subjects"] != float64(2) || resp["written_insights"] != float64(2) {
		t.Errorf("unexpected run result %v", resp)
	}

	w = do(router, http.MethodGet, "/api/v1/subjects/tenant-1/insight", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var in insight.Insight
	json.Unmarshal(w.Body.Bytes(), &in)
	if in.SubjectID != "tenant-1" || in.LatePayments != 1 {
		t.Errorf("unexpected insight %+v", in)
	}

	w = do(router, http.MethodGet, "/api/v1/subjects/tenant-1/events?type="+ledger.EventInsightGenerated, nil, "")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["count"] != float64(1) {
		t.Errorf("expected 1 insight event, got %v", resp["count"])
	}
}

// ── Store unavailable ─────────────────────────────────────────────────────

type unavailableSvc struct{ service.LedgerService }

func (unavailableSvc) Verify(context.Context, string) (*chain.VerifyResult, error) {
	return nil, fmt.Errorf("load subject history: %w", ledger.ErrStoreUnavailable)
}

func TestVerify_503_whenStoreUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler.NewLedgerHandler(&unavailableSvc{}, zap.NewNop()).Register(r.Group("/api/v1"))

	w := do(r, http.MethodGet, "/api/v1/subjects/tenant-1/verify", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}
