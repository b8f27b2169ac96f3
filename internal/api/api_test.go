package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/creditrisk/internal/adminauth"
	"github.com/jmerrifield20/creditrisk/internal/api"
	"github.com/jmerrifield20/creditrisk/internal/audit"
	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/internal/mlflow/mlflowtest"
	"github.com/jmerrifield20/creditrisk/internal/modelcache"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ── Stubs ────────────────────────────────────────────────────────────────────

type stubScorer struct {
	res *scoring.Result
	err error
}

func (s *stubScorer) Score(context.Context, map[string]any) (*scoring.Result, error) {
	return s.res, s.err
}

type stubCache struct {
	current *resolver.ResolvedModel
	next    *resolver.ResolvedModel
	err     error
	reloads int
}

func (s *stubCache) Current() *resolver.ResolvedModel { return s.current }

func (s *stubCache) Reload(context.Context) (*resolver.ResolvedModel, error) {
	s.reloads++
	if s.err != nil {
		return nil, s.err
	}
	s.current = s.next
	return s.next, nil
}

func resolvedModel(version string) *resolver.ResolvedModel {
	return &resolver.ResolvedModel{
		ID:         uuid.New(),
		Source:     resolver.SourceRegistry,
		Identifier: "models:/credit-risk-best/Production",
		Version:    version,
		LoadedAt:   time.Now().UTC(),
	}
}

var highResult = &scoring.Result{
	Probability:  0.72,
	RiskLabel:    scoring.RiskHigh,
	IsHighRisk:   true,
	Threshold:    0.5,
	ModelSource:  "models:/credit-risk-best/Production",
	SourceKind:   resolver.SourceRegistry,
	ModelVersion: "3",
}

func newRouter(t *testing.T, opts api.Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Models == nil {
		opts.Models = &stubCache{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return api.NewRouter(ctx, opts, zap.NewNop())
}

func do(router http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

const borrower = `{"income": 50000, "age": 34, "delinquencies": 0}`

// ── Score ────────────────────────────────────────────────────────────────────

func TestScore_200(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{res: highResult}})

	w := do(router, http.MethodPost, "/api/v1/score", borrower)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["probability"] != 0.72 || resp["riskLabel"] != "High" || resp["isHighRisk"] != true {
		t.Errorf("unexpected body: %v", resp)
	}
	if resp["sourceKind"] != "registry" || resp["modelVersion"] != "3" {
		t.Errorf("provenance missing: %v", resp)
	}
	if _, ok := resp["risk_probability"]; ok {
		t.Error("risk_probability belongs to the legacy route only")
	}
}

func TestPredict_legacyAlias(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{res: highResult}})

	w := do(router, http.MethodPost, "/predict", borrower)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["risk_probability"] != 0.72 || resp["probability"] != 0.72 || resp["riskLabel"] != "High" {
		t.Errorf("unexpected body: %v", resp)
	}
}

func TestScore_400_invalidFeatures(t *testing.T) {
	err := &schema.InvalidFeatureError{Fields: []schema.FieldError{
		{Field: "age", Reason: "required field is missing"},
		{Field: "employer", Reason: "unknown field"},
	}}
	router := newRouter(t, api.Options{Scorer: &stubScorer{err: err}})

	w := do(router, http.MethodPost, "/api/v1/score", `{"income": 1, "employer": "acme"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["code"] != "invalid_features" {
		t.Errorf("code: got %v", resp["code"])
	}
	fields, _ := resp["fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %v", resp["fields"])
	}
	first := fields[0].(map[string]any)
	if first["field"] != "age" || first["reason"] != "required field is missing" {
		t.Errorf("unexpected field entry: %v", first)
	}
}

func TestScore_400_malformedBody(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{res: highResult}})

	for _, body := range []string{`[1, 2]`, `{"income":`, `{} {}`, `42`} {
		w := do(router, http.MethodPost, "/api/v1/score", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", body, w.Code)
			continue
		}
		if decode(t, w)["code"] != "invalid_request" {
			t.Errorf("%q: unexpected body %s", body, w.Body.String())
		}
	}
}

func TestScore_413_bodyTooLarge(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{res: highResult}, MaxBodyBytes: 64})

	body := `{"income": 1, "padding": "` + strings.Repeat("x", 128) + `"}`
	w := do(router, http.MethodPost, "/api/v1/score", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
}

func TestScore_503_modelUnavailable(t *testing.T) {
	err := &resolver.ModelUnavailableError{Causes: []error{
		&resolver.RegistryUnavailableError{Identifier: "models:/m/Production", Err: errors.New("dial tcp: refused")},
		&resolver.LocalArtifactError{Path: "/app/artifacts/best_model.pkl", Err: os.ErrNotExist},
	}}
	router := newRouter(t, api.Options{Scorer: &stubScorer{err: err}})

	w := do(router, http.MethodPost, "/api/v1/score", borrower)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if decode(t, w)["code"] != "model_unavailable" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "refused") || strings.Contains(w.Body.String(), "best_model") {
		t.Errorf("internal cause leaked: %s", w.Body.String())
	}
}

func TestScore_500_scoringFailed(t *testing.T) {
	err := &scoring.ScoringError{Identifier: "/app/artifacts/best_model.pkl", Err: errors.New("shape mismatch")}
	router := newRouter(t, api.Options{Scorer: &stubScorer{err: err}})

	w := do(router, http.MethodPost, "/api/v1/score", borrower)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if decode(t, w)["code"] != "scoring_failed" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "shape mismatch") {
		t.Errorf("internal cause leaked: %s", w.Body.String())
	}
}

func TestScore_429_rateLimited(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{res: highResult}, RateLimitRPS: 1})

	// Burst is twice the rate.
	for i := 0; i < 2; i++ {
		if w := do(router, http.MethodPost, "/api/v1/score", borrower); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := do(router, http.MethodPost, "/api/v1/score", borrower)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Operational routes are not limited.
	if w := do(router, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
}

// ── Health ───────────────────────────────────────────────────────────────────

func TestReadyz(t *testing.T) {
	cache := &stubCache{}
	router := newRouter(t, api.Options{Scorer: &stubScorer{}, Models: cache})

	if w := do(router, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before load, got %d", w.Code)
	}
	cache.current = resolvedModel("1")
	if w := do(router, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 after load, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{}})
	w := do(router, http.MethodGet, "/healthz", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("security headers missing: %v", w.Header())
	}
}

func TestMetrics_exposed(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{res: highResult}})
	do(router, http.MethodPost, "/api/v1/score", borrower)

	w := do(router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	for _, name := range []string{"creditrisk_requests_total", "creditrisk_scores_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metric %s not exposed", name)
		}
	}
}

// ── Model info ───────────────────────────────────────────────────────────────

func TestModelInfo_503_notLoaded(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{}})

	for _, path := range []string{"/api/v1/model-info", "/model-info"} {
		w := do(router, http.MethodGet, path, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestModelInfo_200(t *testing.T) {
	m := resolvedModel("7")
	router := newRouter(t, api.Options{Scorer: &stubScorer{}, Models: &stubCache{current: m}})

	for _, path := range []string{"/api/v1/model-info", "/model-info"} {
		w := do(router, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		resp := decode(t, w)
		if resp["model_source"] != "models:/credit-risk-best/Production" || resp["version"] != "7" {
			t.Errorf("%s: unexpected body %v", path, resp)
		}
		if resp["source_kind"] != "registry" || resp["id"] != m.ID.String() {
			t.Errorf("%s: unexpected body %v", path, resp)
		}
	}
}

// ── Reload ───────────────────────────────────────────────────────────────────

func newIssuer(t *testing.T) *adminauth.Issuer {
	t.Helper()
	iss, err := adminauth.NewIssuer([]byte("0123456789abcdef0123"), adminauth.DefaultIssuer, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return iss
}

func bearer(t *testing.T, iss *adminauth.Issuer, scopes ...string) string {
	t.Helper()
	tok, err := iss.Issue("ops@example.com", scopes)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func TestReload_404_whenAdminDisabled(t *testing.T) {
	router := newRouter(t, api.Options{Scorer: &stubScorer{}})
	if w := do(router, http.MethodPost, "/api/v1/model/reload", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestReload_authorization(t *testing.T) {
	iss := newIssuer(t)
	cache := &stubCache{current: resolvedModel("1"), next: resolvedModel("2")}
	router := newRouter(t, api.Options{Scorer: &stubScorer{}, Models: cache, Admin: iss})

	if w := do(router, http.MethodPost, "/api/v1/model/reload", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/v1/model/reload", "", "Authorization", "Bearer nope"); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", w.Code)
	}
	w := do(router, http.MethodPost, "/api/v1/model/reload", "", "Authorization", bearer(t, iss, "decisions:read"))
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong scope: expected 403, got %d", w.Code)
	}
	if cache.reloads != 0 {
		t.Errorf("unauthorised requests reached the cache: %d reloads", cache.reloads)
	}
}

func TestReload_200(t *testing.T) {
	iss := newIssuer(t)
	cache := &stubCache{current: resolvedModel("1"), next: resolvedModel("2")}
	router := newRouter(t, api.Options{Scorer: &stubScorer{}, Models: cache, Admin: iss})

	w := do(router, http.MethodPost, "/api/v1/model/reload", "", "Authorization", bearer(t, iss, adminauth.ScopeReload))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["version"] != "2" || cache.reloads != 1 {
		t.Errorf("unexpected reload outcome: %s (reloads=%d)", w.Body.String(), cache.reloads)
	}
}

func TestReload_503_keepsPrevious(t *testing.T) {
	iss := newIssuer(t)
	prev := resolvedModel("1")
	cache := &stubCache{current: prev, err: &resolver.ModelUnavailableError{Causes: []error{errors.New("x")}}}
	router := newRouter(t, api.Options{Scorer: &stubScorer{}, Models: cache, Admin: iss})

	w := do(router, http.MethodPost, "/api/v1/model/reload", "", "Authorization", bearer(t, iss, adminauth.ScopeReload))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if decode(t, w)["code"] != "model_unavailable" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
	if w := do(router, http.MethodGet, "/api/v1/model-info", ""); decode(t, w)["version"] != "1" {
		t.Errorf("previous model no longer reported: %s", w.Body.String())
	}
}

// ── Decisions ────────────────────────────────────────────────────────────────

// constantArtifact predicts 0.1 for every borrower.
const constantArtifact = `{
  "format_version": 1,
  "kind": "logistic",
  "version": "baseline",
  "features": [
    {"name": "income", "type": "number"},
    {"name": "age", "type": "integer"},
    {"name": "delinquencies", "type": "integer"}
  ],
  "intercept": -2.1972245773362196,
  "weights": [0, 0, 0]
}`

func writeArtifact(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "best_model.pkl")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

type stack struct {
	router *gin.Engine
	cache  *modelcache.Cache
	log    *audit.MemoryLog
}

// newStack wires the real resolver, cache, schema and scoring service the
// way the server binary does.
func newStack(t *testing.T, cfg resolver.Config, registry resolver.RegistryClient, logger *zap.Logger) *stack {
	t.Helper()
	cache := modelcache.New(resolver.New(cfg, registry, logger), logger)
	svc, err := scoring.New(cache, schema.Default(), scoring.DefaultThresholds(), logger)
	if err != nil {
		t.Fatal(err)
	}
	log := audit.NewMemoryLog(100)
	svc.SetDecisionSink(audit.NewRecorder(log))

	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	router := api.NewRouter(ctx, api.Options{Scorer: svc, Models: cache, Decisions: log}, logger)
	return &stack{router: router, cache: cache, log: log}
}

func TestDecisions_listAndVerify(t *testing.T) {
	s := newStack(t, resolver.Config{LocalPath: writeArtifact(t, constantArtifact)}, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		if w := do(s.router, http.MethodPost, "/api/v1/score", borrower); w.Code != http.StatusOK {
			t.Fatalf("score %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	// Rejected requests are not decisions.
	do(s.router, http.MethodPost, "/api/v1/score", `{"income": -5}`)

	w := do(s.router, http.MethodGet, "/api/v1/decisions?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if int(resp["entries"].(float64)) != 4 { // genesis + 3
		t.Errorf("entries: got %v", resp["entries"])
	}
	decisions := resp["decisions"].([]any)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	newest := decisions[0].(map[string]any)
	if int(newest["index"].(float64)) != 3 || newest["risk_label"] != "Low" {
		t.Errorf("unexpected newest decision: %v", newest)
	}
	if resp["root"] != newest["hash"] {
		t.Errorf("root %v is not the newest hash %v", resp["root"], newest["hash"])
	}

	w = do(s.router, http.MethodGet, "/api/v1/decisions/verify", "")
	if decode(t, w)["valid"] != true {
		t.Errorf("chain did not verify: %s", w.Body.String())
	}

	if w := do(s.router, http.MethodGet, "/api/v1/decisions/1", ""); w.Code != http.StatusOK {
		t.Errorf("get entry: expected 200, got %d", w.Code)
	}
	if w := do(s.router, http.MethodGet, "/api/v1/decisions/99", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing entry: expected 404, got %d", w.Code)
	}
	if w := do(s.router, http.MethodGet, "/api/v1/decisions?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

// ── End to end ───────────────────────────────────────────────────────────────

func scoreProbability(t *testing.T, router http.Handler) (float64, map[string]any) {
	t.Helper()
	w := do(router, http.MethodPost, "/api/v1/score", borrower)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	return resp["probability"].(float64), resp
}

func TestEndToEnd_registry(t *testing.T) {
	srv := mlflowtest.NewServer(t)
	srv.Register("credit-risk-best", "Production", "5", []byte(constantArtifact))

	client, err := mlflow.New(mlflow.Config{TrackingURI: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	cfg := resolver.Config{RegistryURI: srv.URL, LocalPath: filepath.Join(t.TempDir(), "absent.pkl")}
	s := newStack(t, cfg, client, zap.NewNop())

	p, resp := scoreProbability(t, s.router)
	if math.Abs(p-0.1) > 1e-9 || resp["riskLabel"] != "Low" {
		t.Errorf("unexpected result: %v", resp)
	}
	if resp["modelSource"] != "models:/credit-risk-best/Production" || resp["modelVersion"] != "5" {
		t.Errorf("expected registry provenance, got %v", resp)
	}

	before := srv.Requests()
	scoreProbability(t, s.router)
	if srv.Requests() != before {
		t.Error("second score contacted the registry")
	}
}

func TestEndToEnd_localFile(t *testing.T) {
	path := writeArtifact(t, constantArtifact)
	s := newStack(t, resolver.Config{LocalPath: path}, nil, zap.NewNop())

	p, resp := scoreProbability(t, s.router)
	if math.Abs(p-0.1) > 1e-9 || resp["riskLabel"] != "Low" || resp["isHighRisk"] != false {
		t.Errorf("unexpected result: %v", resp)
	}
	if resp["modelSource"] != path || resp["sourceKind"] != "local_file" {
		t.Errorf("expected local provenance, got %v", resp)
	}

	w := do(s.router, http.MethodGet, "/model-info", "")
	if decode(t, w)["model_source"] != path {
		t.Errorf("model-info: %s", w.Body.String())
	}
}

func TestEndToEnd_unreachableRegistryFallsBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	uri := "http://127.0.0.1:1"
	client, err := mlflow.New(mlflow.Config{TrackingURI: uri, Timeout: 2 * time.Second}, logger)
	if err != nil {
		t.Fatal(err)
	}
	path := writeArtifact(t, constantArtifact)
	s := newStack(t, resolver.Config{RegistryURI: uri, LocalPath: path}, client, logger)

	p, resp := scoreProbability(t, s.router)
	if math.Abs(p-0.1) > 1e-9 || resp["modelSource"] != path {
		t.Errorf("expected local fallback, got %v", resp)
	}

	warned := logs.FilterMessage("model load failed").All()
	if len(warned) != 1 {
		t.Fatalf("expected one registry warning, got %d: %v", len(warned), logs.All())
	}
	if id := warned[0].ContextMap()["identifier"]; id != "models:/credit-risk-best/Production" {
		t.Errorf("warning identifier: got %v", id)
	}
}

func TestEndToEnd_noModel(t *testing.T) {
	s := newStack(t, resolver.Config{LocalPath: filepath.Join(t.TempDir(), "absent.pkl")}, nil, zap.NewNop())

	w := do(s.router, http.MethodPost, "/api/v1/score", borrower)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	// Invalid payloads are rejected before any resolution is attempted.
	before := s.cache.Resolutions()
	if w := do(s.router, http.MethodPost, "/predict", `{"age": "old"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if s.cache.Resolutions() != before {
		t.Error("invalid request triggered a resolution")
	}
}

func TestEndToEnd_integerPayloadRoundTrips(t *testing.T) {
	s := newStack(t, resolver.Config{LocalPath: writeArtifact(t, constantArtifact)}, nil, zap.NewNop())

	body := bytes.NewBufferString(`{"income": 50000.5, "age": 34, "delinquencies": 2}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/score", body)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
