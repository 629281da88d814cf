package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/querygen/querygen/internal/auth"
	"github.com/querygen/querygen/internal/config"
	"github.com/querygen/querygen/internal/jobs"
	"github.com/querygen/querygen/internal/nl2sql"
	"github.com/querygen/querygen/internal/querygen"
	"github.com/querygen/querygen/internal/safety"
	"github.com/querygen/querygen/internal/schema"
)

type stubGenerator struct {
	mu       sync.Mutex
	requests []querygen.Request
	result   querygen.Result
	err      error
}

func (g *stubGenerator) Generate(_ context.Context, req querygen.Request) (querygen.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.result, g.err
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func TestHealthReportsConfiguredModel(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})

	rr := serve(NewHandler(cfg, Dependencies{}), http.MethodGet, "/querygen/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != true || body["status"] != "configured" || body["model"] != "gpt-5.2" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHealthReportsMissingKey(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})

	rr := serve(NewHandler(cfg, Dependencies{}), http.MethodGet, "/querygen/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false || body["status"] != "not_configured" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["error"] != "OpenAI API key is not configured" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})

	h := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := serve(h, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})

	h := NewHandler(cfg, Dependencies{})
	_ = serve(h, http.MethodGet, "/querygen/health", "")
	rr := serve(h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "querygen_http_requests_total") {
		t.Fatal("expected querygen metrics in output")
	}
}

func TestRunPromptReturnsGeneratedSQL(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})
	gen := &stubGenerator{result: querygen.Result{
		SQL:     "SELECT * FROM users LIMIT 10",
		Prompt:  "show all users",
		Model:   "gpt-5.2",
		Success: true,
	}}

	rr := serve(NewHandler(cfg, Dependencies{Generator: gen}), http.MethodPost, "/prompts/run",
		`{"prompt":"show all users","data_source":" main "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true || body["sql"] != "SELECT * FROM users LIMIT 10" || body["model"] != "gpt-5.2" {
		t.Fatalf("unexpected body: %v", body)
	}
	if gen.requests[0].DataSource != "main" {
		t.Fatalf("DataSource = %q, want main", gen.requests[0].DataSource)
	}
}

func TestRunPromptRejectsBlankPrompt(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})
	gen := &stubGenerator{}

	for _, payload := range []string{`{"prompt":"   "}`, ``} {
		rr := serve(NewHandler(cfg, Dependencies{Generator: gen}), http.MethodPost, "/prompts/run", payload)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("payload %q status = %d", payload, rr.Code)
		}
		body := decodeBody(t, rr)
		if body["success"] != false || body["error"] != "Prompt is required" || body["error_kind"] != "input" {
			t.Fatalf("unexpected body: %v", body)
		}
	}
	if gen.calls() != 0 {
		t.Fatalf("generator called %d times", gen.calls())
	}
}

func TestRunPromptRejectsMalformedJSON(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})

	rr := serve(NewHandler(cfg, Dependencies{Generator: &stubGenerator{}}), http.MethodPost, "/prompts/run", `{"prompt":`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRunPromptMapsErrors(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})

	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"configuration", nl2sql.ErrConfiguration, http.StatusServiceUnavailable, "configuration"},
		{"connection", schema.ErrConnectionUnavailable, http.StatusServiceUnavailable, "connection_unavailable"},
		{"unsafe", safety.ErrUnsafeQuery, http.StatusUnprocessableEntity, "unsafe_query"},
		{"timeout", &nl2sql.Error{Kind: nl2sql.ErrTimeout, Attempts: 3, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "timeout"},
		{"api", &nl2sql.Error{Kind: nl2sql.ErrAPI, Attempts: 1, Err: errors.New("status 400")}, http.StatusBadGateway, "api"},
		{"internal", errors.New("pq: secret detail"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(cfg, Dependencies{Generator: &stubGenerator{err: tc.err}})
			rr := serve(h, http.MethodPost, "/prompts/run", `{"prompt":"show users"}`)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			body := decodeBody(t, rr)
			if body["success"] != false || body["error_kind"] != tc.kind {
				t.Fatalf("unexpected body: %v", body)
			}
			if body["trace_id"] == "" || body["trace_id"] == nil {
				t.Fatal("expected trace_id")
			}
			if tc.kind == "internal" && strings.Contains(body["error"].(string), "secret") {
				t.Fatalf("internal detail leaked: %v", body["error"])
			}
		})
	}
}

func TestRunPromptWithoutGeneratorIsConfigurationError(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})

	rr := serve(NewHandler(cfg, Dependencies{}), http.MethodPost, "/prompts/run", `{"prompt":"show users"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_kind"] != "configuration" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRunPromptAsyncEnqueuesJob(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})
	store := jobs.NewMemoryStore()
	gen := &stubGenerator{}
	h := NewHandler(cfg, Dependencies{Generator: gen, Jobs: store})

	for _, tc := range []struct {
		path    string
		payload string
	}{
		{"/prompts/run", `{"prompt":"count orders","async":true}`},
		{"/prompts/run?async=true", `{"prompt":"count orders"}`},
	} {
		rr := serve(h, http.MethodPost, tc.path, tc.payload)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d, body=%s", tc.path, rr.Code, rr.Body.String())
		}
		body := decodeBody(t, rr)
		if body["success"] != true || body["status"] != "processing" {
			t.Fatalf("unexpected body: %v", body)
		}
		jobID, _ := body["job_id"].(string)
		job, err := store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", jobID, err)
		}
		if job.State != jobs.StateQueued || job.Prompt != "count orders" {
			t.Fatalf("unexpected job: %+v", job)
		}
	}
	if gen.calls() != 0 {
		t.Fatalf("generator called %d times on async path", gen.calls())
	}
}

func TestRunPromptAsyncEnabledByConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"OPENAI_API_KEY":         "sk-test",
		"QUERYGEN_ASYNC_ENABLED": "true",
	})
	h := NewHandler(cfg, Dependencies{Generator: &stubGenerator{}, Jobs: jobs.NewMemoryStore()})

	rr := serve(h, http.MethodPost, "/prompts/run", `{"prompt":"count orders"}`)
	if body := decodeBody(t, rr); body["status"] != "processing" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRunPromptAsyncWithoutStore(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"OPENAI_API_KEY": "sk-test"})

	rr := serve(NewHandler(cfg, Dependencies{Generator: &stubGenerator{}}), http.MethodPost, "/prompts/run?async=1", `{"prompt":"x"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGetJob(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	store := jobs.NewMemoryStore()
	job, err := store.Enqueue(context.Background(), jobs.NewJob{Prompt: "count orders"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h := NewHandler(cfg, Dependencies{Jobs: store})

	rr := serve(h, http.MethodGet, "/prompts/jobs/"+job.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["job_id"] != job.ID || body["status"] != "queued" || body["success"] != true {
		t.Fatalf("unexpected body: %v", body)
	}

	missing := serve(h, http.MethodGet, "/prompts/jobs/does-not-exist", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", missing.Code)
	}
	if body := decodeBody(t, missing); body["error_kind"] != "not_found" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"OPENAI_API_KEY":         "sk-test",
		"QUERYGEN_AUTH_REQUIRED": "true",
	})
	validator, err := auth.NewStaticAPIKeyValidator("runner:ops:querygen_runner,reader:dash:querygen_reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	gen := &stubGenerator{result: querygen.Result{SQL: "SELECT 1", Success: true}}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Generator:      gen,
	})

	if rr := serve(h, http.MethodPost, "/prompts/run", `{"prompt":"x"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}

	readerReq := httptest.NewRequest(http.MethodPost, "/prompts/run", strings.NewReader(`{"prompt":"x"}`))
	readerReq.Header.Set("X-API-Key", "reader")
	readerResp := httptest.NewRecorder()
	h.ServeHTTP(readerResp, readerReq)
	if readerResp.Code != http.StatusForbidden {
		t.Fatalf("reader status = %d", readerResp.Code)
	}

	runnerReq := httptest.NewRequest(http.MethodPost, "/prompts/run", strings.NewReader(`{"prompt":"x"}`))
	runnerReq.Header.Set("Authorization", "Bearer runner")
	runnerResp := httptest.NewRecorder()
	h.ServeHTTP(runnerResp, runnerReq)
	if runnerResp.Code != http.StatusOK {
		t.Fatalf("runner status = %d, body=%s", runnerResp.Code, runnerResp.Body.String())
	}

	if rr := serve(h, http.MethodGet, "/querygen/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health must stay public, status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestReadinessHelpers(t *testing.T) {
	cfg := loadConfig(t, map[string]string{})
	if err := CheckSourceConfigured(cfg)(context.Background()); err == nil {
		t.Fatal("expected missing source dsn error")
	}
	check := CheckPing("job store", func(context.Context) error { return errors.New("refused") })
	if err := check(context.Background()); err == nil || !strings.Contains(err.Error(), "job store is unavailable") {
		t.Fatalf("CheckPing() error = %v", err)
	}
}

func loadConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("querygen-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func serve(h http.Handler, method, target, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(payload))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
