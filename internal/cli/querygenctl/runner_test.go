package querygenctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunHealthCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"status":"configured","model":"gpt-5.2"}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"--api-key", "k1",
		"health",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodGet || gotPath != "/querygen/health" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key = %q", gotAPIKey)
	}
	if !strings.Contains(stdout.String(), `"model": "gpt-5.2"`) {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestRunPromptCommandSendsBody(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":true,"sql":"SELECT * FROM users LIMIT 10"}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"run", "--data-source", "main", "show", "all", "users",
	}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotPath != "/prompts/run" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotBody["prompt"] != "show all users" || gotBody["data_source"] != "main" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
	if _, ok := gotBody["async"]; ok {
		t.Fatalf("async sent on sync run: %v", gotBody)
	}
	if !strings.Contains(stdout.String(), "SELECT * FROM users LIMIT 10") {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestRunPromptWaitPollsJob(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/prompts/run":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["async"] != true {
				t.Errorf("expected async request, got %v", body)
			}
			_, _ = w.Write([]byte(`{"success":true,"status":"processing","job_id":"j1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/prompts/jobs/j1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"job_id":"j1","status":"running"}`))
				return
			}
			_, _ = w.Write([]byte(`{"job_id":"j1","status":"succeeded","result":{"sql":"SELECT 1"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"run", "--wait", "--poll-interval", "10ms", "count orders",
	}, Options{Stdout: &stdout, Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if polls.Load() != 2 {
		t.Fatalf("polls = %d, want 2", polls.Load())
	}
	if !strings.Contains(stdout.String(), `"status": "succeeded"`) {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestRunPromptWaitReportsFailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"success":true,"status":"processing","job_id":"j2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"job_id":"j2","status":"failed","error_kind":"api"}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"run", "--wait", "--poll-interval", "5ms", "x",
	}, Options{})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunJobCommand(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"job_id":"abc","status":"queued"}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"--base-url", srv.URL, "job", "abc"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotPath != "/prompts/jobs/abc" {
		t.Fatalf("path = %s", gotPath)
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"status":"not_configured"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "health"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 503") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"unknown"},
		{},
		{"run"},
		{"job"},
		{"schema"},
		{"--no-such-flag", "health"},
	} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("args %v exit code = %d, stderr=%s", args, code, stderr.String())
		}
		if !strings.Contains(stderr.String(), "Usage:") {
			t.Fatalf("args %v: expected usage output, got %s", args, stderr.String())
		}
	}
}
