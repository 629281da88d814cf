package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/querygen/querygen/internal/auth"
	"github.com/querygen/querygen/internal/config"
	"github.com/querygen/querygen/internal/jobs"
	"github.com/querygen/querygen/internal/nl2sql"
	"github.com/querygen/querygen/internal/querygen"
)

type runPromptRequest struct {
	Prompt     string `json:"prompt"`
	DataSource string `json:"data_source"`
	Async      bool   `json:"async"`
}

type runPromptResponse struct {
	Success bool   `json:"success"`
	SQL     string `json:"sql"`
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
}

type jobAcceptedResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
}

type jobResponse struct {
	Success bool `json:"success"`
	jobs.Job
}

func handleRunPrompt(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r.Context(), auth.RoleRunner); err != nil {
		writeFailure(r.Context(), w, deps.Logger, fmt.Errorf("%w: %v", ErrForbidden, err))
		return
	}

	req, err := decodeRunPrompt(r)
	if err != nil {
		writeFailure(r.Context(), w, deps.Logger, err)
		return
	}

	if cfg.Jobs.AsyncEnabled || req.Async || queryFlag(r, "async") {
		enqueuePrompt(deps, w, r, req)
		return
	}

	if deps.Generator == nil {
		writeFailure(r.Context(), w, deps.Logger, nl2sql.ErrConfiguration)
		return
	}
	// The model call outlives a disconnected client; each attempt is still
	// bounded by the client timeout.
	ctx := context.WithoutCancel(r.Context())
	result, err := deps.Generator.Generate(ctx, querygen.Request{
		Prompt:     req.Prompt,
		DataSource: req.DataSource,
	})
	if err != nil {
		writeFailure(r.Context(), w, deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, runPromptResponse{
		Success: result.Success,
		SQL:     result.SQL,
		Prompt:  result.Prompt,
		Model:   result.Model,
	})
}

func enqueuePrompt(deps Dependencies, w http.ResponseWriter, r *http.Request, req runPromptRequest) {
	if deps.Jobs == nil {
		writeFailure(r.Context(), w, deps.Logger, ErrJobsUnavailable)
		return
	}
	job, err := deps.Jobs.Enqueue(r.Context(), jobs.NewJob{
		Prompt:     req.Prompt,
		DataSource: req.DataSource,
	})
	if err != nil {
		writeFailure(r.Context(), w, deps.Logger, fmt.Errorf("enqueue prompt job: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, jobAcceptedResponse{
		Success: true,
		Status:  "processing",
		JobID:   job.ID,
	})
}

func handleGetJob(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r.Context(), auth.RoleReader, auth.RoleRunner); err != nil {
		writeFailure(r.Context(), w, deps.Logger, fmt.Errorf("%w: %v", ErrForbidden, err))
		return
	}
	if deps.Jobs == nil {
		writeFailure(r.Context(), w, deps.Logger, ErrJobsUnavailable)
		return
	}

	job, err := deps.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(r.Context(), w, deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: job.State != jobs.StateFailed, Job: job})
}

func decodeRunPrompt(r *http.Request) (runPromptRequest, error) {
	var req runPromptRequest
	if r.Body != nil && r.ContentLength != 0 {
		decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			return runPromptRequest{}, invalidInput("Invalid request body: " + err.Error())
		}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return runPromptRequest{}, invalidInput("Prompt is required")
	}
	req.DataSource = strings.TrimSpace(req.DataSource)
	return req, nil
}

func queryFlag(r *http.Request, name string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && value
}
