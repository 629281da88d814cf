package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/querygen/querygen/internal/observability"
	"github.com/querygen/querygen/internal/prompt"
	"github.com/querygen/querygen/internal/schema"
)

const (
	DefaultBaseURL     = "https://api.openai.com"
	DefaultModel       = "gpt-5.2"
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 3
)

var retryableMessage = regexp.MustCompile(`(?i)rate limit|server error|timeout`)

type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Prompts      *prompt.Builder
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type OpenAIClient struct {
	baseURL      string
	apiKey       string
	model        string
	family       Family
	temperature  float64
	maxTokens    int
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	prompts      *prompt.Builder
	client       *http.Client
	logger       *slog.Logger
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrConfiguration
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	prompts := cfg.Prompts
	if prompts == nil {
		prompts = prompt.NewBuilder("", nil)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OpenAIClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		model:        model,
		family:       ResolveFamily(model),
		temperature:  cfg.Temperature,
		maxTokens:    maxTokens,
		timeout:      timeout,
		maxRetries:   maxRetries,
		retryBackoff: cfg.RetryBackoff,
		prompts:      prompts,
		client:       client,
		logger:       logger,
	}, nil
}

func (c *OpenAIClient) Model() string {
	return c.model
}

// Generate asks the model for SQL. Each attempt is bounded by the configured
// timeout; transient failures are retried up to the configured attempt count.
func (c *OpenAIClient) Generate(ctx context.Context, query string, snap schema.Snapshot) (Generation, error) {
	payload := c.family.chatRequest(
		c.model,
		c.prompts.SystemPrompt(),
		c.prompts.UserPrompt(query, snap),
		c.temperature,
		c.maxTokens,
	)
	body, err := json.Marshal(payload)
	if err != nil {
		return Generation{}, &Error{Kind: ErrAPI, Err: fmt.Errorf("marshal chat payload: %w", err)}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 && c.retryBackoff > 0 {
			if err := sleepContext(ctx, c.retryBackoff); err != nil {
				return Generation{}, contextError(err, attempt-1)
			}
		}

		start := time.Now()
		content, err := c.complete(ctx, body)
		observability.ObserveLLMAttempt(c.model, attemptResult(err), time.Since(start))
		if err == nil {
			sql := stripMarkdownSQL(content)
			if sql == "" {
				return Generation{}, &Error{Kind: ErrAPI, Attempts: attempt, Err: errors.New("model returned empty SQL")}
			}
			return Generation{SQL: sql, Model: c.model}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return Generation{}, contextError(ctx.Err(), attempt)
		}
		if !isRetryable(err) {
			return Generation{}, &Error{Kind: ErrAPI, Attempts: attempt, StatusCode: statusCodeOf(err), Err: err}
		}
		if attempt < c.maxRetries {
			c.logger.WarnContext(ctx, "chat completion attempt failed, retrying",
				slog.String("model", c.model),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
	}

	kind := ErrAPI
	if isTimeout(lastErr) {
		kind = ErrTimeout
	}
	return Generation{}, &Error{Kind: kind, Attempts: c.maxRetries, StatusCode: statusCodeOf(lastErr), Err: lastErr}
}

func (c *OpenAIClient) complete(ctx context.Context, body []byte) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &statusError{StatusCode: resp.StatusCode, Body: string(rawRespBody)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content *string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil || *parsed.Choices[0].Message.Content == "" {
		return "", errNoContent
	}
	return *parsed.Choices[0].Message.Content, nil
}

var errNoContent = errors.New("no content in API response")

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chat completion failed status=%d body=%s", e.StatusCode, strings.TrimSpace(e.Body))
}

// isRetryable reports rate limits, server errors, timeouts and transport
// failures. Everything else fails on the first attempt.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, errNoContent) {
		return false
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500 {
			return true
		}
	}
	if isTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return retryableMessage.MatchString(err.Error())
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusCodeOf(err error) int {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isTimeout(err):
		return "timeout"
	case isRetryable(err):
		return "transient"
	default:
		return "error"
	}
}

func contextError(err error, attempts int) error {
	kind := ErrAPI
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Attempts: attempts, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
