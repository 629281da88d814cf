// Package nl2sql turns a natural-language request plus schema context into a
// single SQL statement using an OpenAI-compatible chat completion API.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/querygen/querygen/internal/schema"
)

var (
	ErrConfiguration = errors.New("OpenAI API key is not configured")
	ErrTimeout       = errors.New("API request timed out")
	ErrAPI           = errors.New("API request failed")
)

// Error describes a failed generation. Kind is ErrTimeout or ErrAPI.
type Error struct {
	Kind       error
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if errors.Is(e.Kind, ErrTimeout) {
		return fmt.Sprintf("API request timed out after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("API request failed: %v", e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

type Generation struct {
	SQL   string `json:"sql"`
	Model string `json:"model"`
}

type Client interface {
	Generate(ctx context.Context, query string, snap schema.Snapshot) (Generation, error)
}

// Family groups models that share a request shape.
type Family int

const (
	FamilyStandard Family = iota
	FamilyReasoning
)

var reasoningPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

func ResolveFamily(model string) Family {
	normalized := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range reasoningPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return FamilyReasoning
		}
	}
	return FamilyStandard
}

func (f Family) String() string {
	if f == FamilyReasoning {
		return "reasoning"
	}
	return "standard"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

// chatRequest assembles the request body. Reasoning models take no system
// role and no temperature, so both prompts travel in one user message.
func (f Family) chatRequest(model, systemPrompt, userPrompt string, temperature float64, maxTokens int) chatRequest {
	if f == FamilyReasoning {
		return chatRequest{
			Model: model,
			Messages: []chatMessage{
				{Role: "user", Content: systemPrompt + "\n\n" + userPrompt},
			},
			MaxCompletionTokens: maxTokens,
		}
	}
	return chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: &temperature,
		MaxTokens:   maxTokens,
	}
}
