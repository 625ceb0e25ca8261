// Package completion describes the text-completion service HintWise talks to.
package completion

import (
	"context"
	"errors"
)

// Purpose tags a request with the worksheet field it feeds.
type Purpose string

const (
	PurposeSummary     Purpose = "summary"
	PurposeHint        Purpose = "hint"
	PurposeSolution    Purpose = "solution"
	PurposeSuggestions Purpose = "suggestions"
)

var (
	// ErrMissingCredential is returned before any network call when no API key is set.
	ErrMissingCredential = errors.New("completion: api key is empty")
	// ErrUpstream covers transport errors, non-2xx statuses and unexpected response shapes.
	ErrUpstream = errors.New("completion: upstream failure")
)

// Request is built per call and discarded afterwards.
type Request struct {
	Prompt  string
	Purpose Purpose
}

// Completer sends one prompt and returns the raw model text. Implementations
// make exactly one attempt.
type Completer interface {
	Complete(ctx context.Context, req Request, apiKey string) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, req Request, apiKey string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request, apiKey string) (string, error) {
	return f(ctx, req, apiKey)
}
