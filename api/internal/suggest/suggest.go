// Package suggest supplies the twelve home-screen prompts, either generated by
// the completion service or taken from a fixed fallback list.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"hintwise/api/internal/completion"
	"hintwise/api/internal/prompt"
	"hintwise/api/internal/util"
)

// ErrMalformedPayload means the model answered but not with a usable JSON array.
var ErrMalformedPayload = errors.New("suggest: malformed suggestions payload")

var fallback = [prompt.SuggestionCount]string{
	"Why is the sky blue?",
	"How do vaccines train the immune system?",
	"What is 15% of 240?",
	"Why do we have leap years?",
	"How does a rainbow form?",
	"What causes the seasons on Earth?",
	"How do I find the area of a circle?",
	"Why did the Roman Empire fall?",
	"What is the difference between weather and climate?",
	"How do plants make their own food?",
	"What makes a number prime?",
	"How does compound interest work?",
}

// Fallback returns a fresh copy of the fixed list.
func Fallback() []string {
	out := make([]string, len(fallback))
	copy(out, fallback[:])
	return out
}

type Source struct {
	client completion.Completer
	log    *zap.Logger
}

func NewSource(client completion.Completer, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{client: client, log: log}
}

// Get never fails: any problem degrades to the fallback list.
func (s *Source) Get(ctx context.Context, apiKey string) []string {
	out, err := s.Fetch(ctx, apiKey)
	if err != nil {
		if !errors.Is(err, completion.ErrMissingCredential) {
			s.log.Debug("suggestions fallback", zap.Error(err))
		}
		return Fallback()
	}
	return out
}

// Fetch is Get without the fallback, for callers that want to see the error.
func (s *Source) Fetch(ctx context.Context, apiKey string) ([]string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, completion.ErrMissingCredential
	}
	if s.client == nil {
		return nil, fmt.Errorf("%w: no completion client", completion.ErrUpstream)
	}
	raw, err := s.client.Complete(ctx, completion.Request{
		Prompt:  prompt.Suggestions(),
		Purpose: completion.PurposeSuggestions,
	}, apiKey)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse accepts an optionally code-fenced JSON array of exactly twelve non-blank strings.
func Parse(raw string) ([]string, error) {
	var items []string
	if err := json.Unmarshal([]byte(util.StripCodeFences(raw)), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(items) != prompt.SuggestionCount {
		return nil, fmt.Errorf("%w: got %d items, want %d", ErrMalformedPayload, len(items), prompt.SuggestionCount)
	}
	for i, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			return nil, fmt.Errorf("%w: item %d is blank", ErrMalformedPayload, i)
		}
		items[i] = it
	}
	return items, nil
}
