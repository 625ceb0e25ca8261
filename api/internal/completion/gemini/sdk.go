package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"hintwise/api/internal/completion"
)

// SDKEngine ходит в Gemini через официальный genai-клиент вместо ручного REST.
// Ключ уходит заголовком, а не query-параметром; в остальном контракт тот же.
type SDKEngine struct {
	Model string

	log *zap.Logger
}

func NewSDK(model string, log *zap.Logger) *SDKEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &SDKEngine{Model: strings.TrimSpace(model), log: log}
}

func (e *SDKEngine) Name() string     { return "gemini-sdk" }
func (e *SDKEngine) GetModel() string { return e.Model }

func (e *SDKEngine) Complete(ctx context.Context, req completion.Request, apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", completion.ErrMissingCredential
	}
	log := e.log.With(zap.String("request_id", uuid.NewString()), zap.String("purpose", string(req.Purpose)), zap.String("model", e.Model))
	started := time.Now()

	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		log.Warn("genai client init failed", zap.Error(err))
		return "", fmt.Errorf("%w: client init", completion.ErrUpstream)
	}
	defer cl.Close()

	m := cl.GenerativeModel(e.Model)
	if m == nil {
		return "", fmt.Errorf("%w: model is nil", completion.ErrUpstream)
	}

	// одна попытка, без ретраев
	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		log.Warn("genai generate failed", zap.Duration("took", time.Since(started)), zap.Error(err))
		return "", fmt.Errorf("%w: generate", completion.ErrUpstream)
	}
	txt := strings.TrimSpace(firstText(resp))
	if txt == "" {
		return "", fmt.Errorf("%w: empty response", completion.ErrUpstream)
	}
	log.Debug("genai completion", zap.Duration("took", time.Since(started)), zap.Int("chars", len(txt)))
	return txt, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return ""
	}
	for _, p := range c.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			return string(t)
		}
	}
	return ""
}
