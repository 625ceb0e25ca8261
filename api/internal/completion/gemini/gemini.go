package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hintwise/api/internal/completion"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type Engine struct {
	BaseURL string
	Model   string

	httpc *http.Client
	log   *zap.Logger
}

type Option func(*Engine)

// WithHTTPClient подменяет http.Client (в тестах httptest.Server.Client()).
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.httpc = c } }

func WithBaseURL(u string) Option { return func(e *Engine) { e.BaseURL = strings.TrimRight(u, "/") } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithTimeout sets a client-side timeout. Zero keeps the transport default (none).
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.httpc = &http.Client{Timeout: d} }
}

func New(model string, opts ...Option) *Engine {
	e := &Engine{
		BaseURL: DefaultBaseURL,
		Model:   strings.TrimSpace(model),
		httpc:   &http.Client{},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Complete отправляет один generateContent-запрос. Без ретраев.
func (e *Engine) Complete(ctx context.Context, req completion.Request, apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", completion.ErrMissingCredential
	}
	id := uuid.NewString()
	log := e.log.With(zap.String("request_id", id), zap.String("purpose", string(req.Purpose)), zap.String("model", e.Model))
	started := time.Now()

	payload, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: req.Prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", completion.ErrUpstream, err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		e.BaseURL, url.PathEscape(e.Model), url.QueryEscape(apiKey))
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", completion.ErrUpstream, err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(hreq)
	if err != nil {
		// url.Error содержит полный URL вместе с ключом, наружу его не отдаём
		log.Warn("gemini request failed", zap.Duration("took", time.Since(started)), zap.String("error", redact(err.Error(), apiKey)))
		return "", fmt.Errorf("%w: transport error", completion.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", completion.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("gemini non-2xx", zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(started)))
		return "", fmt.Errorf("%w: gemini %d", completion.ErrUpstream, resp.StatusCode)
	}

	text, err := decodeText(body)
	if err != nil {
		log.Warn("gemini unexpected response", zap.Error(err))
		return "", err
	}
	log.Debug("gemini completion", zap.Duration("took", time.Since(started)), zap.Int("chars", len(text)))
	return text, nil
}

// decodeText строго проверяет форму candidates[0].content.parts[0].text.
func decodeText(body []byte) (string, error) {
	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: bad JSON: %v", completion.ErrUpstream, err)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", completion.ErrUpstream)
	}
	c := out.Candidates[0].Content
	if c == nil || len(c.Parts) == 0 || c.Parts[0].Text == nil {
		return "", fmt.Errorf("%w: candidate has no text part", completion.ErrUpstream)
	}
	text := strings.TrimSpace(*c.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", completion.ErrUpstream)
	}
	return text, nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(secret), "REDACTED")
	return strings.ReplaceAll(s, secret, "REDACTED")
}
