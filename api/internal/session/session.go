// Package session holds the state of one HintWise interaction: which screen is
// shown, the active question and the worksheet that fills in as completions
// arrive.
//
// All intents are safe to call from any goroutine. Completion results are
// applied through a single entry point that drops results belonging to a
// session that has since been reset.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hintwise/api/internal/completion"
	"hintwise/api/internal/cooldown"
	"hintwise/api/internal/prompt"
	"hintwise/api/internal/suggest"
)

const (
	MsgMissingKey = "API Key not set. Open Settings and add your Gemini API key."
	MsgNoResponse = "Sorry, I couldn't get a response. Please try again."
)

type Screen int

const (
	ScreenHome Screen = iota
	ScreenSettings
)

func (s Screen) String() string {
	if s == ScreenSettings {
		return "settings"
	}
	return "home"
}

type Loading struct {
	Summary     bool
	Hint        bool
	Solution    bool
	Suggestions bool
}

// Snapshot is a detached copy of the session state.
type Snapshot struct {
	Screen      Screen
	APIKey      string
	DraftAPIKey string

	Active   bool
	Question string

	Summary     string
	HasSummary  bool
	Hints       []string
	Solution    string
	HasSolution bool

	Loading     Loading
	Suggestions []string
	Cooldown    cooldown.State

	Revision uint64
}

// SuggestionSource is satisfied by *suggest.Source.
type SuggestionSource interface {
	Get(ctx context.Context, apiKey string) []string
}

type Options struct {
	Completer   completion.Completer
	Suggestions SuggestionSource
	Logger      *zap.Logger
	// NewTicker overrides the cooldown ticker (tests).
	NewTicker func(time.Duration) cooldown.Ticker
	// OnChange is signalled after every state change, outside the session lock.
	OnChange func()
}

type Session struct {
	client   completion.Completer
	source   SuggestionSource
	log      *zap.Logger
	cooldown *cooldown.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	obsMu    sync.RWMutex
	onChange func()

	// hintMu serializes RequestHint against resets so the guard check and the
	// cooldown start happen as one step.
	hintMu sync.Mutex

	mu     sync.Mutex
	st     state
	gen    uint64 // bumped on reset; fetches from older generations are dropped
	keyGen uint64 // bumped when the committed key changes; guards suggestion results
	closed bool   // set by Close; no new fetches start after it
}

type state struct {
	screen      Screen
	apiKey      string
	draftAPIKey string

	active   bool
	question string

	summary     string
	hasSummary  bool
	hints       []string
	solution    string
	hasSolution bool

	loading     Loading
	suggestions []string
	revision    uint64
}

func New(ctx context.Context, opts Options) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cctx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:   opts.Completer,
		source:   opts.Suggestions,
		log:      log,
		ctx:      cctx,
		cancel:   cancel,
		onChange: opts.OnChange,
	}
	if s.source == nil {
		s.source = suggest.NewSource(opts.Completer, log)
	}
	s.st.suggestions = suggest.Fallback()
	s.cooldown = cooldown.New(cooldown.Options{
		NewTicker: opts.NewTicker,
		OnChange:  func(cooldown.State) { s.touch() },
	})
	return s
}

// SetOnChange replaces the observer. The router installs itself after the session exists.
func (s *Session) SetOnChange(fn func()) {
	s.obsMu.Lock()
	s.onChange = fn
	s.obsMu.Unlock()
}

func (s *Session) Snapshot() Snapshot {
	cd := s.cooldown.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	snap := Snapshot{
		Screen:      st.screen,
		APIKey:      st.apiKey,
		DraftAPIKey: st.draftAPIKey,
		Active:      st.active,
		Question:    st.question,
		Summary:     st.summary,
		HasSummary:  st.hasSummary,
		Hints:       append([]string(nil), st.hints...),
		Solution:    st.solution,
		HasSolution: st.hasSolution,
		Loading:     st.loading,
		Suggestions: append([]string(nil), st.suggestions...),
		Cooldown:    cd,
		Revision:    st.revision,
	}
	return snap
}

// SendQuestion starts a session for text and fires the summary and first-hint
// requests without waiting for either.
func (s *Session) SendQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	if s.closed || s.st.screen != ScreenHome || s.st.active {
		s.mu.Unlock()
		return false
	}
	s.st.active = true
	s.st.question = text
	s.st.summary, s.st.hasSummary = "", false
	s.st.hints = nil
	s.st.solution, s.st.hasSolution = "", false
	s.st.loading.Summary = true
	s.st.loading.Hint = true
	gen, key := s.gen, s.st.apiKey
	s.st.revision++
	s.wg.Add(2)
	s.mu.Unlock()

	s.log.Info("question sent", zap.Int("chars", len(text)), zap.Bool("has_key", key != ""))
	s.notify()

	s.spawn(gen, key, completion.Request{Prompt: prompt.Summary(text), Purpose: completion.PurposeSummary})
	s.spawn(gen, key, completion.Request{Prompt: prompt.Hint(text, nil), Purpose: completion.PurposeHint})
	return true
}

// ClickSuggestion sends a chip label as a question, minus its trailing arrow.
func (s *Session) ClickSuggestion(label string) bool {
	return s.SendQuestion(StripChipArrow(label))
}

// StripChipArrow removes the decorative arrow glyph chips carry at the end.
func StripChipArrow(label string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(label), "↗→➜➔›"))
}

// RequestHint asks for one more hint. It is a no-op while a hint is loading or
// the cooldown is running.
func (s *Session) RequestHint() bool {
	s.hintMu.Lock()
	defer s.hintMu.Unlock()

	cd := s.cooldown.State()
	s.mu.Lock()
	if s.closed || !s.st.active || s.st.loading.Hint || cd.Active {
		s.mu.Unlock()
		return false
	}
	s.st.loading.Hint = true
	gen, key := s.gen, s.st.apiKey
	req := completion.Request{
		Prompt:  prompt.Hint(s.st.question, s.st.hints),
		Purpose: completion.PurposeHint,
	}
	s.st.revision++
	s.wg.Add(1)
	s.mu.Unlock()
	s.notify()

	// таймер стартует независимо от того, когда придёт ответ
	s.cooldown.Start()
	s.spawn(gen, key, req)
	return true
}

func (s *Session) RequestSolution() bool {
	s.mu.Lock()
	if s.closed || !s.st.active || s.st.loading.Solution {
		s.mu.Unlock()
		return false
	}
	s.st.loading.Solution = true
	gen, key := s.gen, s.st.apiKey
	req := completion.Request{Prompt: prompt.Solution(s.st.question), Purpose: completion.PurposeSolution}
	s.st.revision++
	s.wg.Add(1)
	s.mu.Unlock()

	s.notify()
	s.spawn(gen, key, req)
	return true
}

// Reset clears the worksheet, cancels the cooldown and returns to Home.
func (s *Session) Reset() {
	s.hintMu.Lock()
	defer s.hintMu.Unlock()

	s.cooldown.Cancel()
	s.mu.Lock()
	s.resetLocked()
	s.st.screen = ScreenHome
	s.st.revision++
	s.mu.Unlock()
	s.notify()
}

func (s *Session) resetLocked() {
	s.gen++
	s.st.active = false
	s.st.question = ""
	s.st.summary, s.st.hasSummary = "", false
	s.st.hints = nil
	s.st.solution, s.st.hasSolution = "", false
	s.st.loading.Summary = false
	s.st.loading.Hint = false
	s.st.loading.Solution = false
}

func (s *Session) OpenSettings() {
	s.mu.Lock()
	s.st.screen = ScreenSettings
	s.st.draftAPIKey = s.st.apiKey
	s.st.revision++
	s.mu.Unlock()
	s.notify()
}

// SetDraftKey edits the draft; it has no effect outside Settings.
func (s *Session) SetDraftKey(key string) bool {
	s.mu.Lock()
	if s.st.screen != ScreenSettings {
		s.mu.Unlock()
		return false
	}
	s.st.draftAPIKey = key
	s.st.revision++
	s.mu.Unlock()
	s.notify()
	return true
}

// SaveSettings commits key as the API key and returns to Home. Suggestions are
// re-fetched when the committed key actually changed.
func (s *Session) SaveSettings(key string) bool {
	s.mu.Lock()
	if s.st.screen != ScreenSettings {
		s.mu.Unlock()
		return false
	}
	s.st.draftAPIKey = key
	committed := strings.TrimSpace(s.st.draftAPIKey)
	changed := committed != s.st.apiKey
	s.st.apiKey = committed
	s.st.draftAPIKey = ""
	s.st.screen = ScreenHome
	if changed {
		s.keyGen++
	}
	s.st.revision++
	s.mu.Unlock()

	s.log.Info("api key saved", zap.Bool("has_key", committed != ""), zap.Bool("changed", changed))
	s.notify()
	if changed {
		s.RefreshSuggestions()
	}
	return true
}

// CancelSettings drops the draft and performs a full reset.
func (s *Session) CancelSettings() {
	s.hintMu.Lock()
	defer s.hintMu.Unlock()

	s.cooldown.Cancel()
	s.mu.Lock()
	s.st.draftAPIKey = ""
	s.resetLocked()
	s.st.screen = ScreenHome
	s.st.revision++
	s.mu.Unlock()
	s.notify()
}

// RefreshSuggestions fetches a new chip list for the committed key. A result
// is discarded if the key changed again before it arrived.
func (s *Session) RefreshSuggestions() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	key, kg := s.st.apiKey, s.keyGen
	s.st.loading.Suggestions = true
	s.st.revision++
	s.wg.Add(1)
	s.mu.Unlock()
	s.notify()

	go func() {
		defer s.wg.Done()
		items := s.source.Get(s.ctx, key)
		if len(items) != prompt.SuggestionCount {
			items = suggest.Fallback()
		}
		s.mu.Lock()
		if kg != s.keyGen {
			s.mu.Unlock()
			s.log.Debug("stale suggestions dropped")
			return
		}
		s.st.suggestions = items
		s.st.loading.Suggestions = false
		s.st.revision++
		s.mu.Unlock()
		s.notify()
	}()
}

// Wait blocks until every in-flight fetch has been applied or dropped.
func (s *Session) Wait() { s.wg.Wait() }

// Close is teardown: it cancels the cooldown and in-flight requests and waits
// for them. Intents that would start a fetch or the cooldown fail afterwards.
func (s *Session) Close() {
	// hintMu: RequestHint не должен запустить таймер между проверкой и Cancel
	s.hintMu.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cooldown.Cancel()
	s.hintMu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// spawn runs one fetch. The caller has already done wg.Add under mu, so no
// fetch is counted after Close has started waiting.
func (s *Session) spawn(gen uint64, key string, req completion.Request) {
	go func() {
		defer s.wg.Done()
		text := s.fetch(key, req)
		s.apply(gen, req.Purpose, text)
	}()
}

// fetch resolves one worksheet field to display text; errors become placeholders.
func (s *Session) fetch(key string, req completion.Request) string {
	if strings.TrimSpace(key) == "" {
		return MsgMissingKey
	}
	if s.client == nil {
		return MsgNoResponse
	}
	text, err := s.client.Complete(s.ctx, req, key)
	if err != nil {
		if errors.Is(err, completion.ErrMissingCredential) {
			return MsgMissingKey
		}
		s.log.Warn("completion failed", zap.String("purpose", string(req.Purpose)), zap.Error(err))
		return MsgNoResponse
	}
	return text
}

// apply is the only place completion results touch state. The loading flag is
// always cleared for the generation the fetch belongs to.
func (s *Session) apply(gen uint64, purpose completion.Purpose, text string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("stale completion dropped", zap.String("purpose", string(purpose)))
		return
	}
	switch purpose {
	case completion.PurposeSummary:
		s.st.summary, s.st.hasSummary = text, true
		s.st.loading.Summary = false
	case completion.PurposeHint:
		s.st.hints = append(s.st.hints, text)
		s.st.loading.Hint = false
	case completion.PurposeSolution:
		s.st.solution, s.st.hasSolution = text, true
		s.st.loading.Solution = false
	}
	s.st.revision++
	s.mu.Unlock()
	s.notify()
}

// touch bumps the revision for changes owned by the cooldown timer.
func (s *Session) touch() {
	s.mu.Lock()
	s.st.revision++
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.obsMu.RLock()
	fn := s.onChange
	s.obsMu.RUnlock()
	if fn != nil {
		fn()
	}
}
