package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"hintwise/api/internal/completion"
	"hintwise/api/internal/cooldown"
	"hintwise/api/internal/session"
	"hintwise/api/internal/suggest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBot struct {
	mu      sync.Mutex
	nextID  int
	sent    []tgbotapi.Chattable
	reqs    []tgbotapi.Chattable
	editErr error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	if _, ok := c.(tgbotapi.EditMessageTextConfig); ok && b.editErr != nil {
		return tgbotapi.Message{}, b.editErr
	}
	b.nextID++
	return tgbotapi.Message{MessageID: 100 + b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) messages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBot) edits() []tgbotapi.EditMessageTextConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBot) lastAck() tgbotapi.CallbackConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.reqs) - 1; i >= 0; i-- {
		if cb, ok := b.reqs[i].(tgbotapi.CallbackConfig); ok {
			return cb
		}
	}
	return tgbotapi.CallbackConfig{}
}

func (b *fakeBot) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type staticSource struct{}

func (staticSource) Get(context.Context, string) []string { return suggest.Fallback() }

// heldSource returns items once gate is closed.
type heldSource struct {
	gate  chan struct{}
	items []string
}

func (h heldSource) Get(ctx context.Context, _ string) []string {
	select {
	case <-h.gate:
		return h.items
	case <-ctx.Done():
		return nil
	}
}

type idleTicker struct{ ch chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.ch }
func (t idleTicker) Stop()               {}

type harness struct {
	r   *Router
	s   *session.Session
	bot *fakeBot

	gate     chan struct{}
	gateOnce sync.Once
}

func newHarness(t *testing.T, opts Options) *harness {
	h := newHeldHarness(t, opts)
	h.release()
	return h
}

// newHeldHarness keeps every completion waiting until release is called.
func newHeldHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newSourceHarness(t, opts, staticSource{})
}

func newSourceHarness(t *testing.T, opts Options, src session.SuggestionSource) *harness {
	t.Helper()
	h := &harness{gate: make(chan struct{})}
	sess := session.New(context.Background(), session.Options{
		Completer: completion.CompleterFunc(func(ctx context.Context, req completion.Request, _ string) (string, error) {
			select {
			case <-h.gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "answer for " + string(req.Purpose), nil
		}),
		Suggestions: src,
		Logger:      zaptest.NewLogger(t),
		NewTicker:   func(time.Duration) cooldown.Ticker { return idleTicker{ch: make(chan time.Time)} },
	})
	if opts.Debounce == 0 {
		opts.Debounce = time.Hour
	}
	opts.Logger = zaptest.NewLogger(t)
	bot := &fakeBot{}
	r := NewRouter(bot, sess, opts)
	sess.SetOnChange(r.OnSessionChange)
	t.Cleanup(func() {
		h.release()
		r.Close()
		sess.Close()
	})
	h.r, h.s, h.bot = r, sess, bot
	return h
}

func (h *harness) release() { h.gateOnce.Do(func() { close(h.gate) }) }

func (h *harness) withKey(t *testing.T, key string) {
	t.Helper()
	h.s.OpenSettings()
	require.True(t, h.s.SaveSettings(key))
	h.s.Wait()
}

func textUpdate(chatID int64, msgID int, text string) tgbotapi.Update {
	m := &tgbotapi.Message{MessageID: msgID, Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: m}
}

func callbackUpdate(chatID int64, msgID int, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-" + data,
		Data:    data,
		Message: &tgbotapi.Message{MessageID: msgID, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func TestQuestionPostsWorksheetAndFlushEditsIt(t *testing.T) {
	h := newHeldHarness(t, Options{})
	h.withKey(t, "KEY")

	h.r.HandleUpdate(textUpdate(1, 10, "What is 2+2?"))

	msgs := h.bot.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ChatID)
	assert.Contains(t, msgs[0].Text, "What is 2+2?")
	assert.Contains(t, msgs[0].Text, "📝 *Problem*\n_Thinking…_")
	assert.Equal(t, tgbotapi.ModeMarkdown, msgs[0].ParseMode)

	h.release()
	h.s.Wait()
	h.r.Flush()
	edits := h.bot.edits()
	require.Len(t, edits, 1)
	assert.Equal(t, 101, edits[0].MessageID)
	assert.Contains(t, edits[0].Text, "📝 *Problem*\nanswer for summary")
	assert.Contains(t, edits[0].Text, "1. answer for hint")
}

func TestFlushSkipsIdenticalPage(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	n := h.bot.sendCount()

	h.r.Flush()
	h.r.Flush()
	assert.Equal(t, n, h.bot.sendCount())
}

func TestForeignChatRefused(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	h.r.HandleUpdate(textUpdate(2, 11, "Why is the sky blue?"))

	msgs := h.bot.messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, int64(2), last.ChatID)
	assert.Equal(t, msgOtherChat, last.Text)
	assert.False(t, h.s.Snapshot().Active)
}

func TestPinnedChatRejectsOthers(t *testing.T) {
	h := newHarness(t, Options{ChatID: 5})
	h.r.HandleUpdate(callbackUpdate(1, 10, cbSettings))

	assert.Equal(t, msgOtherChat, h.bot.lastAck().Text)
	assert.Equal(t, session.ScreenHome, h.s.Snapshot().Screen)
	assert.Empty(t, h.bot.edits())
}

func TestChipCallbackSendsSuggestion(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))

	h.r.HandleUpdate(callbackUpdate(1, 101, "chip:3"))
	h.s.Wait()

	snap := h.s.Snapshot()
	assert.True(t, snap.Active)
	assert.Equal(t, suggest.Fallback()[3], snap.Question)
	assert.Equal(t, "cb-chip:3", h.bot.lastAck().CallbackQueryID)

	edits := h.bot.edits()
	require.NotEmpty(t, edits)
	assert.Equal(t, 101, edits[len(edits)-1].MessageID)
	assert.Contains(t, edits[len(edits)-1].Text, suggest.Fallback()[3])
}

func TestChipTapUsesSuggestionsOnScreen(t *testing.T) {
	fresh := make([]string, 12)
	for i := range fresh {
		fresh[i] = fmt.Sprintf("AI question %c", 'A'+i)
	}
	src := heldSource{gate: make(chan struct{}), items: fresh}
	h := newSourceHarness(t, Options{}, src)
	h.release()

	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettings))
	h.r.HandleUpdate(textUpdate(1, 20, "KEY"))
	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettingsSave))

	// экран снова Home, но со старыми подсказками: свежие ещё не пришли
	edits := h.bot.edits()
	require.NotEmpty(t, edits)
	shown := edits[len(edits)-1]
	require.NotNil(t, shown.ReplyMarkup)
	first := shown.ReplyMarkup.InlineKeyboard[0][0]
	require.Equal(t, "chip:0", *first.CallbackData)
	require.Equal(t, suggest.Fallback()[0]+chipArrow, first.Text)

	// новый список приходит, а перерисовка ещё ждёт debounce
	close(src.gate)
	h.s.Wait()
	require.Equal(t, fresh, h.s.Snapshot().Suggestions)
	n := len(h.bot.edits())

	h.r.HandleUpdate(callbackUpdate(1, 101, "chip:0"))
	h.s.Wait()

	assert.Equal(t, suggest.Fallback()[0], h.s.Snapshot().Question)
	assert.Empty(t, h.bot.lastAck().Text)
	assert.Greater(t, len(h.bot.edits()), n)
}

func TestChipTapAfterRedrawUsesNewList(t *testing.T) {
	fresh := make([]string, 12)
	for i := range fresh {
		fresh[i] = fmt.Sprintf("AI question %c", 'A'+i)
	}
	src := heldSource{gate: make(chan struct{}), items: fresh}
	close(src.gate)
	h := newSourceHarness(t, Options{}, src)
	h.release()

	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettings))
	h.r.HandleUpdate(textUpdate(1, 20, "KEY"))
	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettingsSave))
	h.s.Wait()
	h.r.Flush()

	h.r.HandleUpdate(callbackUpdate(1, 101, "chip:2"))
	h.s.Wait()
	assert.Equal(t, "AI question C", h.s.Snapshot().Question)
}

func TestChipCallbackOutOfRange(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	h.r.HandleUpdate(callbackUpdate(1, 101, "chip:99"))

	assert.False(t, h.s.Snapshot().Active)
	assert.Contains(t, h.bot.lastAck().Text, "gone")
}

func TestSettingsFlow(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/settings"))
	require.Equal(t, session.ScreenSettings, h.s.Snapshot().Screen)

	h.r.HandleUpdate(textUpdate(1, 20, "  my-key-1234 "))
	assert.Equal(t, "my-key-1234", h.s.Snapshot().DraftAPIKey)

	h.bot.mu.Lock()
	var deleted []tgbotapi.DeleteMessageConfig
	for _, c := range h.bot.reqs {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			deleted = append(deleted, d)
		}
	}
	h.bot.mu.Unlock()
	if diff := cmp.Diff([]tgbotapi.DeleteMessageConfig{{ChatID: 1, MessageID: 20}}, deleted); diff != "" {
		t.Fatalf("deleted messages (-want +got):\n%s", diff)
	}

	edits := h.bot.edits()
	require.NotEmpty(t, edits)
	assert.NotContains(t, edits[len(edits)-1].Text, "my-key")
	assert.Contains(t, edits[len(edits)-1].Text, "1234")

	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettingsSave))
	h.s.Wait()
	snap := h.s.Snapshot()
	assert.Equal(t, "my-key-1234", snap.APIKey)
	assert.Equal(t, session.ScreenHome, snap.Screen)
	assert.Equal(t, "Saved", h.bot.lastAck().Text)
}

func TestSettingsBackResets(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "Why do we have leap years?"))
	h.s.Wait()
	require.True(t, h.s.Snapshot().Active)

	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettings))
	h.r.HandleUpdate(callbackUpdate(1, 101, cbSettingsBack))

	snap := h.s.Snapshot()
	assert.Equal(t, session.ScreenHome, snap.Screen)
	assert.False(t, snap.Active)
	assert.Empty(t, snap.APIKey)
}

func TestSecondHintShowsCooldownToast(t *testing.T) {
	h := newHarness(t, Options{})
	h.withKey(t, "KEY")
	h.r.HandleUpdate(textUpdate(1, 10, "What is 2+2?"))
	h.s.Wait()

	h.r.HandleUpdate(callbackUpdate(1, 101, cbHint))
	h.s.Wait()
	assert.Equal(t, "", h.bot.lastAck().Text)
	assert.Len(t, h.s.Snapshot().Hints, 2)

	h.r.HandleUpdate(callbackUpdate(1, 101, cbHint))
	assert.Equal(t, "Next hint in 60s", h.bot.lastAck().Text)
	assert.Len(t, h.s.Snapshot().Hints, 2)

	edits := h.bot.edits()
	require.NotEmpty(t, edits)
	kb := edits[len(edits)-1].ReplyMarkup
	require.NotNil(t, kb)
	assert.Equal(t, "⏳ Next hint in 60s", kb.InlineKeyboard[0][0].Text)
}

func TestHintBeforeQuestion(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	h.r.HandleUpdate(callbackUpdate(1, 101, cbHint))
	assert.Equal(t, "Ask a question first.", h.bot.lastAck().Text)
}

func TestTextWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "first"))
	h.s.Wait()
	h.r.HandleUpdate(textUpdate(1, 11, "second"))

	assert.Equal(t, "first", h.s.Snapshot().Question)
	var texts []string
	for _, m := range h.bot.messages() {
		texts = append(texts, m.Text)
	}
	assert.Contains(t, texts, msgBusy)
}

func TestCommands(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/help"))
	h.r.HandleUpdate(textUpdate(1, 11, "/nope"))

	msgs := h.bot.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, msgHelp, msgs[0].Text)
	assert.Equal(t, msgUnknown, msgs[1].Text)

	h.r.HandleUpdate(textUpdate(1, 12, "Why is the sky blue?"))
	h.s.Wait()
	h.r.HandleUpdate(textUpdate(1, 13, "/reset"))
	assert.False(t, h.s.Snapshot().Active)
}

func TestNewScreenStripsOldKeyboard(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	h.r.HandleUpdate(textUpdate(1, 11, "/start"))

	h.bot.mu.Lock()
	defer h.bot.mu.Unlock()
	var stripped []int
	for _, c := range h.bot.sent {
		if e, ok := c.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			stripped = append(stripped, e.MessageID)
		}
	}
	assert.Equal(t, []int{101}, stripped)
}

func TestFailedEditReposts(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	before := len(h.bot.messages())

	h.bot.mu.Lock()
	h.bot.editErr = errors.New("Bad Request: message to edit not found")
	h.bot.mu.Unlock()

	h.s.OpenSettings()
	h.r.Flush()

	msgs := h.bot.messages()
	require.Len(t, msgs, before+1)
	assert.Contains(t, msgs[len(msgs)-1].Text, "Settings")
}

func TestNotModifiedIsNotAFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))
	before := len(h.bot.messages())

	h.bot.mu.Lock()
	h.bot.editErr = errors.New("Bad Request: message is not modified")
	h.bot.mu.Unlock()

	h.s.OpenSettings()
	h.r.Flush()
	assert.Len(t, h.bot.messages(), before)
}

func TestChangesAreCoalesced(t *testing.T) {
	h := newHarness(t, Options{Debounce: 20 * time.Millisecond})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))

	h.s.OpenSettings()
	for i := 0; i < 4; i++ {
		h.r.OnSessionChange()
	}
	require.Eventually(t, func() bool { return len(h.bot.edits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.bot.edits(), 1)
}

func TestMarqueeOnlyOnIdleHome(t *testing.T) {
	h := newHarness(t, Options{})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))

	h.r.advanceMarquee()
	edits := h.bot.edits()
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].ReplyMarkup)
	assert.Equal(t, "chip:11", *edits[0].ReplyMarkup.InlineKeyboard[0][0].CallbackData)

	h.r.HandleUpdate(textUpdate(1, 11, "Why is the sky blue?"))
	h.s.Wait()
	h.r.Flush()
	n := h.bot.sendCount()
	h.r.advanceMarquee()
	assert.Equal(t, n, h.bot.sendCount())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{Marquee: 5 * time.Millisecond})
	h.r.HandleUpdate(textUpdate(1, 10, "/start"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.bot.edits()) > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n := h.bot.sendCount()
	h.s.OpenSettings()
	h.r.Flush()
	assert.Equal(t, n, h.bot.sendCount(), "closed router must not talk to Telegram")
}
