package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"hintwise/api/internal/session"
)

// BotAPI is the part of *tgbotapi.BotAPI the router talks to.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Session is the part of *session.Session the router drives.
type Session interface {
	Snapshot() session.Snapshot
	SendQuestion(text string) bool
	ClickSuggestion(label string) bool
	RequestHint() bool
	RequestSolution() bool
	Reset()
	OpenSettings()
	SetDraftKey(key string) bool
	SaveSettings(key string) bool
	CancelSettings()
}

type Options struct {
	// ChatID pins the bot to one chat. Zero lets the first chat that writes claim it.
	ChatID   int64
	Debounce time.Duration
	// Marquee is the chip animation period; zero or less disables it.
	Marquee time.Duration
	Logger  *zap.Logger
}

// Router turns Telegram updates into session intents and keeps a single
// "screen" message in sync with the session state.
type Router struct {
	Bot     BotAPI
	Session Session
	Log     *zap.Logger

	debounce time.Duration
	marquee  time.Duration

	mu  sync.Mutex
	scr screenState
}

func NewRouter(bot BotAPI, sess Session, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		Bot:      bot,
		Session:  sess,
		Log:      log.Named("telegram"),
		debounce: opts.Debounce,
		marquee:  opts.Marquee,
	}
	if r.debounce <= 0 {
		r.debounce = debounce
	}
	r.scr.chatID = opts.ChatID
	return r
}

func (r *Router) HandleUpdate(upd tgbotapi.Update) {
	// callback-кнопки
	if upd.CallbackQuery != nil {
		r.handleCallback(*upd.CallbackQuery)
		return
	}
	if upd.Message == nil {
		return
	}
	r.handleMessage(upd.Message)
}

// OnSessionChange is the session observer. Renders are coalesced so that a
// burst of changes produces one edit.
func (r *Router) OnSessionChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scr.messageID == 0 {
		return
	}
	r.scr.scheduleLocked(r.debounce, r.onTimer)
}

func (r *Router) onTimer() {
	r.mu.Lock()
	r.scr.timer = nil
	r.mu.Unlock()
	r.Flush()
}

// Flush edits the screen message to match the current state. An identical
// page is not re-sent.
func (r *Router) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scr.closed || r.scr.messageID == 0 {
		return
	}
	r.scr.stopTimerLocked()
	p := renderPage(r.Session.Snapshot(), r.scr.frame)
	if p.equal(r.scr.last) {
		return
	}
	r.editLocked(p)
}

// post sends the screen as a new message below whatever the user just wrote.
// The previous screen loses its keyboard.
func (r *Router) post() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scr.closed || r.scr.chatID == 0 {
		return
	}
	r.scr.stopTimerLocked()
	if prev := r.scr.messageID; prev != 0 {
		// убрать клавиатуру со старого экрана
		edit := tgbotapi.NewEditMessageReplyMarkup(r.scr.chatID, prev, tgbotapi.InlineKeyboardMarkup{
			InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
		})
		_, _ = r.Bot.Send(edit)
	}
	r.postLocked(renderPage(r.Session.Snapshot(), r.scr.frame))
}

func (r *Router) postLocked(p page) {
	msg := tgbotapi.NewMessage(r.scr.chatID, p.Text)
	msg.ParseMode = p.ParseMode
	msg.ReplyMarkup = p.Keyboard
	sent, err := r.Bot.Send(msg)
	if err != nil && isParseError(err) {
		msg.ParseMode = ""
		sent, err = r.Bot.Send(msg)
	}
	if err != nil {
		r.Log.Warn("send screen failed", zap.Error(err))
		return
	}
	r.scr.messageID = sent.MessageID
	r.scr.last = p
}

func (r *Router) editLocked(p page) {
	edit := tgbotapi.NewEditMessageTextAndMarkup(r.scr.chatID, r.scr.messageID, p.Text, p.Keyboard)
	edit.ParseMode = p.ParseMode
	_, err := r.Bot.Send(edit)
	if err != nil && isParseError(err) {
		edit.ParseMode = ""
		_, err = r.Bot.Send(edit)
	}
	switch {
	case err == nil, isNotModified(err):
		r.scr.last = p
	default:
		// сообщение удалено или слишком старое: шлём экран заново
		r.Log.Warn("edit screen failed, reposting", zap.Int("message_id", r.scr.messageID), zap.Error(err))
		r.postLocked(p)
	}
}

// advanceMarquee moves the chip rows one step. Only the idle home screen animates.
func (r *Router) advanceMarquee() {
	r.mu.Lock()
	snap := r.Session.Snapshot()
	if r.scr.closed || r.scr.messageID == 0 || snap.Screen != session.ScreenHome || snap.Active {
		r.mu.Unlock()
		return
	}
	r.scr.frame++
	r.mu.Unlock()
	r.Flush()
}

// Run animates the suggestion chips until ctx is done, then closes the router.
func (r *Router) Run(ctx context.Context) error {
	defer r.Close()
	if r.marquee <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(r.marquee)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.advanceMarquee()
		}
	}
}

// Close stops pending renders. Later updates are still routed to the session
// but nothing is sent to Telegram.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scr.closed = true
	r.scr.stopTimerLocked()
}

// allow binds the chat on first contact.
func (r *Router) allow(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scr.claim(chatID)
}

// adopt makes msgID the screen when none is known yet, e.g. a button on a
// message sent before a restart.
func (r *Router) adopt(msgID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scr.messageID == 0 {
		r.scr.messageID = msgID
	}
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := r.Bot.Send(msg); err != nil {
		r.Log.Warn("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (r *Router) deleteMessage(chatID int64, msgID int) {
	if _, err := r.Bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		r.Log.Debug("delete message failed", zap.Int("message_id", msgID), zap.Error(err))
	}
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
