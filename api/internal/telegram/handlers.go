package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"hintwise/api/internal/session"
)

const (
	msgOtherChat = "HintWise is already in use in another chat."
	msgTextOnly  = "I only understand text. Type your question."
	msgBusy      = "You're already working on a question. Tap 🔄 New question to ask something else."
	msgUnknown   = "Unknown command. Try /help."
	msgChipGone  = "That suggestion is gone. Pick another one."
	msgHelp      = "HintWise guides you to an answer instead of handing it over.\n\n" +
		"Type a question or tap a suggestion. You get a short summary of the problem and a first hint. " +
		"Ask for another hint once a minute, or reveal the full solution when you're ready.\n\n" +
		"/start show the current screen\n" +
		"/hint next hint\n" +
		"/solution full solution\n" +
		"/reset start over\n" +
		"/settings set your Gemini API key\n" +
		"/help this message"
)

func (r *Router) handleMessage(m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	cid := m.Chat.ID
	if !r.allow(cid) {
		r.Log.Info("message from foreign chat refused", zap.Int64("chat_id", cid))
		r.send(cid, msgOtherChat)
		return
	}
	if m.IsCommand() {
		r.HandleCommand(m)
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		r.send(cid, msgTextOnly)
		return
	}

	snap := r.Session.Snapshot()
	switch {
	case snap.Screen == session.ScreenSettings:
		r.Session.SetDraftKey(text)
		// ключ не должен оставаться в истории чата
		r.deleteMessage(cid, m.MessageID)
		r.Flush()
	case snap.Active:
		r.send(cid, msgBusy)
		r.post()
	default:
		r.Session.SendQuestion(text)
		r.post()
	}
}

func (r *Router) HandleCommand(m *tgbotapi.Message) {
	cid := m.Chat.ID
	switch m.Command() {
	case "start":
	case "help":
		r.send(cid, msgHelp)
		return
	case "hint":
		r.Session.RequestHint()
	case "solution":
		r.Session.RequestSolution()
	case "reset":
		r.Session.Reset()
	case "settings":
		r.Session.OpenSettings()
	default:
		r.send(cid, msgUnknown)
		return
	}
	r.post()
}
