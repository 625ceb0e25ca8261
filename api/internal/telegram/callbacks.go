package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"hintwise/api/internal/session"
)

func (r *Router) handleCallback(cb tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		r.ack(cb.ID, "")
		return
	}
	cid := cb.Message.Chat.ID
	if !r.allow(cid) {
		r.ack(cb.ID, msgOtherChat)
		return
	}
	r.adopt(cb.Message.MessageID)

	r.ack(cb.ID, r.dispatch(cb.Data))
	r.Flush()
}

// dispatch runs the intent behind a button and returns the toast to show, if any.
func (r *Router) dispatch(data string) string {
	switch {
	case strings.HasPrefix(data, cbChipPrefix):
		return r.onChip(strings.TrimPrefix(data, cbChipPrefix))
	case data == cbHint:
		return r.onHint()
	case data == cbSolution:
		if !r.Session.RequestSolution() && r.Session.Snapshot().Loading.Solution {
			return "Working on the solution…"
		}
	case data == cbReset:
		r.Session.Reset()
	case data == cbSettings:
		r.Session.OpenSettings()
	case data == cbSettingsSave:
		snap := r.Session.Snapshot()
		if r.Session.SaveSettings(snap.DraftAPIKey) {
			return "Saved"
		}
	case data == cbSettingsBack:
		r.Session.CancelSettings()
	default:
		r.Log.Debug("unknown callback", zap.String("data", data))
		return "Unknown action"
	}
	return ""
}

// onChip sends the suggestion the tapped button showed. The index refers to
// the list drawn on screen, which may lag the session's after a refresh.
func (r *Router) onChip(raw string) string {
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return msgChipGone
	}
	r.mu.Lock()
	chips := r.scr.last.Chips
	r.mu.Unlock()
	if idx < 0 || idx >= len(chips) {
		return msgChipGone
	}
	if !r.Session.ClickSuggestion(chipLabel(chips[idx])) {
		return msgBusy
	}
	return ""
}

func (r *Router) onHint() string {
	if r.Session.RequestHint() {
		return ""
	}
	snap := r.Session.Snapshot()
	switch {
	case !snap.Active:
		return "Ask a question first."
	case snap.Cooldown.Active:
		return fmt.Sprintf("Next hint in %ds", snap.Cooldown.Remaining)
	case snap.Loading.Hint:
		return "A hint is on its way…"
	}
	return ""
}

// ack answers the callback so the client stops its spinner.
func (r *Router) ack(id, text string) {
	if _, err := r.Bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		r.Log.Debug("callback ack failed", zap.Error(err))
	}
}

var _ Session = (*session.Session)(nil)
