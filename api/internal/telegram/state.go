package telegram

import (
	"time"
)

const (
	debounce = 1200 * time.Millisecond
)

// screenState tracks the one message that shows the current screen.
// Guarded by Router.mu.
type screenState struct {
	chatID    int64 // привязанный чат; 0 пока никто не писал
	messageID int   // 0 если экран ещё не отправлен
	last      page
	frame     int

	timer  *time.Timer // отложенная перерисовка
	closed bool
}

// claim binds the router to chatID on first contact and reports whether chatID
// may drive the session.
func (s *screenState) claim(chatID int64) bool {
	if s.chatID == 0 {
		s.chatID = chatID
		return true
	}
	return s.chatID == chatID
}

// scheduleLocked arms the render timer unless one is already pending. Changes
// that arrive while it is pending are folded into that render, so a steady
// stream of updates still renders once per window.
func (s *screenState) scheduleLocked(d time.Duration, fn func()) {
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(d, fn)
}

func (s *screenState) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
