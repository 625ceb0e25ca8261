// Package cooldown implements the countdown that gates repeated hint requests.
package cooldown

import (
	"sync"
	"time"
)

const (
	DefaultSeconds = 60
	DefaultTick    = time.Second
)

// State is a point-in-time view of the timer. Remaining reads as the full
// duration whenever the timer is idle.
type State struct {
	Active    bool
	Remaining int
}

// Ticker is the subset of *time.Ticker the timer needs; tests inject a manual one.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type Options struct {
	Seconds   int
	Tick      time.Duration
	NewTicker func(time.Duration) Ticker
	// OnChange runs on the timer goroutine after every tick, and synchronously
	// inside Start and Cancel. It must not call back into Start or Cancel.
	OnChange func(State)
}

// Timer owns at most one running countdown.
type Timer struct {
	seconds   int
	tick      time.Duration
	newTicker func(time.Duration) Ticker
	onChange  func(State)

	mu        sync.Mutex
	active    bool
	remaining int
	run       uint64
	stop      chan struct{}
	done      chan struct{}
}

func New(opts Options) *Timer {
	t := &Timer{
		seconds:   opts.Seconds,
		tick:      opts.Tick,
		newTicker: opts.NewTicker,
		onChange:  opts.OnChange,
	}
	if t.seconds <= 0 {
		t.seconds = DefaultSeconds
	}
	if t.tick <= 0 {
		t.tick = DefaultTick
	}
	if t.newTicker == nil {
		t.newTicker = NewRealTicker
	}
	t.remaining = t.seconds
	return t
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{Active: t.active, Remaining: t.remaining}
}

// Start cancels any live countdown and begins a new one at the full duration.
func (t *Timer) Start() {
	t.Cancel()

	t.mu.Lock()
	t.run++
	id := t.run
	t.active = true
	t.remaining = t.seconds
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done
	tk := t.newTicker(t.tick)
	st := State{Active: true, Remaining: t.remaining}
	t.mu.Unlock()

	go t.loop(id, tk, stop, done)
	t.notify(st)
}

// Cancel stops the live countdown, if any, and waits for its goroutine to exit.
func (t *Timer) Cancel() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	wasActive := t.active
	t.stop, t.done = nil, nil
	t.run++
	t.active = false
	t.remaining = t.seconds
	st := State{Remaining: t.remaining}
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if wasActive {
		t.notify(st)
	}
}

func (t *Timer) loop(id uint64, tk Ticker, stop, done chan struct{}) {
	defer close(done)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			st, finished, stale := t.step(id)
			if stale {
				return
			}
			t.notify(st)
			if finished {
				return
			}
		}
	}
}

func (t *Timer) step(id uint64) (st State, finished, stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != id {
		return State{}, false, true
	}
	t.remaining--
	if t.remaining <= 0 {
		t.active = false
		t.remaining = t.seconds
		// ран закончился сам: Cancel больше нечего ждать
		t.stop, t.done = nil, nil
		finished = true
	}
	return State{Active: t.active, Remaining: t.remaining}, finished, false
}

func (t *Timer) notify(st State) {
	if t.onChange != nil {
		t.onChange(st)
	}
}
