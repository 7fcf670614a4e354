package session

import (
	"sync"
	"time"
)

// TypingDebouncer turns keystrokes into a typing signal: asserted on the
// first keystroke, re-asserted every renew interval while input continues,
// and cleared after a period of inactivity or on Stop.
type TypingDebouncer struct {
	idle  time.Duration
	renew time.Duration
	emit  func(isTyping bool)
	now   func() time.Time

	mu       sync.Mutex
	active   bool
	asserted time.Time
	timer    *time.Timer
	gen      uint64
}

// NewTypingDebouncer creates a debouncer that reports the signal to emit.
// A zero renew asserts only once per typing burst.
func NewTypingDebouncer(idle, renew time.Duration, emit func(isTyping bool)) *TypingDebouncer {
	return &TypingDebouncer{idle: idle, renew: renew, emit: emit, now: time.Now}
}

// Keystroke records local input.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	now := d.now()
	start := !d.active || (d.renew > 0 && now.Sub(d.asserted) >= d.renew)
	d.active = true
	if start {
		d.asserted = now
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Stop clears the typing signal, as on send.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	wasActive := d.active
	d.active = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if wasActive {
		d.emit(false)
	}
}

// Active reports whether the typing signal is asserted.
func (d *TypingDebouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(false)
}

// TypingIndicator shows a remote participant as typing until the signal is
// cleared or not renewed within the expiry.
type TypingIndicator struct {
	expiry   time.Duration
	onChange func(typing bool)

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

// NewTypingIndicator creates an indicator. onChange may be nil.
func NewTypingIndicator(expiry time.Duration, onChange func(typing bool)) *TypingIndicator {
	return &TypingIndicator{expiry: expiry, onChange: onChange}
}

// Set applies a remote typing signal.
func (t *TypingIndicator) Set(isTyping bool) {
	t.mu.Lock()
	changed := t.typing != isTyping
	t.typing = isTyping
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if isTyping {
		t.timer = time.AfterFunc(t.expiry, func() { t.expire(gen) })
	}
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(isTyping)
	}
}

// Typing reports whether the remote side is shown as typing.
func (t *TypingIndicator) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(false)
	}
}
