package echoroom

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// TypingCoordinator
// ============================================================================

// TypingConfig controls the typing state machine's timings.
type TypingConfig struct {
	// StartDebounce delays the typing:start emission after input
	// changes so a single keystroke burst emits once.
	StartDebounce time.Duration
	// IdleTimeout emits typing:stop after the keyboard goes quiet.
	IdleTimeout time.Duration
	// RemoteExpiry clears a remote user from the visible set if their
	// typing:stop never arrives.
	RemoteExpiry time.Duration
}

func (c *TypingConfig) defaults() {
	if c.StartDebounce == 0 {
		c.StartDebounce = 300 * time.Millisecond
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Second
	}
	if c.RemoteExpiry == 0 {
		c.RemoteExpiry = 4 * time.Second
	}
}

// TypingCoordinator runs the two typing-indicator directions for one
// scope: debounced start / idle-stop emission for the local user, and
// the remote typing set with forced expiry. Typing indicators are
// best-effort UX; the expiry timer bounds staleness when a stop event
// is lost in transit.
type TypingCoordinator struct {
	cfg       TypingConfig
	emitStart func()
	emitStop  func()

	mu       sync.Mutex
	closed   bool
	started  bool // typing:start emitted for the current burst
	debounce *time.Timer
	idle     *time.Timer
	remote   map[string]*time.Timer
	onChange func(users []string)
}

// NewTypingCoordinator creates a coordinator for one scope. emitStart
// and emitStop send the corresponding events to the server; either may
// be nil. cfg may be nil for the default timings.
func NewTypingCoordinator(cfg *TypingConfig, emitStart, emitStop func()) *TypingCoordinator {
	var c TypingConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if emitStart == nil {
		emitStart = func() {}
	}
	if emitStop == nil {
		emitStop = func() {}
	}
	return &TypingCoordinator{
		cfg:       c,
		emitStart: emitStart,
		emitStop:  emitStop,
		remote:    make(map[string]*time.Timer),
	}
}

// OnChange registers the callback invoked whenever the visible set of
// remote typing users changes.
func (t *TypingCoordinator) OnChange(fn func(users []string)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// ============================================================================
// Local typing (outbound)
// ============================================================================

// InputChanged must be called on every local input change with the
// current content. Non-empty content arms the debounced start and
// resets the idle timer; empty content stops immediately.
func (t *TypingCoordinator) InputChanged(content string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if content == "" {
		t.stopLocked()
		t.mu.Unlock()
		return
	}

	if t.debounce != nil {
		t.debounce.Stop()
	}
	t.debounce = time.AfterFunc(t.cfg.StartDebounce, t.fireStart)

	if t.idle != nil {
		t.idle.Stop()
	}
	t.idle = time.AfterFunc(t.cfg.IdleTimeout, t.fireIdle)
	t.mu.Unlock()
}

// Sent signals that the local user sent the message.
func (t *TypingCoordinator) Sent() { t.stop() }

// Blur signals that the input lost focus.
func (t *TypingCoordinator) Blur() { t.stop() }

func (t *TypingCoordinator) fireStart() {
	t.mu.Lock()
	if t.closed || t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	t.emitStart()
}

func (t *TypingCoordinator) fireIdle() {
	t.stop()
}

func (t *TypingCoordinator) stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.mu.Unlock()
}

// stopLocked cancels the local timers and emits typing:stop at most
// once per started burst.
func (t *TypingCoordinator) stopLocked() {
	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if t.started {
		t.started = false
		// Emit outside the lock to keep user callbacks unconstrained.
		go t.emitStop()
	}
}

// ============================================================================
// Remote typing (inbound)
// ============================================================================

// HandleRemoteStart adds a remote user to the visible set and (re)arms
// their expiry timer.
func (t *TypingCoordinator) HandleRemoteStart(userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if timer, ok := t.remote[userID]; ok {
		timer.Stop()
	}
	t.remote[userID] = time.AfterFunc(t.cfg.RemoteExpiry, func() {
		t.expireRemote(userID)
	})
	users, fn := t.usersLocked()
	t.mu.Unlock()

	notify(fn, users)
}

// HandleRemoteStop removes a remote user and cancels their expiry.
func (t *TypingCoordinator) HandleRemoteStop(userID string) {
	t.removeRemote(userID)
}

func (t *TypingCoordinator) expireRemote(userID string) {
	t.removeRemote(userID)
}

func (t *TypingCoordinator) removeRemote(userID string) {
	t.mu.Lock()
	timer, ok := t.remote[userID]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(t.remote, userID)
	users, fn := t.usersLocked()
	t.mu.Unlock()

	notify(fn, users)
}

// TypingUsers returns the currently visible remote typing users.
func (t *TypingCoordinator) TypingUsers() []string {
	t.mu.Lock()
	users, _ := t.usersLocked()
	t.mu.Unlock()
	return users
}

func (t *TypingCoordinator) usersLocked() ([]string, func([]string)) {
	users := make([]string, 0, len(t.remote))
	for id := range t.remote {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, t.onChange
}

func notify(fn func([]string), users []string) {
	if fn != nil {
		fn(users)
	}
}

// Close releases every timer and emits a final typing:stop if a start
// is outstanding. The coordinator is unusable afterwards.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	for id, timer := range t.remote {
		timer.Stop()
		delete(t.remote, id)
	}
	t.closed = true
	t.mu.Unlock()
}
