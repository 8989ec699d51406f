package echoroom

import (
	"sync/atomic"
	"testing"
	"time"
)

func fastTypingConfig() *TypingConfig {
	return &TypingConfig{
		StartDebounce: 20 * time.Millisecond,
		IdleTimeout:   80 * time.Millisecond,
		RemoteExpiry:  60 * time.Millisecond,
	}
}

func newCountedCoordinator(cfg *TypingConfig) (*TypingCoordinator, *atomic.Int32, *atomic.Int32) {
	var starts, stops atomic.Int32
	t := NewTypingCoordinator(cfg,
		func() { starts.Add(1) },
		func() { stops.Add(1) },
	)
	return t, &starts, &stops
}

func waitCount(t *testing.T, c *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Load() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected count %d, got %d", want, c.Load())
}

func TestTypingStartDebounced(t *testing.T) {
	tc, starts, _ := newCountedCoordinator(fastTypingConfig())
	defer tc.Close()

	// Several keystrokes inside the debounce window emit one start.
	tc.InputChanged("h")
	tc.InputChanged("he")
	tc.InputChanged("hey")

	if starts.Load() != 0 {
		t.Fatal("start must not fire before the debounce elapses")
	}
	waitCount(t, starts, 1)

	// Continued typing within the same burst stays at one start.
	tc.InputChanged("hey t")
	time.Sleep(40 * time.Millisecond)
	if got := starts.Load(); got != 1 {
		t.Fatalf("expected a single start per burst, got %d", got)
	}
}

func TestTypingIdleStopsOnce(t *testing.T) {
	tc, starts, stops := newCountedCoordinator(fastTypingConfig())
	defer tc.Close()

	tc.InputChanged("draft")
	waitCount(t, starts, 1)

	// Going quiet fires exactly one stop, and only one.
	waitCount(t, stops, 1)
	time.Sleep(120 * time.Millisecond)
	if got := stops.Load(); got != 1 {
		t.Fatalf("idle must emit exactly one stop, got %d", got)
	}
}

func TestTypingSentStopsImmediately(t *testing.T) {
	tc, starts, stops := newCountedCoordinator(fastTypingConfig())
	defer tc.Close()

	tc.InputChanged("draft")
	waitCount(t, starts, 1)
	tc.Sent()
	waitCount(t, stops, 1)
}

func TestTypingClearedInputStops(t *testing.T) {
	tc, starts, stops := newCountedCoordinator(fastTypingConfig())
	defer tc.Close()

	tc.InputChanged("draft")
	waitCount(t, starts, 1)
	tc.InputChanged("")
	waitCount(t, stops, 1)
}

func TestTypingNoStopWithoutStart(t *testing.T) {
	tc, starts, stops := newCountedCoordinator(fastTypingConfig())
	defer tc.Close()

	// A burst cancelled before the debounce fires emits nothing.
	tc.InputChanged("h")
	tc.Sent()
	time.Sleep(60 * time.Millisecond)

	if starts.Load() != 0 || stops.Load() != 0 {
		t.Fatalf("cancelled burst must stay silent, starts=%d stops=%d", starts.Load(), stops.Load())
	}
}

func TestTypingRemoteExpiry(t *testing.T) {
	tc := NewTypingCoordinator(fastTypingConfig(), nil, nil)
	defer tc.Close()

	tc.HandleRemoteStart("peer")
	if users := tc.TypingUsers(); len(users) != 1 {
		t.Fatalf("expected peer typing, got %v", users)
	}

	// A lost typing:stop is bounded by the expiry timer.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(tc.TypingUsers()) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if users := tc.TypingUsers(); len(users) != 0 {
		t.Fatalf("expected expiry to clear peer, got %v", users)
	}
}

func TestTypingRemoteStartRearmsExpiry(t *testing.T) {
	cfg := fastTypingConfig()
	cfg.RemoteExpiry = 200 * time.Millisecond
	tc := NewTypingCoordinator(cfg, nil, nil)
	defer tc.Close()

	tc.HandleRemoteStart("peer")
	time.Sleep(150 * time.Millisecond)
	tc.HandleRemoteStart("peer")
	time.Sleep(100 * time.Millisecond)

	// 250ms after the first start, but only 100ms after the re-arm.
	if users := tc.TypingUsers(); len(users) != 1 {
		t.Fatalf("re-armed expiry fired early, got %v", users)
	}
}

func TestTypingRemoteStopCancelsExpiry(t *testing.T) {
	tc := NewTypingCoordinator(fastTypingConfig(), nil, nil)

	var changes atomic.Int32
	tc.OnChange(func(users []string) { changes.Add(1) })

	tc.HandleRemoteStart("peer")
	tc.HandleRemoteStop("peer")
	got := changes.Load()

	time.Sleep(100 * time.Millisecond)
	if changes.Load() != got {
		t.Fatal("expiry fired after an explicit stop")
	}
	tc.Close()
}

func TestTypingUsersSorted(t *testing.T) {
	tc := NewTypingCoordinator(fastTypingConfig(), nil, nil)
	defer tc.Close()

	tc.HandleRemoteStart("zaza")
	tc.HandleRemoteStart("ana")
	users := tc.TypingUsers()
	if len(users) != 2 || users[0] != "ana" || users[1] != "zaza" {
		t.Fatalf("expected sorted users, got %v", users)
	}
}

func TestTypingCloseEmitsFinalStop(t *testing.T) {
	tc, starts, stops := newCountedCoordinator(fastTypingConfig())

	tc.InputChanged("draft")
	waitCount(t, starts, 1)
	tc.Close()
	waitCount(t, stops, 1)

	// Everything after close is a no-op.
	tc.InputChanged("more")
	tc.HandleRemoteStart("peer")
	time.Sleep(60 * time.Millisecond)
	if starts.Load() != 1 || len(tc.TypingUsers()) != 0 {
		t.Fatal("closed coordinator must ignore further input")
	}
}
