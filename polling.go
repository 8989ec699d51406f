package echoroom

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// PollingFallback
// ============================================================================

// PollerConfig controls one polling loop.
type PollerConfig struct {
	// Interval between fetch attempts.
	Interval time.Duration
	// OnlyWhenDisconnected skips ticks while the realtime channel is
	// connected; the push path is authoritative then.
	OnlyWhenDisconnected bool
}

// Poller re-runs a fetch on a fixed cadence. It is the fallback that
// keeps a scope fresh while the realtime channel is down, and the
// background refresh for list screens. A tick that finds the previous
// fetch still in flight is a no-op, so slow responses never stack.
type Poller struct {
	cfg       PollerConfig
	connected func() bool
	fetch     func(ctx context.Context)

	mu       sync.Mutex
	inFlight bool
	stopped  bool
	cancel   context.CancelFunc
}

// NewPoller creates a poller. connected reports the realtime channel
// state (may be nil when OnlyWhenDisconnected is unset).
func NewPoller(cfg PollerConfig, connected func() bool, fetch func(ctx context.Context)) *Poller {
	return &Poller{cfg: cfg, connected: connected, fetch: fetch}
}

// Start launches the polling loop. It returns immediately.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.stopped || p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.cfg.OnlyWhenDisconnected && p.connected != nil && p.connected() {
		return
	}

	p.mu.Lock()
	if p.inFlight || p.stopped {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.inFlight = false
			p.mu.Unlock()
		}()
		p.fetch(ctx)
	}()
}

// Close stops the loop immediately. In-flight fetches see their
// context cancelled.
func (p *Poller) Close() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
