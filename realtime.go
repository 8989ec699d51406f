package echoroom

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Realtime abstraction
// ============================================================================

// Handler receives the raw payload of one realtime event.
type Handler func(payload json.RawMessage)

// Realtime is the push-channel contract the sync engine depends on.
// The production implementation is *Channel; tests use *FakeRealtime.
type Realtime interface {
	// Subscribe registers a handler for a named event and returns the
	// function that removes it again.
	Subscribe(event string, h Handler) (unsubscribe func())
	// Send emits a client-to-server event (typing indicators, joins).
	Send(ctx context.Context, event string, payload any) error
	IsConnected() bool
	// OnConnectionChange registers a handler invoked on every
	// connect/disconnect transition.
	OnConnectionChange(fn func(connected bool)) (unsubscribe func())
	// JoinRoom subscribes the connection to a room's event stream.
	// Joining twice is a no-op, as is leaving a room never joined.
	JoinRoom(ctx context.Context, roomID string)
	LeaveRoom(ctx context.Context, roomID string)
}

// envelope is the wire format for all realtime traffic.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Dispatcher
// ============================================================================

type dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
	connSubs map[int]func(bool)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string]map[int]Handler),
		connSubs: make(map[int]func(bool)),
	}
}

func (d *dispatcher) subscribe(event string, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]Handler)
	}
	d.handlers[event][id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers[event], id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) onConnChange(fn func(bool)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.connSubs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.connSubs, id)
		d.mu.Unlock()
	}
}

// dispatch invokes handlers synchronously, in registration order per
// event. The reconcilers rely on events being delivered in arrival
// order; fanning out to goroutines would break that.
func (d *dispatcher) dispatch(env envelope) {
	d.mu.Lock()
	ids := make([]int, 0, len(d.handlers[env.Type]))
	for id := range d.handlers[env.Type] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, d.handlers[env.Type][id])
	}
	d.mu.Unlock()

	for _, h := range hs {
		safeInvoke(func() { h(env.Payload) })
	}
}

func (d *dispatcher) emitConnChange(connected bool) {
	d.mu.Lock()
	fns := make([]func(bool), 0, len(d.connSubs))
	for _, fn := range d.connSubs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		safeInvoke(func() { fn(connected) })
	}
}

// safeInvoke swallows panics in user callbacks; a broken handler must
// not take down the read loop.
func safeInvoke(fn func()) {
	defer func() { recover() }()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// Channel is the websocket realtime channel with auto-reconnect and
// heartbeat. A Channel can be constructed and subscribed to before
// Connect; in that state IsConnected reports false and the polling
// fallback carries the traffic.
type Channel struct {
	baseURL string
	config  *ChannelConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	joined           map[string]bool

	dispatcher *dispatcher
	recon      *reconnector
}

// NewChannel creates a realtime channel for the given API base URL.
func NewChannel(baseURL string, config *ChannelConfig) *Channel {
	cfg := *config
	cfg.defaults()
	return &Channel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		state:      StateDisconnected,
		joined:     make(map[string]bool),
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// Subscribe registers a handler for a named event.
func (ch *Channel) Subscribe(event string, h Handler) func() {
	return ch.dispatcher.subscribe(event, h)
}

// OnConnectionChange registers a connect/disconnect handler.
func (ch *Channel) OnConnectionChange(fn func(bool)) func() {
	return ch.dispatcher.onConnChange(fn)
}

// State returns the current connection state.
func (ch *Channel) State() ConnState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsConnected reports whether the channel is currently connected.
func (ch *Channel) IsConnected() bool {
	return ch.State() == StateConnected
}

// Connect establishes the websocket connection.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ch.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateConnected
	ch.cancelFn = cancel
	rejoin := make([]string, 0, len(ch.joined))
	for id := range ch.joined {
		rejoin = append(rejoin, id)
	}
	ch.mu.Unlock()
	ch.recon.markConnected()

	ch.dispatcher.emitConnChange(true)

	// Restore room subscriptions lost with the previous connection.
	for _, id := range rejoin {
		_ = ch.Send(connCtx, "room:join", map[string]string{"roomId": id})
	}

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection.
func (ch *Channel) Disconnect() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	wasConnected := ch.state == StateConnected
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if wasConnected {
		ch.dispatcher.emitConnChange(false)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinRoom subscribes to a room's event stream. Idempotent.
func (ch *Channel) JoinRoom(ctx context.Context, roomID string) {
	ch.mu.Lock()
	if ch.joined[roomID] {
		ch.mu.Unlock()
		return
	}
	ch.joined[roomID] = true
	ch.mu.Unlock()

	_ = ch.Send(ctx, "room:join", map[string]string{"roomId": roomID})
}

// LeaveRoom unsubscribes from a room's event stream. Safe to call for
// rooms never joined or already left.
func (ch *Channel) LeaveRoom(ctx context.Context, roomID string) {
	ch.mu.Lock()
	if !ch.joined[roomID] {
		ch.mu.Unlock()
		return
	}
	delete(ch.joined, roomID)
	ch.mu.Unlock()

	_ = ch.Send(ctx, "room:leave", map[string]string{"roomId": roomID})
}

// Send emits a client-to-server event over the websocket.
func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if ch.conn == conn {
				ch.conn = nil
				ch.state = StateDisconnected
			}
			ch.mu.Unlock()

			if intentional {
				return
			}

			ch.dispatcher.emitConnChange(false)

			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				ch.scheduleReconnect()
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ch.dispatcher.dispatch(env)
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed. Force close; the read loop
				// notices and drives the reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ch *Channel) scheduleReconnect() {
	delay := ch.recon.nextDelay()
	ch.mu.Lock()
	ch.state = StateReconnecting
	ch.mu.Unlock()

	time.Sleep(delay)

	ch.mu.Lock()
	if ch.intentionalClose {
		ch.mu.Unlock()
		return
	}
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if err := ch.Connect(context.Background()); err != nil {
		if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
			ch.scheduleReconnect()
		}
	}
}
