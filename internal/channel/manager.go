// Package channel implements the foreground side of the coordinator
// connection: a manager that establishes the channel, queues sends while
// disconnected, correlates responses to requests, reconnects with backoff,
// and heartbeats so the coordinator's host never judges it idle.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ume-tora/replyhub/internal/backoff"
	"github.com/ume-tora/replyhub/internal/protocol"
	"github.com/ume-tora/replyhub/internal/transport"
)

// State is the channel lifecycle state, owned solely by the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionError reports that the coordinator could not be reached: the
// readiness probe or the reconnect budget was exhausted.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the request's
// deadline. The coordinator-side work is not canceled; a late result is
// discarded.
type TimeoutError struct {
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.After)
}

// Config configures a Manager. The zero value of each field selects the
// default noted on it.
type Config struct {
	// Dialer establishes ports to the coordinator (required).
	Dialer transport.Dialer
	// Logger receives connection lifecycle diagnostics.
	Logger *slog.Logger
	// ReadyProbeAttempts polls for a not-yet-initialized coordinator
	// before the first connection attempt. Default 20.
	ReadyProbeAttempts int
	// ReadyProbeInterval is the poll spacing. Default 500ms.
	ReadyProbeInterval time.Duration
	// ReconnectAttempts bounds reconnection after channel loss. Default 5.
	ReconnectAttempts int
	// ReconnectPolicy shapes the reconnect backoff. Default 1s doubling,
	// capped at 10s.
	ReconnectPolicy backoff.Policy
	// HeartbeatInterval spaces liveness pings while connected. Default 20s.
	HeartbeatInterval time.Duration
	// DefaultTimeout bounds short requests. Default 30s.
	DefaultTimeout time.Duration
	// GenerateTimeout bounds generate-reply requests, which run a
	// multi-attempt provider call on the far side. Default 120s.
	GenerateTimeout time.Duration
	// EstablishTimeout bounds the wait for the coordinator's
	// connection announcement after a raw connect. Default 5s.
	EstablishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ReadyProbeAttempts <= 0 {
		c.ReadyProbeAttempts = 20
	}
	if c.ReadyProbeInterval <= 0 {
		c.ReadyProbeInterval = 500 * time.Millisecond
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectPolicy == (backoff.Policy{}) {
		c.ReconnectPolicy = backoff.Reconnect()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 120 * time.Second
	}
	if c.EstablishTimeout <= 0 {
		c.EstablishTimeout = 5 * time.Second
	}
	return c
}

type outcome struct {
	resp *protocol.Response
	err  error
}

// waiter is one caller's pending result slot. resolve delivers at most once.
type waiter struct {
	once sync.Once
	ch   chan outcome
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan outcome, 1)}
}

func (w *waiter) resolve(resp *protocol.Response, err error) {
	w.once.Do(func() {
		w.ch <- outcome{resp: resp, err: err}
	})
}

// pendingRequest tracks one in-flight request by correlation id.
type pendingRequest struct {
	waiter *waiter
	timer  *time.Timer
}

// queuedSend awaits a live channel in the outbound queue.
type queuedSend struct {
	env    *protocol.Envelope
	waiter *waiter
}

// Manager owns the channel to the coordinator. The pending-request table,
// outbound queue, and state are mutated only inside the manager; callers
// interact through Send and EnsureConnection.
type Manager struct {
	config Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	port        transport.Port
	pending     map[string]*pendingRequest
	queue       []*queuedSend
	incarnation int

	// connectDone is closed when the in-flight connect or reconnect
	// cycle finishes; connectErr carries its outcome.
	connectDone chan struct{}
	connectErr  error

	loopCancel context.CancelFunc
	closed     bool
}

// NewManager creates a Manager. It does not connect; the first Send or
// EnsureConnection does.
func NewManager(config Config) *Manager {
	config = config.withDefaults()
	return &Manager{
		config:  config,
		logger:  config.Logger,
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
	}
}

// State reports the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the channel down and rejects everything in flight.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	port := m.port
	cancel := m.loopCancel
	m.state = StateDisconnected
	queue := m.takeQueueLocked()
	pending := m.takePendingLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if port != nil {
		_ = port.Close()
	}
	err := &ConnectionError{Reason: "channel closed"}
	for _, q := range queue {
		q.waiter.resolve(nil, err)
	}
	for _, p := range pending {
		p.timer.Stop()
		p.waiter.resolve(nil, err)
	}
}

// EnsureConnection makes the channel live. It is idempotent: already
// connected returns immediately, an in-flight attempt is awaited, and
// otherwise a fresh attempt begins, preceded by the bounded readiness probe.
func (m *Manager) EnsureConnection(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return &ConnectionError{Reason: "channel closed"}
		}
		switch m.state {
		case StateConnected:
			m.mu.Unlock()
			return nil
		case StateConnecting, StateReconnecting:
			done := m.connectDone
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}
			m.mu.Lock()
			err := m.connectErr
			state := m.state
			m.mu.Unlock()
			if state == StateConnected {
				return nil
			}
			if err != nil {
				return err
			}
			// The cycle succeeded but the channel was lost again
			// before we woke; re-evaluate.
		case StateFailed:
			// A new explicit cycle restarts from Disconnected.
			m.state = StateDisconnected
			m.mu.Unlock()
		case StateDisconnected:
			m.state = StateConnecting
			m.connectDone = make(chan struct{})
			m.connectErr = nil
			m.mu.Unlock()
			return m.runConnectCycle(ctx)
		}
	}
}

// runConnectCycle performs the readiness probe and first connect, then
// finishes the cycle, waking every waiter on connectDone.
func (m *Manager) runConnectCycle(ctx context.Context) error {
	port, err := m.probeAndDial(ctx)
	if err != nil {
		m.finishConnect(StateDisconnected, err)
		return err
	}
	if err := m.adoptPort(ctx, port); err != nil {
		m.finishConnect(StateDisconnected, err)
		return err
	}
	m.finishConnect(StateConnected, nil)
	m.flushQueue()
	return nil
}

// probeAndDial polls for the coordinator to come up, tolerating a
// not-yet-initialized host, then returns the established port.
func (m *Manager) probeAndDial(ctx context.Context) (transport.Port, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.ReadyProbeAttempts; attempt++ {
		port, err := m.config.Dialer.Dial(ctx)
		if err == nil {
			return port, nil
		}
		lastErr = err
		if attempt < m.config.ReadyProbeAttempts {
			timer := time.NewTimer(m.config.ReadyProbeInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, &ConnectionError{
		Reason: fmt.Sprintf("coordinator unreachable after %d probes", m.config.ReadyProbeAttempts),
		Err:    lastErr,
	}
}

// adoptPort waits for the coordinator's application-level readiness
// announcement, then installs the port and starts the read and heartbeat
// loops. A raw transport connect alone does not imply the router is
// listening.
func (m *Manager) adoptPort(ctx context.Context, port transport.Port) error {
	establishCtx, cancel := context.WithTimeout(ctx, m.config.EstablishTimeout)
	defer cancel()
	for {
		data, err := port.Receive(establishCtx)
		if err != nil {
			_ = port.Close()
			return &ConnectionError{Reason: "no connection announcement", Err: err}
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			continue
		}
		if in.Type == protocol.TypeConnectionEstablished {
			break
		}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		loopCancel()
		_ = port.Close()
		return &ConnectionError{Reason: "channel closed"}
	}
	m.port = port
	m.loopCancel = loopCancel
	m.incarnation++
	gen := m.incarnation
	m.mu.Unlock()

	go m.readLoop(loopCtx, port, gen)
	go m.heartbeatLoop(loopCtx, port)
	return nil
}

// finishConnect publishes the cycle's outcome and wakes waiters.
func (m *Manager) finishConnect(state State, err error) {
	m.mu.Lock()
	if m.closed {
		state = StateDisconnected
		if err == nil {
			err = &ConnectionError{Reason: "channel closed"}
		}
	}
	m.state = state
	m.connectErr = err
	done := m.connectDone
	var rejected []*queuedSend
	if err != nil {
		rejected = m.takeQueueLocked()
	}
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	for _, q := range rejected {
		q.waiter.resolve(nil, err)
	}
}

// Send delivers one envelope and returns the correlated response. While
// disconnected the envelope joins the outbound queue and a connection cycle
// is triggered; queued envelopes flush in order once the channel is live.
func (m *Manager) Send(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	w := newWaiter()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ConnectionError{Reason: "channel closed"}
	}
	if m.state == StateConnected {
		port := m.port
		m.registerPendingLocked(env, w)
		m.mu.Unlock()
		if err := m.writeEnvelope(ctx, port, env, w); err != nil {
			return nil, err
		}
	} else {
		needsConnect := m.state == StateDisconnected || m.state == StateFailed
		m.queue = append(m.queue, &queuedSend{env: env, waiter: w})
		m.mu.Unlock()
		if needsConnect {
			go func() {
				_ = m.EnsureConnection(context.Background())
			}()
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-w.ch:
		return out.resp, out.err
	}
}

// registerPendingLocked assigns a request id if absent and installs the
// pending-table entry with its deadline. Caller holds m.mu.
func (m *Manager) registerPendingLocked(env *protocol.Envelope, w *waiter) {
	if env.RequestID == "" {
		env.RequestID = protocol.NewRequestID()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	timeout := m.config.DefaultTimeout
	if env.Type == protocol.TypeGenerateReply {
		timeout = m.config.GenerateTimeout
	}
	requestID := env.RequestID
	entry := &pendingRequest{waiter: w}
	entry.timer = time.AfterFunc(timeout, func() {
		m.expirePending(requestID, timeout)
	})
	m.pending[requestID] = entry
}

// expirePending removes the entry and rejects the caller. The
// coordinator-side work continues; a late response finds no entry and is
// discarded.
func (m *Manager) expirePending(requestID string, timeout time.Duration) {
	m.mu.Lock()
	entry, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.waiter.resolve(nil, &TimeoutError{RequestID: requestID, After: timeout})
}

// writeEnvelope puts one registered envelope on the wire. A write failure
// counts as channel loss; the envelope returns to the queue for the next
// incarnation instead of failing the caller.
func (m *Manager) writeEnvelope(ctx context.Context, port transport.Port, env *protocol.Envelope, w *waiter) error {
	data, err := env.Encode()
	if err != nil {
		m.removePending(env.RequestID)
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := port.Send(ctx, data); err != nil {
		m.mu.Lock()
		if entry, ok := m.pending[env.RequestID]; ok {
			delete(m.pending, env.RequestID)
			entry.timer.Stop()
		}
		// Back to the head: envelopes behind it in the queue must not
		// overtake it on the next incarnation.
		m.queue = append([]*queuedSend{{env: env, waiter: w}}, m.queue...)
		m.mu.Unlock()
		m.handleChannelLoss(port)
	}
	return nil
}

func (m *Manager) removePending(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.pending[requestID]; ok {
		entry.timer.Stop()
		delete(m.pending, requestID)
	}
}

// flushQueue drains the outbound queue in enqueue order onto the live
// channel, registering each envelope in the pending table.
func (m *Manager) flushQueue() {
	for {
		m.mu.Lock()
		if m.state != StateConnected || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		q := m.queue[0]
		m.queue = m.queue[1:]
		port := m.port
		m.registerPendingLocked(q.env, q.waiter)
		m.mu.Unlock()

		if err := m.writeEnvelope(context.Background(), port, q.env, q.waiter); err != nil {
			q.waiter.resolve(nil, err)
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, port transport.Port, gen int) {
	for {
		data, err := port.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.handleChannelLossGen(port, gen)
			}
			return
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			m.logger.Debug("discarding undecodable frame", "error", err)
			continue
		}
		if in.Control() {
			// PONG and repeat announcements need no action.
			continue
		}
		m.resolveResponse(&in.Response)
	}
}

// resolveResponse delivers a response to exactly the waiter registered for
// its correlation id. Responses with no matching entry (late arrivals after
// a timeout) are discarded.
func (m *Manager) resolveResponse(resp *protocol.Response) {
	m.mu.Lock()
	entry, ok := m.pending[resp.RequestID]
	if ok {
		delete(m.pending, resp.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("discarding uncorrelated response", "request_id", resp.RequestID)
		return
	}
	entry.timer.Stop()
	entry.waiter.resolve(resp, nil)
}

func (m *Manager) heartbeatLoop(ctx context.Context, port transport.Port) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	data, err := protocol.Ping().Encode()
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed ping write surfaces as channel loss in the read
			// loop; nothing to do here.
			_ = port.Send(ctx, data)
		}
	}
}

func (m *Manager) handleChannelLoss(port transport.Port) {
	m.mu.Lock()
	gen := m.incarnation
	m.mu.Unlock()
	m.handleChannelLossGen(port, gen)
}

// handleChannelLossGen transitions to Reconnecting and runs the bounded
// reconnect cycle. The generation check makes stale loss reports from a
// previous incarnation harmless.
func (m *Manager) handleChannelLossGen(port transport.Port, gen int) {
	m.mu.Lock()
	if m.closed || m.incarnation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.connectDone = make(chan struct{})
	m.connectErr = nil
	cancel := m.loopCancel
	m.loopCancel = nil
	m.port = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = port.Close()
	m.logger.Warn("channel lost, reconnecting")

	go m.runReconnectCycle()
}

func (m *Manager) runReconnectCycle() {
	ctx := context.Background()
	var lastErr error
	for attempt := 1; attempt <= m.config.ReconnectAttempts; attempt++ {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			lastErr = &ConnectionError{Reason: "channel closed"}
			break
		}
		if err := backoff.Sleep(ctx, m.config.ReconnectPolicy, attempt); err != nil {
			lastErr = err
			break
		}
		port, err := m.config.Dialer.Dial(ctx)
		if err != nil {
			lastErr = err
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if err := m.adoptPort(ctx, port); err != nil {
			lastErr = err
			m.logger.Warn("reconnect handshake failed", "attempt", attempt, "error", err)
			continue
		}
		m.finishConnect(StateConnected, nil)
		m.logger.Info("channel reestablished", "attempt", attempt)
		m.flushQueue()
		return
	}

	err := &ConnectionError{
		Reason: fmt.Sprintf("reconnect attempts exhausted (%d)", m.config.ReconnectAttempts),
		Err:    lastErr,
	}
	m.finishConnect(StateFailed, err)
	m.logger.Error("channel failed", "error", err)
}

func (m *Manager) takeQueueLocked() []*queuedSend {
	queue := m.queue
	m.queue = nil
	return queue
}

func (m *Manager) takePendingLocked() []*pendingRequest {
	pending := make([]*pendingRequest, 0, len(m.pending))
	for id, entry := range m.pending {
		pending = append(pending, entry)
		delete(m.pending, id)
	}
	return pending
}
