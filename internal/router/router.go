// Package router is the coordinator-side message router: it validates
// inbound envelopes, answers liveness probes on a fast path, and dispatches
// business messages to the backend by exhaustive type discrimination.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ume-tora/replyhub/internal/protocol"
	"github.com/ume-tora/replyhub/internal/transport"
)

// Backend carries out business operations on behalf of the router. The
// coordinator implements it.
type Backend interface {
	GetCredential(ctx context.Context) (string, error)
	SetCredential(ctx context.Context, credential string) error
	GetCachedContext(ctx context.Context, scope, threadID string) (json.RawMessage, bool, error)
	SetCachedContext(ctx context.Context, scope, threadID string, value json.RawMessage) error
	ClearCache(ctx context.Context) (int, error)
	StorageInfo(ctx context.Context) (*protocol.StorageInfo, error)
	GenerateReply(ctx context.Context, credential string, messages []protocol.Message) (string, error)
}

// Router accepts channels and routes their messages. One router serves every
// foreground agent; routing is always per-channel, the active set exists
// only for diagnostics and shutdown.
type Router struct {
	backend Backend
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	active map[*channelState]struct{}
	closed bool

	wg sync.WaitGroup
}

type channelState struct {
	port   transport.Port
	cancel context.CancelFunc
}

// Option configures the router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the router's metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Router) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// New creates a router over the given backend.
func New(backend Backend, opts ...Option) *Router {
	r := &Router{
		backend: backend,
		logger:  slog.Default(),
		active:  make(map[*channelState]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach adopts a new channel: registers it in the active set, announces
// application-level readiness (a raw transport connect does not imply the
// router is listening), and starts the read loop.
func (r *Router) Attach(port transport.Port) {
	ctx, cancel := context.WithCancel(context.Background())
	state := &channelState{port: port, cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_ = port.Close()
		return
	}
	r.active[state] = struct{}{}
	count := len(r.active)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.setActiveChannels(count)
	}
	r.logger.Debug("channel attached", "active", count)

	if data, err := protocol.ConnectionEstablished().Encode(); err == nil {
		if err := port.Send(ctx, data); err != nil {
			r.detach(state)
			return
		}
	}

	r.wg.Add(1)
	go r.readLoop(ctx, state)
}

// ActiveChannels reports the size of the active channel set.
func (r *Router) ActiveChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close detaches every channel and waits for in-flight handlers.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	states := make([]*channelState, 0, len(r.active))
	for state := range r.active {
		states = append(states, state)
	}
	r.mu.Unlock()

	for _, state := range states {
		r.detach(state)
	}
	r.wg.Wait()
}

func (r *Router) detach(state *channelState) {
	state.cancel()
	_ = state.port.Close()

	r.mu.Lock()
	if _, ok := r.active[state]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, state)
	count := len(r.active)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.setActiveChannels(count)
	}
	r.logger.Debug("channel detached", "active", count)
}

func (r *Router) readLoop(ctx context.Context, state *channelState) {
	defer r.wg.Done()
	defer r.detach(state)

	for {
		data, err := state.port.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
				r.logger.Debug("channel read failed", "error", err)
			}
			return
		}
		// Handlers run asynchronously: a slow generation must not block
		// the next message, so responses may interleave out of order and
		// the channel manager correlates by RequestID.
		r.wg.Add(1)
		go func(data []byte) {
			defer r.wg.Done()
			r.dispatch(ctx, state.port, data)
		}(data)
	}
}

func (r *Router) dispatch(ctx context.Context, port transport.Port, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		var protoErr *protocol.Error
		reason := "invalid format"
		if errors.As(err, &protoErr) {
			reason = protoErr.Reason
		}
		requestID := ""
		if env != nil {
			requestID = env.RequestID
		}
		if r.metrics != nil {
			r.metrics.recordRequest("malformed", "rejected")
		}
		r.respond(ctx, port, &protocol.Response{RequestID: requestID, Success: false, Error: reason})
		return
	}

	// Heartbeats are answered immediately and never reach business
	// handlers.
	switch env.Type {
	case protocol.TypePing:
		if data, err := protocol.Pong().Encode(); err == nil {
			_ = port.Send(ctx, data)
		}
		return
	case protocol.TypePong, protocol.TypeConnectionEstablished:
		return
	}

	resp := r.handle(ctx, env)
	resp.RequestID = env.RequestID
	if r.metrics != nil {
		outcome := "ok"
		if !resp.Success {
			outcome = "error"
		}
		r.metrics.recordRequest(string(env.Type), outcome)
	}
	r.respond(ctx, port, resp)
}

// handle runs the business operation for one envelope. The message kind set
// is closed; every kind is matched explicitly. A handler panic is converted
// to a structured failure so one bad request cannot take down the channel or
// other in-flight handlers.
func (r *Router) handle(ctx context.Context, env *protocol.Envelope) (resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked", "type", env.Type, "panic", rec)
			resp = failure(fmt.Sprintf("internal error: %v", rec))
		}
	}()

	switch env.Type {
	case protocol.TypeGetCredential:
		credential, err := r.backend.GetCredential(ctx)
		if err != nil {
			return failure(err.Error())
		}
		return &protocol.Response{Success: true, Credential: credential}

	case protocol.TypeSetCredential:
		if env.Credential == "" {
			return failure("credential is required")
		}
		if err := r.backend.SetCredential(ctx, env.Credential); err != nil {
			return failure(err.Error())
		}
		return &protocol.Response{Success: true}

	case protocol.TypeGetCachedContext:
		if env.Scope == "" || env.ThreadID == "" {
			return failure("scope and threadId are required")
		}
		value, ok, err := r.backend.GetCachedContext(ctx, env.Scope, env.ThreadID)
		if err != nil {
			return failure(err.Error())
		}
		if !ok {
			return &protocol.Response{Success: true}
		}
		return &protocol.Response{Success: true, Context: value}

	case protocol.TypeSetCachedContext:
		if env.Scope == "" || env.ThreadID == "" {
			return failure("scope and threadId are required")
		}
		if err := r.backend.SetCachedContext(ctx, env.Scope, env.ThreadID, env.Context); err != nil {
			return failure(err.Error())
		}
		return &protocol.Response{Success: true}

	case protocol.TypeClearCache:
		removed, err := r.backend.ClearCache(ctx)
		if err != nil {
			return failure(err.Error())
		}
		return &protocol.Response{Success: true, Removed: removed}

	case protocol.TypeGetStorageInfo:
		info, err := r.backend.StorageInfo(ctx)
		if err != nil {
			return failure(err.Error())
		}
		return &protocol.Response{Success: true, StorageInfo: info}

	case protocol.TypeGenerateReply:
		reply, err := r.backend.GenerateReply(ctx, env.Credential, env.Messages)
		if err != nil {
			return failure(err.Error())
		}
		return &protocol.Response{Success: true, Reply: reply}

	case protocol.TypePing, protocol.TypePong, protocol.TypeConnectionEstablished:
		// Reserved kinds are filtered in dispatch.
		return failure("reserved message type")
	}

	return failure("unknown message type")
}

func (r *Router) respond(ctx context.Context, port transport.Port, resp *protocol.Response) {
	data, err := resp.Encode()
	if err != nil {
		r.logger.Error("failed to encode response", "error", err)
		return
	}
	if err := port.Send(ctx, data); err != nil {
		// The channel died while the handler ran; the client-side pending
		// entry expires on its own.
		r.logger.Debug("failed to deliver response", "error", err)
	}
}

func failure(message string) *protocol.Response {
	return &protocol.Response{Success: false, Error: message}
}
