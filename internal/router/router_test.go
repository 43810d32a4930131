package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ume-tora/replyhub/internal/protocol"
	"github.com/ume-tora/replyhub/internal/transport"
)

type fakeBackend struct {
	credential    string
	generateDelay time.Duration
	generateErr   error
	panicOn       protocol.MessageType
	calls         chan protocol.MessageType
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(chan protocol.MessageType, 16)}
}

func (b *fakeBackend) record(t protocol.MessageType) {
	if b.panicOn == t {
		panic("backend exploded")
	}
	select {
	case b.calls <- t:
	default:
	}
}

func (b *fakeBackend) GetCredential(ctx context.Context) (string, error) {
	b.record(protocol.TypeGetCredential)
	return b.credential, nil
}

func (b *fakeBackend) SetCredential(ctx context.Context, credential string) error {
	b.record(protocol.TypeSetCredential)
	b.credential = credential
	return nil
}

func (b *fakeBackend) GetCachedContext(ctx context.Context, scope, threadID string) (json.RawMessage, bool, error) {
	b.record(protocol.TypeGetCachedContext)
	return nil, false, nil
}

func (b *fakeBackend) SetCachedContext(ctx context.Context, scope, threadID string, value json.RawMessage) error {
	b.record(protocol.TypeSetCachedContext)
	return nil
}

func (b *fakeBackend) ClearCache(ctx context.Context) (int, error) {
	b.record(protocol.TypeClearCache)
	return 2, nil
}

func (b *fakeBackend) StorageInfo(ctx context.Context) (*protocol.StorageInfo, error) {
	b.record(protocol.TypeGetStorageInfo)
	return &protocol.StorageInfo{BytesInUse: 10, Quota: 100}, nil
}

func (b *fakeBackend) GenerateReply(ctx context.Context, credential string, messages []protocol.Message) (string, error) {
	b.record(protocol.TypeGenerateReply)
	if b.generateDelay > 0 {
		time.Sleep(b.generateDelay)
	}
	if b.generateErr != nil {
		return "", b.generateErr
	}
	return "generated reply", nil
}

// attach wires a router to one end of a pipe and returns the foreground end.
func attach(t *testing.T, backend Backend) (*Router, transport.Port) {
	t.Helper()
	r := New(backend)
	foreground, coordinator := transport.NewPipe()
	r.Attach(coordinator)
	t.Cleanup(func() {
		_ = foreground.Close()
		r.Close()
	})
	return r, foreground
}

func receiveInbound(t *testing.T, port transport.Port) *protocol.Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := port.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return in
}

func sendEnvelope(t *testing.T, port transport.Port, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := port.Send(context.Background(), data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestRouter_AnnouncesConnectionEstablished(t *testing.T) {
	_, foreground := attach(t, newFakeBackend())

	in := receiveInbound(t, foreground)
	if in.Type != protocol.TypeConnectionEstablished {
		t.Errorf("expected connection announcement first, got %q", in.Type)
	}
}

func TestRouter_PingFastPath(t *testing.T) {
	backend := newFakeBackend()
	_, foreground := attach(t, backend)
	receiveInbound(t, foreground) // connection announcement

	sendEnvelope(t, foreground, protocol.Ping())

	in := receiveInbound(t, foreground)
	if in.Type != protocol.TypePong {
		t.Errorf("expected PONG, got %+v", in)
	}
	select {
	case typ := <-backend.calls:
		t.Errorf("heartbeat must not reach handlers, got %q", typ)
	default:
	}
}

func TestRouter_MalformedEnvelope(t *testing.T) {
	_, foreground := attach(t, newFakeBackend())
	receiveInbound(t, foreground)

	if err := foreground.Send(context.Background(), []byte(`not json at all`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	in := receiveInbound(t, foreground)
	if in.Success {
		t.Error("malformed envelope must fail")
	}
	if in.Error != "invalid format" {
		t.Errorf("expected %q, got %q", "invalid format", in.Error)
	}
}

func TestRouter_UnknownTypeStillCorrelated(t *testing.T) {
	_, foreground := attach(t, newFakeBackend())
	receiveInbound(t, foreground)

	if err := foreground.Send(context.Background(), []byte(`{"type":"frobnicate","requestId":"r42"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	in := receiveInbound(t, foreground)
	if in.Success {
		t.Error("unknown type must fail")
	}
	if !strings.Contains(in.Error, "unknown message type") {
		t.Errorf("expected unknown-type error, got %q", in.Error)
	}
	if in.RequestID != "r42" {
		t.Errorf("failure must be correlated to r42, got %q", in.RequestID)
	}
}

func TestRouter_DispatchesGenerateReply(t *testing.T) {
	_, foreground := attach(t, newFakeBackend())
	receiveInbound(t, foreground)

	env := protocol.NewEnvelope(protocol.TypeGenerateReply)
	env.Credential = "AIzaTest"
	env.Messages = []protocol.Message{{Role: "user", Content: "hello"}}
	sendEnvelope(t, foreground, env)

	in := receiveInbound(t, foreground)
	if !in.Success {
		t.Fatalf("expected success, got error %q", in.Error)
	}
	if in.Reply != "generated reply" {
		t.Errorf("unexpected reply %q", in.Reply)
	}
	if in.RequestID != env.RequestID {
		t.Errorf("response correlated to %q, want %q", in.RequestID, env.RequestID)
	}
}

func TestRouter_HandlerErrorBecomesStructuredFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.generateErr = errors.New("provider unavailable")
	_, foreground := attach(t, backend)
	receiveInbound(t, foreground)

	env := protocol.NewEnvelope(protocol.TypeGenerateReply)
	env.Messages = []protocol.Message{{Role: "user", Content: "hi"}}
	sendEnvelope(t, foreground, env)

	in := receiveInbound(t, foreground)
	if in.Success {
		t.Error("expected failure")
	}
	if !strings.Contains(in.Error, "provider unavailable") {
		t.Errorf("expected underlying message, got %q", in.Error)
	}
}

func TestRouter_HandlerPanicDoesNotKillChannel(t *testing.T) {
	backend := newFakeBackend()
	backend.panicOn = protocol.TypeClearCache
	_, foreground := attach(t, backend)
	receiveInbound(t, foreground)

	sendEnvelope(t, foreground, protocol.NewEnvelope(protocol.TypeClearCache))
	in := receiveInbound(t, foreground)
	if in.Success {
		t.Error("panicking handler must produce a failure response")
	}

	// The channel keeps working afterwards.
	sendEnvelope(t, foreground, protocol.NewEnvelope(protocol.TypeGetStorageInfo))
	in = receiveInbound(t, foreground)
	if !in.Success || in.StorageInfo == nil {
		t.Errorf("channel unusable after panic: %+v", in)
	}
}

func TestRouter_ResponsesMayArriveOutOfOrder(t *testing.T) {
	backend := newFakeBackend()
	backend.generateDelay = 100 * time.Millisecond
	_, foreground := attach(t, backend)
	receiveInbound(t, foreground)

	slow := protocol.NewEnvelope(protocol.TypeGenerateReply)
	slow.Messages = []protocol.Message{{Role: "user", Content: "hi"}}
	fast := protocol.NewEnvelope(protocol.TypeGetCredential)

	sendEnvelope(t, foreground, slow)
	sendEnvelope(t, foreground, fast)

	first := receiveInbound(t, foreground)
	second := receiveInbound(t, foreground)

	if first.RequestID != fast.RequestID {
		t.Errorf("expected the fast request to answer first, got %q", first.RequestID)
	}
	if second.RequestID != slow.RequestID {
		t.Errorf("expected the slow request second, got %q", second.RequestID)
	}
}

func TestRouter_ActiveChannelSet(t *testing.T) {
	r := New(newFakeBackend())
	defer r.Close()

	foregroundA, coordinatorA := transport.NewPipe()
	foregroundB, coordinatorB := transport.NewPipe()
	r.Attach(coordinatorA)
	r.Attach(coordinatorB)

	if got := r.ActiveChannels(); got != 2 {
		t.Errorf("expected 2 active channels, got %d", got)
	}

	_ = foregroundA.Close()
	deadline := time.After(time.Second)
	for r.ActiveChannels() != 1 {
		select {
		case <-deadline:
			t.Fatal("channel never detached after close")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = foregroundB.Close()
}
