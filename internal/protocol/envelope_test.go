package protocol

import (
	"strings"
	"testing"
)

func TestMessageType_Known(t *testing.T) {
	tests := []struct {
		name string
		typ  MessageType
		want bool
	}{
		{"generate reply", TypeGenerateReply, true},
		{"get credential", TypeGetCredential, true},
		{"ping", TypePing, true},
		{"empty", MessageType(""), false},
		{"unrecognized", MessageType("do-something-else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.Known(); got != tt.want {
				t.Errorf("Known(%q) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestMessageType_Reserved(t *testing.T) {
	if !TypePing.Reserved() || !TypePong.Reserved() || !TypeConnectionEstablished.Reserved() {
		t.Error("control kinds must be reserved")
	}
	if TypeGenerateReply.Reserved() {
		t.Error("business kinds must not be reserved")
	}
}

func TestNewEnvelope_HasRequestID(t *testing.T) {
	env := NewEnvelope(TypeGetCredential)
	if env.RequestID == "" {
		t.Error("expected a fresh request id")
	}
	if env.Timestamp == 0 {
		t.Error("expected a timestamp")
	}
}

func TestPing_NoRequestID(t *testing.T) {
	if Ping().RequestID != "" {
		t.Error("heartbeat must not carry a request id")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "valid generate reply",
			data: `{"type":"generate-reply","requestId":"r1","messages":[{"role":"user","content":"hi"}],"credential":"AIzaTest"}`,
		},
		{
			name:    "not json",
			data:    `{{{`,
			wantErr: "invalid format",
		},
		{
			name:    "missing type",
			data:    `{"requestId":"r1"}`,
			wantErr: "invalid format",
		},
		{
			name:    "unknown type",
			data:    `{"type":"frobnicate","requestId":"r1"}`,
			wantErr: "unknown message type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if env.Type != TypeGenerateReply {
					t.Errorf("unexpected type %q", env.Type)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestDecodeInbound_ControlVsResponse(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"CONNECTION_ESTABLISHED"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.Control() {
		t.Error("expected control frame")
	}

	in, err = DecodeInbound([]byte(`{"requestId":"r1","success":true,"reply":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Control() {
		t.Error("expected business response, not control")
	}
	if in.RequestID != "r1" || !in.Success || in.Reply != "hello" {
		t.Errorf("response fields mismatched: %+v", in.Response)
	}
}

func TestEnvelope_EncodeRoundTrip(t *testing.T) {
	env := NewEnvelope(TypeSetCachedContext)
	env.Scope = "gmail"
	env.ThreadID = "thread-9"
	env.Context = []byte(`{"summary":"greeting"}`)

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Scope != env.Scope || got.ThreadID != env.ThreadID || got.RequestID != env.RequestID {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
