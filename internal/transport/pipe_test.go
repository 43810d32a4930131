package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipe_DeliversInOrder(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	messages := []string{"one", "two", "three"}
	for _, msg := range messages {
		if err := a.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("send %q: %v", msg, err)
		}
	}
	for _, want := range messages {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if string(got) != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestPipe_Bidirectional(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	if err := b.Send(ctx, []byte("reply")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "reply" {
		t.Errorf("expected %q, got %q", "reply", got)
	}
}

func TestPipe_CloseUnblocksPeer(t *testing.T) {
	a, b := NewPipe()

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		done <- err
	}()

	a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("peer Receive did not unblock after close")
	}
}

func TestPipe_BufferedMessageSurvivesPeerClose(t *testing.T) {
	a, b := NewPipe()
	defer b.Close()

	ctx := context.Background()
	if err := a.Send(ctx, []byte("last words")); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Close()

	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("expected buffered message, got error %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("expected %q, got %q", "last words", got)
	}
}

func TestPipe_ContextCancellation(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
