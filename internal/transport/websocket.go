package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsReadBufferSize  = 8192
	wsWriteBufferSize = 8192
)

type wsPort struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSPort(conn *websocket.Conn) *wsPort {
	conn.SetReadLimit(wsMaxPayloadBytes)
	return &wsPort{conn: conn, closed: make(chan struct{})}
}

func (p *wsPort) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}

// Receive blocks on the websocket read. Context cancellation takes effect
// through Close, which interrupts the pending read.
func (p *wsPort) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	messageType, data, err := p.conn.ReadMessage()
	if err != nil {
		select {
		case <-p.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return p.Receive(ctx)
	}
	return data, nil
}

func (p *wsPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		deadline := time.Now().Add(time.Second)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = p.conn.Close()
	})
	return err
}

// WebsocketDialer dials the coordinator's websocket endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
}

// Dial establishes a websocket port to the coordinator.
func (d *WebsocketDialer) Dial(ctx context.Context) (Port, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSPort(conn), nil
}

// WebsocketHandler upgrades incoming HTTP requests and hands each resulting
// port to accept. The accept callback must not block; the router's Attach
// starts its own read loop.
func WebsocketHandler(accept func(Port)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(newWSPort(conn))
	})
}
