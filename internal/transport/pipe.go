package transport

import (
	"context"
	"sync"
)

const pipeBufferLength = 64

type pipePort struct {
	in  <-chan []byte
	out chan<- []byte

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  chan struct{}
}

// NewPipe returns two connected in-process ports. Messages written to one
// side arrive at the other in order. Closing either side unblocks both.
func NewPipe() (Port, Port) {
	aToB := make(chan []byte, pipeBufferLength)
	bToA := make(chan []byte, pipeBufferLength)
	closedA := make(chan struct{})
	closedB := make(chan struct{})

	a := &pipePort{in: bToA, out: aToB, closed: closedA, peerDone: closedB}
	b := &pipePort{in: aToB, out: bToA, closed: closedB, peerDone: closedA}
	return a, b
}

func (p *pipePort) Send(ctx context.Context, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- msg:
		return nil
	}
}

func (p *pipePort) Receive(ctx context.Context) ([]byte, error) {
	// Drain messages already buffered before reporting closure so a
	// response sent just before a disconnect is not lost.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peerDone:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-p.in:
		return msg, nil
	}
}

func (p *pipePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
