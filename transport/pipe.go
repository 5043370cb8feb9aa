package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// Pipe returns two connected in-memory streams. Messages sent on one end are
// received on the other in order. Closing either end closes both.
func Pipe() (interfaces.Stream, interfaces.Stream) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeStream{in: ba, out: ab, state: shared}, &pipeStream{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeStream struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeStream) Send(ctx context.Context, msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- buf:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		// Deliver anything sent before the close.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeStream) Close() error {
	p.state.once.Do(func() {
		close(p.state.done)
	})
	return nil
}

// PipeConnector hands one end of a fresh Pipe to Serve for every Connect.
// It lets clients talk to in-process replicas through the regular
// TransportConnector interface.
type PipeConnector struct {
	Serve func(stream interfaces.Stream, route interfaces.ConnectionParams, path string, header http.Header)
}

// Connect implements interfaces.TransportConnector.
func (c *PipeConnector) Connect(ctx context.Context, route interfaces.ConnectionParams, path string, header http.Header) (interfaces.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := Pipe()
	go c.Serve(server, route, path, header.Clone())
	return client, nil
}
