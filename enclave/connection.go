package enclave

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// ErrProtocol wraps malformed or unauthenticated frames on an attested
// connection.
var ErrProtocol = errors.New("attested connection protocol error")

// AttestedConnection is an encrypted stream to a verified replica. It is
// used by a single operation and then closed.
type AttestedConnection struct {
	stream   interfaces.Stream
	session  *cryptoutils.Session
	route    interfaces.ConnectionParams
	evidence *cryptoutils.Evidence
}

// NewAttestedConnection wraps an established session. Most callers use
// EnclaveEndpointConnection.Connect instead.
func NewAttestedConnection(stream interfaces.Stream, session *cryptoutils.Session, route interfaces.ConnectionParams, evidence *cryptoutils.Evidence) *AttestedConnection {
	return &AttestedConnection{stream: stream, session: session, route: route, evidence: evidence}
}

// Send encrypts and sends one message.
func (c *AttestedConnection) Send(ctx context.Context, msg []byte) error {
	return c.stream.Send(ctx, c.session.Seal(msg))
}

// Receive reads and decrypts one message.
func (c *AttestedConnection) Receive(ctx context.Context) ([]byte, error) {
	frame, err := c.stream.Receive(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := c.session.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return msg, nil
}

// Close closes the underlying stream.
func (c *AttestedConnection) Close() error {
	return c.stream.Close()
}

// Route is the route the connection was established over.
func (c *AttestedConnection) Route() interfaces.ConnectionParams {
	return c.route
}

// Evidence is the verified evidence of the replica.
func (c *AttestedConnection) Evidence() *cryptoutils.Evidence {
	return c.evidence
}

// ConnectOptions are the per-call inputs of Connect.
type ConnectOptions struct {
	Connector interfaces.TransportConnector
	// Header is sent with the transport upgrade, typically basic auth.
	Header http.Header
	// Rand seeds the ephemeral session key. Nil uses crypto/rand.
	Rand io.Reader
	Log  *slog.Logger
}

// Connect performs one logical connection attempt through the endpoint's
// connection manager: dial, receive evidence, verify it, send the client
// hello.
func (c *EnclaveEndpointConnection[E]) Connect(ctx context.Context, opts ConnectOptions) connmgr.ServiceState[*AttestedConnection] {
	rng := opts.Rand
	if rng == nil {
		rng = rand.Reader
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return connmgr.Connect(ctx, c.Manager, func(ctx context.Context, route interfaces.ConnectionParams) (*AttestedConnection, error) {
		stream, err := opts.Connector.Connect(ctx, route, c.Path, opts.Header)
		if err != nil {
			return nil, err
		}

		conn, err := c.handshake(ctx, stream, route, rng)
		if err != nil {
			stream.Close()
			var kind E
			log.Warn("Attested handshake failed",
				slog.String("flavor", kind.Name()),
				slog.String("route", route.String()),
				"err", err)
			return nil, err
		}
		return conn, nil
	})
}

func (c *EnclaveEndpointConnection[E]) handshake(ctx context.Context, stream interfaces.Stream, route interfaces.ConnectionParams, rng io.Reader) (*AttestedConnection, error) {
	envelope, err := stream.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receiving evidence: %w", err)
	}

	now := c.Now
	if now == nil {
		now = timeNow
	}
	hs, err := NewHandshake(c.Params, envelope, now())
	if err != nil {
		return nil, err
	}

	hello, session, err := hs.Complete(rng)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(ctx, hello); err != nil {
		return nil, fmt.Errorf("sending client hello: %w", err)
	}

	return NewAttestedConnection(stream, session, route, hs.Evidence), nil
}
