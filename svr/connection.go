package svr

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/enclave"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// SvrConnection is an attested connection to a secret recovery replica of
// flavor F. Only flavors implementing enclave.SvrFlavor can be used, so a
// contact discovery enclave cannot stand in for a replica.
type SvrConnection[F enclave.SvrFlavor] struct {
	inner *enclave.AttestedConnection
}

// Connect opens an attested connection through endpoint, authenticating as
// a. Connection manager outcomes map onto ErrNet and ErrAttestation.
func Connect[F enclave.SvrFlavor](ctx context.Context, a auth.Auth, endpoint *enclave.EnclaveEndpointConnection[F], connector interfaces.TransportConnector, log *slog.Logger) (*SvrConnection[F], error) {
	state := endpoint.Connect(ctx, enclave.ConnectOptions{
		Connector: connector,
		Header:    a.Header(),
		Log:       log,
	})
	if state.Kind != connmgr.StateActive {
		return nil, connectError(state)
	}
	return &SvrConnection[F]{inner: state.Value}, nil
}

// Route is the route the connection was established over.
func (c *SvrConnection[F]) Route() interfaces.ConnectionParams {
	return c.inner.Route()
}

// Close closes the connection.
func (c *SvrConnection[F]) Close() error {
	return c.inner.Close()
}

func roundTrip(ctx context.Context, conn *enclave.AttestedConnection, req *Request) (*Response, error) {
	msg, err := req.MarshalBinary()
	if err != nil {
		return nil, protocolError("encoding request: %v", err)
	}
	if err := conn.Send(ctx, msg); err != nil {
		return nil, netError(err)
	}
	reply, err := conn.Receive(ctx)
	if err != nil {
		return nil, netError(err)
	}

	var resp Response
	if err := resp.UnmarshalBinary(reply); err != nil {
		return nil, protocolError("decoding %s response: %v", req.Op, err)
	}
	return &resp, nil
}

// Connections is a fixed group of replica connections a protocol run fans
// out to. It is implemented by Pair and Single.
type Connections interface {
	// ServerIDs names the replicas in order. Share sets record them.
	ServerIDs() []uint64
	// Close closes every connection.
	Close() error

	attested() []*enclave.AttestedConnection
}

// Pair is two replicas of possibly different flavors.
type Pair[A, B enclave.SvrFlavor] struct {
	First  *SvrConnection[A]
	Second *SvrConnection[B]
}

// Svr3Connections is the production replica group.
type Svr3Connections = Pair[enclave.Sgx, enclave.Nitro]

// NewPair groups two connections.
func NewPair[A, B enclave.SvrFlavor](first *SvrConnection[A], second *SvrConnection[B]) *Pair[A, B] {
	return &Pair[A, B]{First: first, Second: second}
}

func (p *Pair[A, B]) ServerIDs() []uint64 { return []uint64{1, 2} }

func (p *Pair[A, B]) Close() error {
	return errors.Join(p.First.Close(), p.Second.Close())
}

func (p *Pair[A, B]) attested() []*enclave.AttestedConnection {
	return []*enclave.AttestedConnection{p.First.inner, p.Second.inner}
}

// Single is a one-replica group, used for tests and single-enclave
// deployments.
type Single[A enclave.SvrFlavor] struct {
	Conn *SvrConnection[A]
}

// NewSingle wraps one connection.
func NewSingle[A enclave.SvrFlavor](conn *SvrConnection[A]) *Single[A] {
	return &Single[A]{Conn: conn}
}

func (s *Single[A]) ServerIDs() []uint64 { return []uint64{1} }

func (s *Single[A]) Close() error { return s.Conn.Close() }

func (s *Single[A]) attested() []*enclave.AttestedConnection {
	return []*enclave.AttestedConnection{s.Conn.inner}
}
