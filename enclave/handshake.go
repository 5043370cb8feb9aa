package enclave

import (
	"io"
	"time"

	"github.com/ruteri/tee-secret-recovery/cryptoutils"
)

// Handshake is verified evidence from a replica, ready to derive a session.
type Handshake struct {
	Evidence *cryptoutils.Evidence
	envelope []byte
}

// NewHandshake verifies an evidence envelope against params using flavor E's
// rules. Every failure is an *cryptoutils.AttestationError.
func NewHandshake[E Kind](params EndpointParams[E], envelope []byte, now time.Time) (*Handshake, error) {
	var evidence cryptoutils.Evidence
	if err := evidence.UnmarshalBinary(envelope); err != nil {
		return nil, &cryptoutils.AttestationError{Reason: "malformed evidence", Err: err}
	}

	var kind E
	opts := cryptoutils.VerifyOptions{
		Identity:  params.MrEnclave.Bytes(),
		Now:       now,
		CheckRaft: kind.ChecksRaft(),
	}
	if kind.ChecksRaft() {
		opts.Raft = params.RaftConfigOverride
	}
	if err := cryptoutils.VerifyEvidence(params.verifier(), &evidence, opts); err != nil {
		return nil, err
	}

	return &Handshake{Evidence: &evidence, envelope: envelope}, nil
}

// Complete derives the client session. The returned hello must be sent to
// the replica before any frame.
func (h *Handshake) Complete(rand io.Reader) ([]byte, *cryptoutils.Session, error) {
	return cryptoutils.ClientHandshake(rand, h.envelope, h.Evidence.PublicKey)
}
