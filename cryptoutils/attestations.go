package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-secret-recovery/wire"
)

// EvidenceKind names the attestation format carried by an Evidence envelope.
type EvidenceKind string

const (
	KindDCAP  EvidenceKind = "dcap"
	KindNitro EvidenceKind = "nitro"
	KindDev   EvidenceKind = "dev"
)

const evidenceVersion = 1

// RaftConfig describes the consensus group a replica claims to belong to.
type RaftConfig struct {
	MinVotingReplicas uint64 `yaml:"min_voting"`
	MaxVotingReplicas uint64 `yaml:"max_voting"`
	SuperMajority     uint64 `yaml:"super_majority"`
	GroupID           uint64 `yaml:"group_id"`
}

// Validate checks the configuration is internally consistent.
func (c RaftConfig) Validate() error {
	if c.MinVotingReplicas == 0 {
		return errors.New("min voting replicas must be positive")
	}
	if c.MaxVotingReplicas < c.MinVotingReplicas {
		return fmt.Errorf("max voting replicas %d below min %d", c.MaxVotingReplicas, c.MinVotingReplicas)
	}
	if c.SuperMajority > c.MinVotingReplicas {
		return fmt.Errorf("super majority %d exceeds min voting replicas %d", c.SuperMajority, c.MinVotingReplicas)
	}
	return nil
}

func (c RaftConfig) String() string {
	return fmt.Sprintf("raft{group=%d voting=%d..%d super=%d}", c.GroupID, c.MinVotingReplicas, c.MaxVotingReplicas, c.SuperMajority)
}

// Evidence is the attestation envelope a replica sends at the start of a
// connection.
type Evidence struct {
	Kind      EvidenceKind
	Report    []byte
	PublicKey [32]byte
	Raft      *RaftConfig
}

// MarshalBinary encodes the envelope.
func (e *Evidence) MarshalBinary() ([]byte, error) {
	b := wire.WriteInt(nil, evidenceVersion)
	b = wire.WriteSlice(b, []byte(e.Kind))
	b = wire.WriteSlice(b, e.Report)
	b = wire.WriteFixed(b, e.PublicKey[:])
	b = wire.WriteBool(b, e.Raft != nil)
	if e.Raft != nil {
		b = appendRaft(b, e.Raft)
	}
	return b, nil
}

// UnmarshalBinary decodes an envelope produced by MarshalBinary.
func (e *Evidence) UnmarshalBinary(data []byte) error {
	d := wire.NewDecoder(data)
	if v := d.Int("version"); d.Err() == nil && v != evidenceVersion {
		return fmt.Errorf("unsupported evidence version %d", v)
	}
	kind := d.Slice("kind")
	report := d.Slice("report")
	pub := d.Fixed("public key", 32)
	var raft *RaftConfig
	if d.Bool("raft present") {
		raft = &RaftConfig{
			MinVotingReplicas: d.Int("raft min voting"),
			MaxVotingReplicas: d.Int("raft max voting"),
			SuperMajority:     d.Int("raft super majority"),
			GroupID:           d.Int("raft group id"),
		}
	}
	if err := d.Finish(); err != nil {
		return fmt.Errorf("decoding evidence: %w", err)
	}

	e.Kind = EvidenceKind(kind)
	e.Report = report
	copy(e.PublicKey[:], pub)
	e.Raft = raft
	return nil
}

func appendRaft(b []byte, c *RaftConfig) []byte {
	b = wire.WriteInt(b, c.MinVotingReplicas)
	b = wire.WriteInt(b, c.MaxVotingReplicas)
	b = wire.WriteInt(b, c.SuperMajority)
	return wire.WriteInt(b, c.GroupID)
}

// BindingHash commits to the session key and consensus group claimed by the
// envelope. Attestation reports carry it as report data.
func BindingHash(publicKey [32]byte, raft *RaftConfig) [32]byte {
	b := []byte("svr-evidence-binding-v1")
	b = append(b, publicKey[:]...)
	if raft != nil {
		b = appendRaft(b, raft)
	}
	return sha256.Sum256(b)
}

// ReportData is BindingHash padded to the 64-byte report data field.
func ReportData(publicKey [32]byte, raft *RaftConfig) [64]byte {
	var rd [64]byte
	h := BindingHash(publicKey, raft)
	copy(rd[:], h[:])
	return rd
}

// AttestationError reports evidence that failed verification. It is never
// retried on the same route.
type AttestationError struct {
	Reason string
	Err    error
}

func (e *AttestationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attestation failed: %s: %v", e.Reason, e.Err)
	}
	return "attestation failed: " + e.Reason
}

func (e *AttestationError) Unwrap() error { return e.Err }

// Fatal marks attestation failures as non-retriable.
func (e *AttestationError) Fatal() bool { return true }

// VerifyOptions carries what the client expects from a replica.
type VerifyOptions struct {
	// Identity is the expected enclave measurement.
	Identity []byte
	// Now is the time used for certificate validity checks.
	Now time.Time
	// CheckRaft enables the consensus group check.
	CheckRaft bool
	// Raft, when set, must equal the claimed consensus group exactly.
	Raft *RaftConfig
}

// Verifier checks the hardware report inside an envelope: signature chain,
// measured identity and binding to the envelope's public key.
type Verifier interface {
	Kind() EvidenceKind
	Verify(evidence *Evidence, opts VerifyOptions) error
}

// VerifyEvidence runs v over evidence and checks the consensus group. Every
// failure is returned as an *AttestationError.
func VerifyEvidence(v Verifier, evidence *Evidence, opts VerifyOptions) error {
	if evidence.Kind != v.Kind() {
		return &AttestationError{Reason: fmt.Sprintf("unexpected evidence kind %q, expected %q", evidence.Kind, v.Kind())}
	}
	if len(opts.Identity) == 0 {
		return &AttestationError{Reason: "no expected identity"}
	}

	if err := v.Verify(evidence, opts); err != nil {
		var attErr *AttestationError
		if errors.As(err, &attErr) {
			return attErr
		}
		return &AttestationError{Reason: "report rejected", Err: err}
	}

	if !opts.CheckRaft {
		return nil
	}
	if evidence.Raft == nil {
		return &AttestationError{Reason: "missing consensus group configuration"}
	}
	if opts.Raft != nil {
		if *opts.Raft != *evidence.Raft {
			return &AttestationError{Reason: fmt.Sprintf("consensus group mismatch: got %s, expected %s", evidence.Raft, opts.Raft)}
		}
		return nil
	}
	if err := evidence.Raft.Validate(); err != nil {
		return &AttestationError{Reason: "invalid consensus group", Err: err}
	}
	return nil
}

// AttestationProvider produces hardware reports over 64 bytes of report data.
// It runs on the replica side.
type AttestationProvider interface {
	Kind() EvidenceKind
	Attest(reportData [64]byte) ([]byte, error)
}

// NewEvidence builds the envelope a replica presents for its static key.
func NewEvidence(provider AttestationProvider, publicKey [32]byte, raft *RaftConfig) (*Evidence, error) {
	report, err := provider.Attest(ReportData(publicKey, raft))
	if err != nil {
		return nil, fmt.Errorf("producing attestation report: %w", err)
	}
	return &Evidence{
		Kind:      provider.Kind(),
		Report:    report,
		PublicKey: publicKey,
		Raft:      raft,
	}, nil
}

func checkIdentity(measured, expected []byte) error {
	if !bytes.Equal(measured, expected) {
		return &AttestationError{Reason: fmt.Sprintf("identity mismatch: measured %x, expected %x", measured, expected)}
	}
	return nil
}
