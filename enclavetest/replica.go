package enclavetest

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/oracle"
	"github.com/ruteri/tee-secret-recovery/svr"
)

// ReplicaConfig configures a Replica.
type ReplicaConfig struct {
	// Identity is the measurement reported by development evidence.
	Identity []byte
	// Provider replaces the development attestation provider.
	Provider cryptoutils.AttestationProvider
	// Raft is the consensus group reported in the evidence.
	Raft *cryptoutils.RaftConfig
	// AuthSecret, when set, is used to verify client credentials.
	AuthSecret *[auth.SecretSize]byte
	// AuthMaxAge bounds the age of credentials. Zero disables the check.
	AuthMaxAge time.Duration
	Now        func() time.Time
	Log        *slog.Logger
}

type record struct {
	backupID uuid.UUID
	tries    uint32
	tag      [32]byte
	share    []byte
}

// Replica is one in-memory secret recovery enclave.
type Replica struct {
	cfg      ReplicaConfig
	log      *slog.Logger
	key      *cryptoutils.StaticKey
	envelope []byte

	mu      sync.Mutex
	records map[interfaces.UserID]*record
	faults  map[svr.Op]svr.Status
}

// NewReplica creates a replica with a fresh static key and evidence.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	if cfg.Provider == nil {
		cfg.Provider = cryptoutils.DevAttestationProvider{Identity: cfg.Identity}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	key, err := cryptoutils.GenerateStaticKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	evidence, err := cryptoutils.NewEvidence(cfg.Provider, key.Public, cfg.Raft)
	if err != nil {
		return nil, fmt.Errorf("creating evidence: %w", err)
	}
	envelope, err := evidence.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &Replica{
		cfg:      cfg,
		log:      cfg.Log,
		key:      key,
		envelope: envelope,
		records:  make(map[interfaces.UserID]*record),
		faults:   make(map[svr.Op]svr.Status),
	}, nil
}

// Authenticate checks basic-auth credentials and returns the user id.
func (r *Replica) Authenticate(username, password string) (interfaces.UserID, error) {
	uid, err := interfaces.NewUserIDFromHex(username)
	if err != nil {
		return uid, fmt.Errorf("%w: %v", auth.ErrMalformedCredentials, err)
	}
	if r.cfg.AuthSecret != nil {
		if err := auth.Verify(username, password, *r.cfg.AuthSecret, r.cfg.Now(), r.cfg.AuthMaxAge); err != nil {
			return uid, err
		}
	}
	return uid, nil
}

// SetFault makes every request of op answer status without touching the
// records. A zero status clears the fault.
func (r *Replica) SetFault(op svr.Op, status svr.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == 0 {
		delete(r.faults, op)
		return
	}
	r.faults[op] = status
}

// TriesLeft reports the remaining attempts of uid's record.
func (r *Replica) TriesLeft(uid interfaces.UserID) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uid]
	if !ok {
		return 0, false
	}
	return rec.tries, true
}

// Records returns the number of stored records.
func (r *Replica) Records() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Serve runs the handshake and the request loop for uid until the stream
// fails or ctx is done.
func (r *Replica) Serve(ctx context.Context, stream interfaces.Stream, uid interfaces.UserID) error {
	defer stream.Close()

	if err := stream.Send(ctx, r.envelope); err != nil {
		return fmt.Errorf("sending evidence: %w", err)
	}
	hello, err := stream.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receiving hello: %w", err)
	}
	session, err := cryptoutils.NewServerSession(r.key, r.envelope, hello)
	if err != nil {
		return err
	}

	for {
		frame, err := stream.Receive(ctx)
		if err != nil {
			return nil
		}
		msg, err := session.Open(frame)
		if err != nil {
			return err
		}

		resp := r.handle(uid, msg)
		out, err := resp.MarshalBinary()
		if err != nil {
			return err
		}
		if err := stream.Send(ctx, session.Seal(out)); err != nil {
			return err
		}
	}
}

func (r *Replica) handle(uid interfaces.UserID, msg []byte) *svr.Response {
	var req svr.Request
	if err := req.UnmarshalBinary(msg); err != nil {
		r.log.Debug("Rejecting malformed request", "err", err)
		return &svr.Response{Status: svr.StatusInvalidRequest}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if status, ok := r.faults[req.Op]; ok {
		return &svr.Response{Status: status, BackupID: req.BackupID}
	}

	switch req.Op {
	case svr.OpBackup:
		return r.backup(uid, &req)
	case svr.OpRestore:
		return r.restore(uid, &req)
	case svr.OpRemove:
		return r.remove(uid, &req)
	default:
		return &svr.Response{Status: svr.StatusInvalidRequest}
	}
}

func (r *Replica) backup(uid interfaces.UserID, req *svr.Request) *svr.Response {
	if req.MaxTries == 0 || len(req.MaskedShare) == 0 || req.BackupID == uuid.Nil {
		return &svr.Response{Status: svr.StatusInvalidRequest}
	}
	r.records[uid] = &record{
		backupID: req.BackupID,
		tries:    req.MaxTries,
		tag:      req.GuessTag,
		share:    req.MaskedShare,
	}
	r.log.Debug("Stored backup", slog.String("uid", uid.Short()), slog.Uint64("tries", uint64(req.MaxTries)))
	return &svr.Response{Status: svr.StatusOK, BackupID: req.BackupID, TriesLeft: req.MaxTries}
}

func (r *Replica) restore(uid interfaces.UserID, req *svr.Request) *svr.Response {
	rec, ok := r.records[uid]
	if !ok || rec.backupID != req.BackupID {
		return &svr.Response{Status: svr.StatusMissing, BackupID: req.BackupID}
	}

	correct := subtle.ConstantTimeCompare(rec.tag[:], req.GuessTag[:]) == 1
	remaining, outcome := oracle.ConsumeAttempt(rec.tries, correct)
	rec.tries = remaining
	if remaining == 0 {
		delete(r.records, uid)
	}

	switch outcome {
	case oracle.OutcomeRestored:
		return &svr.Response{Status: svr.StatusOK, BackupID: rec.backupID, TriesLeft: remaining, MaskedShare: rec.share}
	case oracle.OutcomeBadCommitment:
		return &svr.Response{Status: svr.StatusBadCommitment, BackupID: rec.backupID, TriesLeft: remaining}
	default:
		return &svr.Response{Status: svr.StatusExhausted, BackupID: rec.backupID}
	}
}

func (r *Replica) remove(uid interfaces.UserID, req *svr.Request) *svr.Response {
	rec, ok := r.records[uid]
	if !ok || (req.BackupID != uuid.Nil && rec.backupID != req.BackupID) {
		return &svr.Response{Status: svr.StatusMissing, BackupID: req.BackupID}
	}
	delete(r.records, uid)
	return &svr.Response{Status: svr.StatusOK, BackupID: rec.backupID}
}

var errUnknownEnclave = errors.New("unknown enclave")
