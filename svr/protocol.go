package svr

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclave"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/sharing"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxTries bounds the attempts a backup may allow.
	MaxTries = 255
	// MaxSecretSize bounds the secret payload.
	MaxSecretSize = 1024

	rollbackTimeout = 10 * time.Second
)

// Options are the collaborators of a protocol run. Zero fields take
// defaults.
type Options struct {
	// Rand seeds salts and backup ids. Nil uses crypto/rand.
	Rand io.Reader
	// KDF stretches the password of new backups.
	KDF cryptoutils.KDFParams
	// Sharing splits and combines secrets. Nil uses Shamir sharing.
	Sharing interfaces.SecretSharing
	Log     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.KDF == (cryptoutils.KDFParams{}) {
		o.KDF = cryptoutils.DefaultKDFParams()
	}
	if o.Sharing == nil {
		o.Sharing = sharing.Shamir{}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Backup stores secret across every replica in conns, guarded by password
// and limited to maxTries restore attempts. Existing records of the user are
// overwritten. The returned share set is required to restore.
//
// If any replica fails, the new record is removed from the others on a
// best-effort basis and no share set is returned.
func Backup(ctx context.Context, conns Connections, password, secret []byte, maxTries uint32, opts Options) (*ShareSet, error) {
	opts = opts.withDefaults()
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidArgument)
	}
	if len(secret) == 0 || len(secret) > MaxSecretSize {
		return nil, fmt.Errorf("%w: secret size %d", ErrInvalidArgument, len(secret))
	}
	if maxTries == 0 || maxTries > MaxTries {
		return nil, fmt.Errorf("%w: max tries %d not in [1, %d]", ErrInvalidArgument, maxTries, MaxTries)
	}
	if err := opts.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	salt := make([]byte, cryptoutils.SaltSize)
	if _, err := io.ReadFull(opts.Rand, salt); err != nil {
		return nil, fmt.Errorf("%w: reading salt: %w", ErrInvalidArgument, err)
	}
	backupID, err := uuid.NewRandomFromReader(opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: generating backup id: %w", ErrInvalidArgument, err)
	}

	key, err := cryptoutils.DerivePasswordKey(password, salt, opts.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	serverIDs := conns.ServerIDs()
	threshold := len(serverIDs)
	shares, err := opts.Sharing.Split(secret, len(serverIDs), threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	defer func() {
		for _, share := range shares {
			sharing.Wipe(share)
		}
	}()

	// Siblings are not cancelled on failure: every replica must finish its
	// round trip so the rollback knows which records to remove.
	attested := conns.attested()
	rejected := make([]bool, len(attested))
	var g errgroup.Group
	for i, conn := range attested {
		req := &Request{
			Op:          OpBackup,
			BackupID:    backupID,
			MaxTries:    maxTries,
			GuessTag:    key.GuessTag(serverIDs[i]),
			MaskedShare: cryptoutils.XOR(shares[i], key.Mask(serverIDs[i], len(shares[i]))),
		}
		g.Go(func() error {
			resp, err := roundTrip(ctx, conn, req)
			if err != nil {
				return err
			}
			if resp.Status != StatusOK {
				rejected[i] = true
				return protocolError("replica %d rejected backup: %s", serverIDs[i], resp.Status)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		rollback(ctx, attested, rejected, backupID, opts.Log)
		return nil, err
	}

	opts.Log.Debug("Backup stored",
		slog.String("backup_id", backupID.String()),
		slog.Int("replicas", len(attested)))

	return &ShareSet{
		ServerIDs:  serverIDs,
		BackupID:   backupID,
		Salt:       salt,
		KDF:        opts.KDF,
		Threshold:  threshold,
		ShareSize:  len(shares[0]),
		Commitment: key.Commit(secret),
	}, nil
}

// rollback removes backupID from every replica that did not reject it. A
// replica holding a newer backup keeps it.
func rollback(ctx context.Context, attested []*enclave.AttestedConnection, rejected []bool, backupID uuid.UUID, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, conn := range attested {
		if rejected[i] {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := roundTrip(ctx, conn, &Request{Op: OpRemove, BackupID: backupID})
			if err != nil {
				log.Warn("Failed to roll back partial backup",
					slog.String("backup_id", backupID.String()),
					slog.String("route", conn.Route().String()),
					"err", err)
			}
		}()
	}
	wg.Wait()
}

// Restore recovers the secret stored by the backup that produced shareSet.
// Every replica spends one attempt, whatever the outcome. All replicas are
// waited for; the most significant failure is reported.
func Restore(ctx context.Context, conns Connections, password []byte, shareSet *ShareSet, opts Options) ([]byte, error) {
	opts = opts.withDefaults()
	if shareSet == nil {
		return nil, fmt.Errorf("%w: nil share set", ErrInvalidArgument)
	}
	serverIDs := conns.ServerIDs()
	if !shareSet.matches(serverIDs) {
		return nil, fmt.Errorf("%w: share set servers %v do not match connections %v", ErrInvalidArgument, shareSet.ServerIDs, serverIDs)
	}

	key, err := cryptoutils.DerivePasswordKey(password, shareSet.Salt, shareSet.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	attested := conns.attested()
	shares := make([][]byte, len(attested))
	errs := make([]error, len(attested))

	var wg sync.WaitGroup
	for i, conn := range attested {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shares[i], errs[i] = restoreShare(ctx, conn, serverIDs[i], key, shareSet)
		}()
	}
	wg.Wait()

	if err := mostSevere(errs); err != nil {
		return nil, err
	}

	secret, err := opts.Sharing.Combine(shares, shareSet.Threshold)
	for _, share := range shares {
		sharing.Wipe(share)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}

	commitment := key.Commit(secret)
	if subtle.ConstantTimeCompare(commitment[:], shareSet.Commitment[:]) != 1 {
		sharing.Wipe(secret)
		return nil, fmt.Errorf("%w: commitment mismatch", ErrRestoreFailed)
	}
	return secret, nil
}

func restoreShare(ctx context.Context, conn *enclave.AttestedConnection, serverID uint64, key cryptoutils.PasswordKey, shareSet *ShareSet) ([]byte, error) {
	resp, err := roundTrip(ctx, conn, &Request{
		Op:       OpRestore,
		BackupID: shareSet.BackupID,
		GuessTag: key.GuessTag(serverID),
	})
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case StatusOK:
	case StatusMissing:
		return nil, fmt.Errorf("%w: no record on replica %d", ErrDataMissing, serverID)
	case StatusExhausted:
		return nil, fmt.Errorf("%w: attempts exhausted on replica %d", ErrDataMissing, serverID)
	case StatusBadCommitment:
		return nil, fmt.Errorf("%w: wrong password, %d attempts left on replica %d", ErrRestoreFailed, resp.TriesLeft, serverID)
	default:
		return nil, protocolError("replica %d rejected restore: %s", serverID, resp.Status)
	}

	if resp.BackupID != shareSet.BackupID {
		return nil, fmt.Errorf("%w: replica %d holds backup %s", ErrDataMissing, serverID, resp.BackupID)
	}
	if len(resp.MaskedShare) != shareSet.ShareSize {
		return nil, protocolError("replica %d returned a %d byte share, expected %d", serverID, len(resp.MaskedShare), shareSet.ShareSize)
	}
	return cryptoutils.XOR(resp.MaskedShare, key.Mask(serverID, shareSet.ShareSize)), nil
}

// Remove deletes the user's records from every replica. Replicas without a
// record succeed.
func Remove(ctx context.Context, conns Connections) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range conns.attested() {
		serverID := conns.ServerIDs()[i]
		g.Go(func() error {
			resp, err := roundTrip(gctx, conn, &Request{Op: OpRemove})
			if err != nil {
				return err
			}
			if resp.Status != StatusOK && resp.Status != StatusMissing {
				return protocolError("replica %d rejected remove: %s", serverID, resp.Status)
			}
			return nil
		})
	}
	return g.Wait()
}
