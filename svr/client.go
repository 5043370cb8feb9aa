package svr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclave"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"golang.org/x/sync/errgroup"
)

// Client runs the protocol against the Sgx and Nitro replica pair. A Client
// is safe for concurrent use: every operation opens fresh connections and
// only the endpoints' route state is shared.
type Client struct {
	Sgx       *enclave.EnclaveEndpointConnection[enclave.Sgx]
	Nitro     *enclave.EnclaveEndpointConnection[enclave.Nitro]
	Connector interfaces.TransportConnector

	SgxSecret   [auth.SecretSize]byte
	NitroSecret [auth.SecretSize]byte

	KDF     cryptoutils.KDFParams
	Sharing interfaces.SecretSharing
	Rand    io.Reader
	// Now signs credentials. Nil uses time.Now.
	Now func() time.Time
	Log *slog.Logger
}

func (c *Client) options() Options {
	return Options{Rand: c.Rand, KDF: c.KDF, Sharing: c.Sharing, Log: c.log()}
}

func (c *Client) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Connect opens attested connections to both replicas concurrently. The
// caller closes the result.
func (c *Client) Connect(ctx context.Context, uid interfaces.UserID) (*Svr3Connections, error) {
	now := c.now()
	log := c.log().With(slog.String("uid", uid.Short()))

	var (
		sgx   *SvrConnection[enclave.Sgx]
		nitro *SvrConnection[enclave.Nitro]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sgx, err = Connect(gctx, auth.FromUIDAndSecret(uid, c.SgxSecret, now), c.Sgx, c.Connector, log)
		if err != nil {
			return fmt.Errorf("sgx: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		nitro, err = Connect(gctx, auth.FromUIDAndSecret(uid, c.NitroSecret, now), c.Nitro, c.Connector, log)
		if err != nil {
			return fmt.Errorf("nitro: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		var closeErr error
		if sgx != nil {
			closeErr = errors.Join(closeErr, sgx.Close())
		}
		if nitro != nil {
			closeErr = errors.Join(closeErr, nitro.Close())
		}
		if closeErr != nil {
			log.Debug("Closing connections after failed connect", "err", closeErr)
		}
		return nil, err
	}
	return NewPair(sgx, nitro), nil
}

// Backup connects to both replicas and stores secret for uid.
func (c *Client) Backup(ctx context.Context, uid interfaces.UserID, password, secret []byte, maxTries uint32) (*ShareSet, error) {
	conns, err := c.Connect(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer conns.Close()

	shareSet, err := Backup(ctx, conns, password, secret, maxTries, c.options())
	if err != nil {
		c.log().Info("Backup failed", slog.String("uid", uid.Short()), "err", err)
		return nil, err
	}
	return shareSet, nil
}

// Restore connects to both replicas and recovers the secret of shareSet.
func (c *Client) Restore(ctx context.Context, uid interfaces.UserID, password []byte, shareSet *ShareSet) ([]byte, error) {
	conns, err := c.Connect(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer conns.Close()

	secret, err := Restore(ctx, conns, password, shareSet, c.options())
	if err != nil {
		c.log().Info("Restore failed", slog.String("uid", uid.Short()), "err", err)
		return nil, err
	}
	return secret, nil
}

// Remove connects to both replicas and deletes the records of uid.
func (c *Client) Remove(ctx context.Context, uid interfaces.UserID) error {
	conns, err := c.Connect(ctx, uid)
	if err != nil {
		return err
	}
	defer conns.Close()

	return Remove(ctx, conns)
}
