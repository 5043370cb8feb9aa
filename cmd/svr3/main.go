package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/tee-secret-recovery/cmd/flags"
	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/env"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/storage"
	"github.com/ruteri/tee-secret-recovery/svr"
	"github.com/ruteri/tee-secret-recovery/transport"
	"github.com/urfave/cli/v2"
)

var flagPassword = &cli.StringFlag{
	Name:     "password",
	EnvVars:  []string{"SVR3_PASSWORD"},
	Required: true,
	Usage:    "password protecting the secret",
}

var flagSecret = &cli.StringFlag{
	Name:  "secret",
	Usage: "secret to back up",
}

var flagSecretFile = &cli.StringFlag{
	Name:  "secret-file",
	Usage: "read the secret to back up from a file",
}

var flagMaxTries = &cli.UintFlag{
	Name:  "max-tries",
	Value: 10,
	Usage: "number of restore attempts before the secret is destroyed",
}

var flagShareStore = &cli.StringSliceFlag{
	Name:    "share-store",
	Value:   cli.NewStringSlice("file://./share-sets"),
	EnvVars: []string{"SVR3_SHARE_STORE"},
	Usage:   "storage location URIs (file://, s3://, vault://) for share sets; all are written, the first holding one is read",
}

func main() {
	app := &cli.App{
		Name:  "svr3",
		Usage: "Back up and restore a password-protected secret on replicated enclaves",
		Flags: append(append([]cli.Flag{flags.LogServiceFlagFn("svr3"), flagShareStore}, flags.CommonFlags...), flags.ClientFlags...),
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "store a secret and write its share set",
				Flags: []cli.Flag{flags.UIDFlag, flagPassword, flagSecret, flagSecretFile, flagMaxTries},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					secret, err := readSecret(cCtx)
					if err != nil {
						return err
					}
					maxTries, err := parseMaxTries(cCtx.Uint(flagMaxTries.Name))
					if err != nil {
						return err
					}

					store, err := newShareStore(cCtx, logger)
					if err != nil {
						return err
					}
					client, err := newClient(cCtx, logger)
					if err != nil {
						return err
					}
					uid, err := flags.UserID(cCtx)
					if err != nil {
						return err
					}

					return backupSecret(cCtx.Context, client, store, uid, []byte(cCtx.String(flagPassword.Name)), secret, maxTries, logger)
				},
			},
			{
				Name:  "restore",
				Usage: "restore a secret and print it to stdout",
				Flags: []cli.Flag{flags.UIDFlag, flagPassword},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					store, err := newShareStore(cCtx, logger)
					if err != nil {
						return err
					}
					client, err := newClient(cCtx, logger)
					if err != nil {
						return err
					}
					uid, err := flags.UserID(cCtx)
					if err != nil {
						return err
					}

					secret, err := restoreSecret(cCtx.Context, client, store, uid, []byte(cCtx.String(flagPassword.Name)), logger)
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(secret)
					return err
				},
			},
			{
				Name:  "remove",
				Usage: "delete the secret from every replica",
				Flags: []cli.Flag{flags.UIDFlag},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					store, err := newShareStore(cCtx, logger)
					if err != nil {
						return err
					}
					client, err := newClient(cCtx, logger)
					if err != nil {
						return err
					}
					uid, err := flags.UserID(cCtx)
					if err != nil {
						return err
					}
					if err := client.Remove(cCtx.Context, uid); err != nil {
						logger.Error("Remove failed", "err", err)
						return err
					}
					if err := store.Delete(cCtx.Context, uid); err != nil {
						logger.Warn("Secret removed but the share set could not be deleted", "err", err)
						return err
					}
					logger.Info("Secret removed")
					return nil
				},
			},
			{
				Name:  "environments",
				Usage: "list the embedded environments",
				Action: func(cCtx *cli.Context) error {
					fmt.Println(strings.Join(env.Names(), "\n"))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context, logger *slog.Logger) (*svr.Client, error) {
	e, err := flags.LoadEnvironment(cCtx)
	if err != nil {
		return nil, err
	}
	sgxSecret, nitroSecret, err := flags.Secrets(cCtx)
	if err != nil {
		return nil, err
	}

	client, err := e.Client(env.ClientConfig{
		Connector:   transport.NewWebSocketConnector(logger),
		SgxSecret:   sgxSecret,
		NitroSecret: nitroSecret,
		Options:     []connmgr.Option{connmgr.WithLogger(logger)},
	})
	if err != nil {
		return nil, err
	}
	client.Log = logger
	return client, nil
}

func readSecret(cCtx *cli.Context) ([]byte, error) {
	if path := cCtx.String(flagSecretFile.Name); path != "" {
		return os.ReadFile(path)
	}
	if !cCtx.IsSet(flagSecret.Name) {
		return nil, fmt.Errorf("one of --%s or --%s is required", flagSecret.Name, flagSecretFile.Name)
	}
	return []byte(cCtx.String(flagSecret.Name)), nil
}

func newShareStore(cCtx *cli.Context, logger *slog.Logger) (interfaces.StorageBackend, error) {
	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(flagShareStore.Name) {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	return storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
}

func parseMaxTries(v uint) (uint32, error) {
	if v == 0 || v > svr.MaxTries {
		return 0, fmt.Errorf("--%s: %d not in [1, %d]", flagMaxTries.Name, v, svr.MaxTries)
	}
	return uint32(v), nil
}

// backupSecret backs up secret and stores its share set. When the share set
// cannot be stored the new records are removed from the replicas again.
func backupSecret(ctx context.Context, client *svr.Client, store interfaces.StorageBackend, uid interfaces.UserID, password, secret []byte, maxTries uint32, logger *slog.Logger) error {
	shareSet, err := client.Backup(ctx, uid, password, secret, maxTries)
	if err != nil {
		logger.Error("Backup failed", "err", err)
		return err
	}

	data, err := shareSet.MarshalBinary()
	if err == nil {
		err = store.Store(ctx, uid, data)
	}
	if err != nil {
		logger.Error("Share set could not be stored, removing the backup", "err", err)
		if rmErr := client.Remove(context.WithoutCancel(ctx), uid); rmErr != nil {
			logger.Warn("Failed to remove the unrestorable backup", "err", rmErr)
		}
		return fmt.Errorf("storing share set: %w", err)
	}

	logger.Info("Secret backed up", "store", store.LocationURI(), "backupID", shareSet.BackupID)
	return nil
}

// restoreSecret restores the secret of uid with the stored share set. A
// share set whose records are gone is discarded.
func restoreSecret(ctx context.Context, client *svr.Client, store interfaces.StorageBackend, uid interfaces.UserID, password []byte, logger *slog.Logger) ([]byte, error) {
	shareSet, err := fetchShareSet(ctx, store, uid)
	if err != nil {
		logger.Error("No usable share set", "err", err)
		return nil, err
	}

	secret, err := client.Restore(ctx, uid, password, shareSet)
	switch {
	case errors.Is(err, svr.ErrDataMissing):
		logger.Error("Secret is gone, discarding the share set", "err", err)
		if delErr := store.Delete(ctx, uid); delErr != nil {
			logger.Warn("Failed to discard the share set", "err", delErr)
		}
		return nil, err
	case errors.Is(err, svr.ErrRestoreFailed):
		logger.Warn("Wrong password", "err", err)
		return nil, err
	case err != nil:
		logger.Error("Restore failed", "err", err)
		return nil, err
	}
	return secret, nil
}

func fetchShareSet(ctx context.Context, store interfaces.StorageBackend, uid interfaces.UserID) (*svr.ShareSet, error) {
	data, err := store.Fetch(ctx, uid)
	if errors.Is(err, interfaces.ErrShareSetNotFound) {
		return nil, fmt.Errorf("%w: no share set stored for %s in %s: %w", svr.ErrDataMissing, uid, store.LocationURI(), err)
	}
	if err != nil {
		return nil, err
	}
	shareSet := &svr.ShareSet{}
	if err := shareSet.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("share set from %s: %w", store.LocationURI(), err)
	}
	return shareSet, nil
}
