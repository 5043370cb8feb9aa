package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// VaultBackend stores share sets in a Vault KV v2 mount.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultConfig selects the server, the KV v2 mount and the credentials.
// Without a token the client falls back to VAULT_TOKEN. ClientCert and
// ClientKey enable TLS client certificate authentication.
type VaultConfig struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	CACert     string
	ClientCert string
	ClientKey  string
}

// NewVaultBackend creates a Vault backend. No request is made until first
// use.
func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.Timeout = 30 * time.Second

	if cfg.CACert != "" || cfg.ClientCert != "" {
		err := config.ConfigureTLS(&api.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	dataPath := strings.Trim(cfg.DataPath, "/")
	if mountPath == "" {
		return nil, fmt.Errorf("%w: missing Vault mount path", interfaces.ErrInvalidLocationURI)
	}

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Fetch reads the share set of uid.
func (b *VaultBackend) Fetch(ctx context.Context, uid interfaces.UserID) ([]byte, error) {
	start := time.Now()
	path := b.secretPath("data", uid)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrShareSetNotFound
	}

	// KV v2 nests the payload and reports deleted versions with nil data
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, interfaces.ErrShareSetNotFound
	}
	encoded, ok := data["share_set"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid share set format in Vault data at %s", path)
	}
	shareSet, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid share set encoding in Vault data at %s: %w", path, err)
	}

	b.log.Debug("Fetched share set from Vault",
		slog.String("uid", uid.Short()),
		slog.Duration("duration", time.Since(start)))

	return shareSet, nil
}

// Store writes a new version of the share set of uid.
func (b *VaultBackend) Store(ctx context.Context, uid interfaces.UserID, data []byte) error {
	path := b.secretPath("data", uid)

	_, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"share_set": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored share set in Vault", slog.String("uid", uid.Short()))
	return nil
}

// Delete destroys every version of the share set of uid.
func (b *VaultBackend) Delete(ctx context.Context, uid interfaces.UserID) error {
	path := b.secretPath("metadata", uid)

	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(kind string, uid interfaces.UserID) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", b.mountPath, kind, uid.String())
	}
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.dataPath, uid.String())
}
