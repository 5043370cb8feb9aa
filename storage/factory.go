package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{
		log: logger,
	}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - Vault KV v2 secrets engine
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	u, err := url.Parse(string(locationURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	case "file":
		return sf.createFileBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Unlike a partially configured replica set, a missing share set backend
// silently loses data, so every URI must be valid.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if len(locationURIs) == 0 {
		return nil, fmt.Errorf("%w: no storage backends configured", interfaces.ErrInvalidLocationURI)
	}

	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", uri, err)
		}
		backends = append(backends, backend)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain is used.
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	query := u.Query()
	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}

	return NewS3Backend(cfg, sf.log)
}

// createVaultBackend creates a Vault KV v2 backend.
// URI format: vault://[TOKEN@]host:port/mount/path?tls=false&ca=ca.pem&cert=client.pem&key=client.key
// The first path segment is the KV mount.
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", u.Host))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	cfg := VaultConfig{
		Address:    fmt.Sprintf("%s://%s", scheme, u.Host),
		MountPath:  mount,
		DataPath:   dataPath,
		CACert:     query.Get("ca"),
		ClientCert: query.Get("cert"),
		ClientKey:  query.Get("key"),
	}
	if u.User != nil {
		cfg.Token = u.User.Username()
	}

	return NewVaultBackend(cfg, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, sf.log)
}
