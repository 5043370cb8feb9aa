package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend using multiple backends with fallback
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the share set from the first available backend holding it.
// ErrShareSetNotFound is returned only when every backend reports it
// missing; an unreachable backend might still hold it.
func (m *MultiStorageBackend) Fetch(ctx context.Context, uid interfaces.UserID) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("uid", uid.Short()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, uid)
		if err == nil {
			m.log.Debug("Fetched share set",
				slog.String("backend_name", backend.Name()),
				slog.String("uid", uid.Short()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrShareSetNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("uid", uid.Short()),
			"err", err)
	}

	if notFound > 0 && notFound == len(errs) {
		return nil, interfaces.ErrShareSetNotFound
	}

	m.log.Error("All backends failed to fetch share set",
		slog.String("uid", uid.Short()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch share set: %w", errors.Join(errs...))
}

// Store saves the share set to all available backends and succeeds when
// at least one of them accepted it.
func (m *MultiStorageBackend) Store(ctx context.Context, uid interfaces.UserID, data []byte) error {
	start := time.Now()
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		if err := backend.Store(ctx, uid, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store share set",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to store share set: %w", errors.Join(errs...))
	}

	m.log.Info("Stored share set",
		slog.String("uid", uid.Short()),
		slog.Int("backends", stored),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Delete removes the share set from every backend. Unavailable backends
// are reported since they would resurrect a deleted share set.
func (m *MultiStorageBackend) Delete(ctx context.Context, uid interfaces.UserID) error {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		if err := backend.Delete(ctx, uid); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the URI of this backend
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
