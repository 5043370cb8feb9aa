package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// FileBackend stores one file per user under a base directory.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend, creating baseDir if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the share set of uid.
func (b *FileBackend) Fetch(ctx context.Context, uid interfaces.UserID) ([]byte, error) {
	filePath := b.getFilePath(uid)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrShareSetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched share set from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes the share set of uid through a temporary file so readers
// never observe a partial write.
func (b *FileBackend) Store(ctx context.Context, uid interfaces.UserID, data []byte) error {
	filePath := b.getFilePath(uid)

	tmp, err := os.CreateTemp(b.baseDir, ".share-set-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored share set in file",
		slog.String("path", filePath),
		slog.String("uid", uid.Short()))

	return nil
}

// Delete removes the share set of uid.
func (b *FileBackend) Delete(ctx context.Context, uid interfaces.UserID) error {
	err := os.Remove(b.getFilePath(uid))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Available checks that the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(uid interfaces.UserID) string {
	return filepath.Join(b.baseDir, uid.String())
}
