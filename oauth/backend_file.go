package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// fileRecord is the on-disk shape of the token record.
type fileRecord struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiredOn    int64  `json:"expiredOn"`
}

// FileBackend keeps the token record in a JSON file readable only by its
// owner. Writes go through a temp file and an atomic rename under a lock file.
type FileBackend struct {
	path   string
	logger *slog.Logger
}

// NewFileBackend returns a backend storing the record at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, logger: slog.Default()}
}

// Path returns the token file location.
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(_ context.Context) (Token, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Token{}, ErrNoToken
	}
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Token{}, fmt.Errorf("failed to parse token file: %w", err)
	}
	return Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiredOn,
	}, nil
}

func (b *FileBackend) Save(ctx context.Context, token Token) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	lock, err := acquireFileLock(ctx, b.path)
	if err != nil {
		return err
	}
	defer b.releaseLock(lock)

	data, err := json.MarshalIndent(fileRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiredOn:    token.ExpiresAt,
	}, "", "  ")
	if err != nil {
		return err
	}

	tempFile := b.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, b.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (b *FileBackend) Clear(ctx context.Context) error {
	lock, err := acquireFileLock(ctx, b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// directory never created, nothing stored
			return nil
		}
		return err
	}
	defer b.releaseLock(lock)

	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

func (b *FileBackend) releaseLock(lock *fileLock) {
	if err := lock.release(); err != nil {
		b.logger.Warn("failed to release token file lock", "path", b.path, "error", err)
	}
}
