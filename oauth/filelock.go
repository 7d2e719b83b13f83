package oauth

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive lock held through a sibling ".lock" file so that
// several processes sharing one token file do not interleave writes.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock waits until the lock for filePath is free or ctx is done.
// Locks older than lockStaleAfter are considered abandoned and removed.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID for debugging stuck locks
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{
				lockFile: lockFile,
				lockPath: lockPath,
			}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf(
					"failed to remove stale lock file %s: %w",
					lockPath,
					remErr,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for file lock %s: %w", lockPath, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}
}

// release closes and removes the lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
	}
	return os.Remove(fl.lockPath)
}
