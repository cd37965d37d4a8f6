package fsx

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	defaultLockTimeout = 30 * time.Second
	lockRetry          = 10 * time.Millisecond
	lockStaleAfter     = 2 * time.Minute
)

var ErrLockTimeout = errors.New("lock timeout")

// AcquireLock takes a cross-process lock by exclusively creating lockPath.
// Locks older than two minutes are treated as abandoned and recovered.
func AcquireLock(lockPath string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	start := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated artifact path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			return func() {
				_ = os.Remove(lockPath)
			}, nil
		}
		if !isLockContention(err, lockPath) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if staleLock(lockPath, time.Now().UTC()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= timeout {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		time.Sleep(lockRetry)
	}
}

func isLockContention(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func staleLock(lockPath string, now time.Time) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > lockStaleAfter
}
