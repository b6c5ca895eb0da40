package manifest

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"lobreplay/pkg/exception"
)

const lockFileName = ".manifest.lock"

// fileLock is a cooperative cross-process lock built on exclusive file creation.
type fileLock struct {
	path     string
	timeout  time.Duration
	stale    time.Duration
	interval time.Duration
	now      func() time.Time
}

// acquire creates the lock file, waiting up to timeout. A lock file older than stale is
// assumed to belong to a crashed writer and is broken.
func (l fileLock) acquire() (release func(), err error) {
	deadline := l.now().Add(l.timeout)
	token := strconv.Itoa(os.Getpid()) + " " + uuid.NewString()
	for {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := file.WriteString(token + "\n")
			if cerr := file.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(l.path)
				return nil, fmt.Errorf("write manifest lock %s: %w", l.path, werr)
			}
			return func() { l.release(token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create manifest lock %s: %w", l.path, err)
		}

		if info, statErr := os.Stat(l.path); statErr == nil && l.expired(info) {
			if l.breakStale(info) {
				continue
			}
		}
		if !l.now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", exception.ErrLockTimeout, l.path, l.timeout)
		}
		time.Sleep(l.interval)
	}
}

func (l fileLock) expired(info os.FileInfo) bool {
	return l.stale > 0 && l.now().Sub(info.ModTime()) > l.stale
}

// breakStale moves the lock seen as expired aside under a unique name, then deletes it.
// Only one waiter can move a given file. When the moved file is not the one that was
// judged stale, a new holder got there first and its lock is linked back in place.
// It reports whether acquire should retry at once.
func (l fileLock) breakStale(seen os.FileInfo) bool {
	aside := l.path + ".stale-" + uuid.NewString()
	if err := os.Rename(l.path, aside); err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	defer func() { _ = os.Remove(aside) }()

	moved, err := os.Stat(aside)
	if err == nil && os.SameFile(seen, moved) {
		logs.Warnf("manifest: removed stale lock, path: %s, age: %s", l.path, l.now().Sub(seen.ModTime()))
		return true
	}
	if err := os.Link(aside, l.path); err != nil {
		logs.Errorf("manifest: restore lock moved by mistake, path: %s, err: %+v", l.path, err)
	}
	return false
}

// release removes the lock only while it still carries this holder's token.
func (l fileLock) release(token string) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logs.Warnf("manifest: release lock, path: %s, err: %+v", l.path, err)
		}
		return
	}
	if strings.TrimSpace(string(raw)) != token {
		logs.Warnf("manifest: lock was taken over before release, path: %s", l.path)
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logs.Warnf("manifest: release lock, path: %s, err: %+v", l.path, err)
	}
}
