package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"stackops/internal/errors"
	"stackops/internal/logging"
)

// LockFileName is the lock's file name inside the lock directory
const LockFileName = "deploy.lock"

// LockInfo identifies the holder of a deploy lock
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	User       string    `json:"user"`
	Version    string    `json:"version"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock guards concurrent deploys to the same target. Acquisition is
// atomic (exclusive create); a lock whose recorded holder process is
// gone is stale and gets reclaimed.
type Lock struct {
	path   string
	logger *logging.Logger
	held   bool

	pidAlive func(pid int32) (bool, error)
}

// NewLock creates a lock rooted in the given directory
func NewLock(dir string, logger *logging.Logger) *Lock {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Lock{
		path:     filepath.Join(dir, LockFileName),
		logger:   logger,
		pidAlive: process.PidExists,
	}
}

// Path returns the lock file location
func (l *Lock) Path() string { return l.path }

// Held reports whether this process currently holds the lock
func (l *Lock) Held() bool { return l.held }

// currentInfo describes this process as a lock holder
func currentInfo(version string) LockInfo {
	info := LockInfo{
		PID:        os.Getpid(),
		Version:    version,
		AcquiredAt: time.Now().UTC(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if u, err := user.Current(); err == nil {
		info.User = u.Username
	}
	return info
}

// Holder reads the lock file; returns nil without error when no lock
// exists
func (l *Lock) Holder() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageError("cannot read lock file", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// unreadable lock content counts as stale
		return &LockInfo{}, nil
	}
	return &info, nil
}

// IsStale reports whether the recorded holder is no longer alive
func (l *Lock) IsStale(info *LockInfo) bool {
	if info == nil {
		return false
	}
	if info.PID <= 0 {
		return true
	}
	alive, err := l.pidAlive(int32(info.PID))
	if err != nil {
		return false
	}
	return !alive
}

// Acquire atomically creates the lock. A live lock held by someone
// else aborts unless force is set; a stale lock is reclaimed with a
// warning.
func (l *Lock) Acquire(version string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.NewStorageError("cannot create lock directory", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			info := currentInfo(version)
			data, merr := json.MarshalIndent(info, "", "  ")
			if merr == nil {
				_, merr = f.Write(data)
			}
			f.Close()
			if merr != nil {
				os.Remove(l.path)
				return errors.NewStorageError("cannot write lock file", merr)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return errors.NewStorageError("cannot create lock file", err)
		}

		holder, herr := l.Holder()
		if herr != nil {
			return herr
		}
		if holder == nil {
			// lock vanished between the failed create and the read
			continue
		}

		switch {
		case l.IsStale(holder):
			l.logger.Warnf("Reclaiming stale lock left by pid %d on %s", holder.PID, holder.Hostname)
		case force:
			l.logger.Warnf("Forcibly replacing live lock held by pid %d (%s@%s)", holder.PID, holder.User, holder.Hostname)
		default:
			return errors.NewLockedError(fmt.Sprintf(
				"deploy already in progress: pid %d (%s@%s) holds the lock since %s",
				holder.PID, holder.User, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339)))
		}

		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return errors.NewStorageError("cannot remove stale lock file", err)
		}
	}

	return errors.NewLockedError("could not acquire deploy lock after reclaiming stale one")
}

// Release removes the lock if this process holds it
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError("cannot remove lock file", err)
	}
	return nil
}
