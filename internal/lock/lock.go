// Package lock enforces one daemon per session directory with a
// flock-backed lock file. The kernel drops the flock when the holder
// dies, so a crashed daemon never wedges its session.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockHeldError is returned when another daemon holds the session lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session already in use by process %d (%s)", e.PID, e.Path)
}

// ownerInfo is the lock file body. Purely diagnostic: the flock is the
// actual mutual exclusion, the file content only names the holder.
type ownerInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an acquired session lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on the session directory. Returns
// LockHeldError naming the holding process if another daemon has it.
func Acquire(sessionDir string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, "LOCK")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readOwner(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{PID: holder.PID, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	body, err := json.Marshal(ownerInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Write(append(body, '\n')); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove the file before closing to avoid stale lock files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// readOwner parses the holder from the lock file. A missing or mangled
// file yields PID 0; the error message then still names the path.
func readOwner(path string) ownerInfo {
	var info ownerInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info
	}
	_ = json.Unmarshal(data, &info)
	return info
}
