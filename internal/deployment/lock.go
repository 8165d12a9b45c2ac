package deployment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"canarybox/internal/fault"
	"canarybox/internal/security"
	"canarybox/pkg/fileutil"
)

// LockFile is the cross-process deployment lock under the site state dir.
const LockFile = "deploy.lock"

// LockManager manages per-site locks within one process, e.g. between
// backup tiers whose schedules fire at the same minute.
//
// This uses a two-level locking strategy:
// 1. The outer mutex (mu) protects the locks map itself from concurrent access
// 2. Each site has its own mutex for actual locking
type LockManager struct {
	mu    sync.Mutex             // Protects the locks map
	locks map[string]*sync.Mutex // Per-site locks
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock attempts to acquire the lock for the given site without blocking.
func (lm *LockManager) TryLock(siteName string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[siteName]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[siteName] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for the given site. Unknown sites are a no-op.
func (lm *LockManager) Unlock(siteName string) {
	lm.mu.Lock()
	lock := lm.locks[siteName]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}

// Holder describes the process owning a lock file.
type Holder struct {
	PID       int       `json:"pid"`
	Operator  string    `json:"operator"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

func (h *Holder) String() string {
	return fmt.Sprintf("%s (pid %d on %s) since %s", h.Operator, h.PID, h.Host, h.StartedAt.Format(time.RFC3339))
}

// FileLock is an O_EXCL lock file holding the owner's pid. A lock whose
// pid no longer runs on this host is stale and may be reclaimed.
type FileLock struct {
	path  string
	host  string
	pid   int
	alive func(pid int) bool
	now   func() time.Time
}

func NewFileLock(stateDir string) *FileLock {
	host, _ := os.Hostname()
	return &FileLock{
		path:  filepath.Join(stateDir, LockFile),
		host:  host,
		pid:   os.Getpid(),
		alive: processAlive,
		now:   time.Now,
	}
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Path returns the lock file location.
func (l *FileLock) Path() string { return l.path }

// Acquire takes the lock for operator. When a stale lock was removed on
// the way, its holder is returned so the caller can report it.
func (l *FileLock) Acquire(operator string) (reclaimed *Holder, err error) {
	if err := security.CreateSecureDir(filepath.Dir(l.path), security.PermDirectory); err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "create state directory")
	}
	data, err := json.Marshal(Holder{PID: l.pid, Operator: operator, Host: l.host, StartedAt: l.now().UTC()})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := fileutil.CreateFileAtomic(l.path, data, security.PermStateFile)
		if err == nil {
			return reclaimed, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		h, herr := l.Holder()
		if herr != nil {
			return nil, fault.Wrap(fault.CodeLocked, herr, "lock file %s exists", l.path)
		}
		if h == nil {
			// Released between our create and read
			continue
		}
		if h.Host != l.host || l.alive(h.PID) {
			return nil, fault.New(fault.CodeLocked, "site is locked by %s", h)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		reclaimed = h
	}
	return nil, fault.New(fault.CodeLocked, "lock file %s keeps reappearing", l.path)
}

// Release removes the lock if this process owns it.
func (l *FileLock) Release() error {
	h, err := l.Holder()
	if err != nil || h == nil {
		return err
	}
	if h.PID != l.pid || h.Host != l.host {
		return fmt.Errorf("lock is owned by %s", h)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Holder reads the current owner, or nil when the site is unlocked.
func (l *FileLock) Holder() (*Holder, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("corrupt lock file %s: %w", l.path, err)
	}
	return &h, nil
}
