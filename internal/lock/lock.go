// Package lock provides the run-level advisory lock: one flock'd file per
// runner name, so two sync processes never reconcile concurrently, plus a
// pid file naming the holder.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrHeld reports that a lock is held by another live process.
var ErrHeld = errors.New("lock: held by another process")

const (
	pidFilePermissions = 0o644
	lockDirPermissions = 0o755
)

// Provider is a named advisory lock.
type Provider interface {
	// Acquire takes the lock without blocking. acquired is false when
	// another process holds it.
	Acquire(name string) (acquired bool, err error)
	Release(name string) error
	IsHeld(name string) (bool, error)
}

// FileProvider implements Provider with flock(2) on <dir>/<name>.lock.
// <dir>/<name>.pid carries the holder's pid for status reporting and
// stale-lock removal.
type FileProvider struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*flock.Flock
}

// NewFileProvider returns a provider rooted at dir.
func NewFileProvider(dir string, logger *slog.Logger) *FileProvider {
	return &FileProvider{
		dir:    dir,
		logger: logger,
		held:   make(map[string]*flock.Flock),
	}
}

// Path returns the lock file for name.
func (p *FileProvider) Path(name string) string {
	return filepath.Join(p.dir, name+".lock")
}

// PIDPath returns the pid file for name.
func (p *FileProvider) PIDPath(name string) string {
	return filepath.Join(p.dir, name+".pid")
}

// Acquire implements Provider.
func (p *FileProvider) Acquire(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[name]; ok {
		return true, nil
	}

	if err := os.MkdirAll(p.dir, lockDirPermissions); err != nil {
		return false, fmt.Errorf("lock: creating %s: %w", p.dir, err)
	}

	fl := flock.New(p.Path(name))

	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock: %s: %w", fl.Path(), err)
	}

	if !locked {
		return false, nil
	}

	if err := writePID(p.PIDPath(name)); err != nil {
		fl.Unlock() //nolint:errcheck // the pid error is what surfaces

		return false, fmt.Errorf("lock: %w", err)
	}

	p.held[name] = fl
	p.logger.Debug("lock acquired", slog.String("name", name), slog.String("path", fl.Path()))

	return true, nil
}

// Release implements Provider. Releasing a lock this process does not hold
// is a no-op.
func (p *FileProvider) Release(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fl, ok := p.held[name]
	if !ok {
		return nil
	}

	delete(p.held, name)

	// Remove before unlocking so a waiter never locks a file about to vanish.
	removeErr := removeIfExists(p.PIDPath(name))
	if err := removeIfExists(p.Path(name)); removeErr == nil {
		removeErr = err
	}

	unlockErr := fl.Unlock()

	p.logger.Debug("lock released", slog.String("name", name))

	if removeErr != nil {
		return fmt.Errorf("lock: %w", removeErr)
	}

	if unlockErr != nil {
		return fmt.Errorf("lock: unlocking %s: %w", p.Path(name), unlockErr)
	}

	return nil
}

// IsHeld implements Provider. A lock held by this process reports true.
func (p *FileProvider) IsHeld(name string) (bool, error) {
	p.mu.Lock()
	_, mine := p.held[name]
	p.mu.Unlock()

	if mine {
		return true, nil
	}

	path := p.Path(name)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("lock: %w", err)
	}

	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock: probing %s: %w", path, err)
	}

	if !locked {
		return true, nil
	}

	fl.Unlock() //nolint:errcheck // probe only

	return false, nil
}

// Holder returns the pid recorded for name. ok is false when no pid file
// exists.
func (p *FileProvider) Holder(name string) (pid int, ok bool, err error) {
	path := p.PIDPath(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("lock: reading %s: %w", path, err)
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, true, fmt.Errorf("lock: invalid pid in %s: %w", path, err)
	}

	return pid, true, nil
}

// Remove deletes a stale lock. It refuses while the lock is held, and
// while the recorded pid is still alive unless force is set.
func (p *FileProvider) Remove(name string, force bool) error {
	held, err := p.IsHeld(name)
	if err != nil {
		return err
	}

	if held {
		return fmt.Errorf("%w: %s", ErrHeld, p.Path(name))
	}

	pid, ok, err := p.Holder(name)
	if ok && err == nil && ProcessAlive(pid) && !force {
		return fmt.Errorf("%w: pid %d is alive (use --force if it is not a sync process)", ErrHeld, pid)
	}

	removed := false

	for _, path := range []string{p.PIDPath(name), p.Path(name)} {
		if _, statErr := os.Stat(path); statErr == nil {
			removed = true
		}

		if err := removeIfExists(path); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
	}

	if removed {
		p.logger.Info("stale lock removed", slog.String("name", name), slog.Int("pid", pid))
	}

	return nil
}

// AcquireRun takes the runner's own lock, then verifies that no sibling
// runner holds its lock. The returned release func is safe to call once on
// every exit path.
func AcquireRun(p Provider, name string, siblings []string) (release func(), err error) {
	ok, err := p.Acquire(name)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, name)
	}

	release = func() {
		p.Release(name) //nolint:errcheck // best effort on exit
	}

	for _, sib := range siblings {
		if sib == "" || sib == name {
			continue
		}

		held, err := p.IsHeld(sib)
		if err != nil {
			release()
			return nil, err
		}

		if held {
			release()
			return nil, fmt.Errorf("%w: sibling runner %s is active", ErrHeld, sib)
		}
	}

	return release, nil
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))

	return err == nil || errors.Is(err, syscall.EPERM)
}

func writePID(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), pidFilePermissions); err != nil {
		return fmt.Errorf("writing pid file %s: %w", path, err)
	}

	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}

	return nil
}
