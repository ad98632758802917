// Package mirror manages the daemon's server-side checkout tree (spec
// §3 ServerMirror): <workingDir>/<project>/<userJID>/, guarded by a
// sync-in-progress sentinel and a quarantine sentinel.
package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	baboonerrors "github.com/baboon-sync/baboon/internal/errors"
	"github.com/gofrs/flock"
)

// syncLockName is the sentinel that prevents merge verification while
// a sync batch is in progress.
const syncLockName = ".baboon.lock"

// quarantineLockName marks a mirror corrupted until explicitly cleared.
const quarantineLockName = ".lock"

// Mirror is one user's checkout of one project, exclusively owned by
// the daemon and mutated only by tasks running under that project's
// executor thread.
type Mirror struct {
	Root string

	syncLock *flock.Flock
}

// Path returns the on-disk root for a given project/user pair.
func Path(workingDir, project, userJID string) string {
	return filepath.Join(workingDir, project, userJID)
}

// Open returns a Mirror handle for an existing or not-yet-created
// checkout root. It does not itself create the directory; git-init is
// responsible for that (spec §4.3 session setup precedes any sync).
func Open(workingDir, project, userJID string) *Mirror {
	root := Path(workingDir, project, userJID)
	return &Mirror{
		Root:     root,
		syncLock: flock.New(filepath.Join(root, syncLockName)),
	}
}

// Lock acquires the sync-in-progress sentinel, blocking until no merge
// verification or other sync holds it. Ensures Root exists first.
func (m *Mirror) Lock() error {
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return baboonerrors.InternalErr("create mirror root", err)
	}
	if err := m.syncLock.Lock(); err != nil {
		return baboonerrors.InternalErr("acquire sync lock", err)
	}
	return nil
}

// TryLock attempts to acquire the sync-in-progress sentinel without
// blocking, used by merge verification to skip a mirror mid-sync
// rather than wait for it.
func (m *Mirror) TryLock() (bool, error) {
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return false, baboonerrors.InternalErr("create mirror root", err)
	}
	ok, err := m.syncLock.TryLock()
	if err != nil {
		return false, baboonerrors.InternalErr("try sync lock", err)
	}
	return ok, nil
}

// Unlock releases the sync-in-progress sentinel.
func (m *Mirror) Unlock() error {
	return m.syncLock.Unlock()
}

// IsQuarantined reports whether the mirror carries the corruption
// sentinel and is therefore not eligible for sync or merge work.
func (m *Mirror) IsQuarantined() bool {
	_, err := os.Stat(filepath.Join(m.Root, quarantineLockName))
	return err == nil
}

// Quarantine writes the corruption sentinel, recording the triggering
// error and timestamp, so the mirror is skipped by every subsequent
// task until ClearQuarantine is called.
func (m *Mirror) Quarantine(cause error) error {
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return baboonerrors.InternalErr("create mirror root", err)
	}
	note := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), cause)
	path := filepath.Join(m.Root, quarantineLockName)
	if err := os.WriteFile(path, []byte(note), 0o644); err != nil {
		return baboonerrors.InternalErr("write quarantine sentinel", err)
	}
	return nil
}

// ClearQuarantine removes the corruption sentinel, admitting the
// mirror back into rotation. Operators call this after re-cloning or
// otherwise repairing the checkout; Baboon never clears it on its own.
func (m *Mirror) ClearQuarantine() error {
	err := os.Remove(filepath.Join(m.Root, quarantineLockName))
	if err != nil && !os.IsNotExist(err) {
		return baboonerrors.InternalErr("clear quarantine sentinel", err)
	}
	return nil
}

// ResolvePath enforces the path-safety invariant (spec §4.3): the
// normalized absolute path of relPath under the mirror must remain
// strictly within Root.
func (m *Mirror) ResolvePath(relPath string) (string, error) {
	root, err := filepath.Abs(m.Root)
	if err != nil {
		return "", baboonerrors.InternalErr("resolve mirror root", err)
	}
	candidate := filepath.Join(root, relPath)
	candidate = filepath.Clean(candidate)

	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", baboonerrors.PathEscapeErr(fmt.Sprintf("path %q escapes mirror root", relPath))
	}
	return candidate, nil
}
