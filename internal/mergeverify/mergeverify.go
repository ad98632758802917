// Package mergeverify runs the speculative three-way merge check (spec
// §4.5): for every non-owner mirror of a project, fetch the owning
// user's commits, compute the diff since their common ancestor, and
// test whether that diff applies cleanly. Each check runs in its own
// disposable `git worktree add --detach` checkout off the user's
// mirror, so concurrent verifications never collide over a shared
// remote name or mutate the mirror the watcher is syncing into. The
// `git` binary is shelled out to throughout — for the worktree itself,
// for `diff --binary --full-index`, and for `apply --check`, since
// go-git can create neither — the same reason the original
// implementation shells out via GitPython.
package mergeverify

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	baboonerrors "github.com/baboon-sync/baboon/internal/errors"
	"github.com/baboon-sync/baboon/internal/mirror"
	"github.com/go-git/go-git/v5"
)

// Status is the outcome of verifying one (owner, user) pair.
type Status string

const (
	// StatusOK means the owner's changes apply cleanly against user.
	StatusOK Status = "ok"
	// StatusConflict means applying the owner's diff would conflict.
	StatusConflict Status = "conflict"
)

// Result is the per-user outcome of a merge verification run,
// corresponding to one spec §3 MergeStatus. Resolved is set when this
// OK verdict follows a Conflict verdict for the same (owner, user)
// pair on a previous run. Err carries the raw failure behind a
// Conflict synthesized from a verifyUser error (e.g. KindCorrupt when
// the user mirror itself is unreadable), so callers can distinguish
// "real" merge conflicts from an unrecoverable mirror.
type Result struct {
	Project       string
	User          string
	Status        Status
	ConflictFiles []string
	Resolved      bool
	Err           error
}

// pairKey identifies one (project, owner, user) verification pair for
// conflict-state tracking across runs.
type pairKey struct {
	project string
	owner   string
	user    string
}

// Verifier runs merge verification across every user mirror of a
// project rooted under WorkingDir.
type Verifier struct {
	WorkingDir string
	GitBin     string

	mu         sync.Mutex
	inConflict map[pairKey]bool
}

// markConflict records whether (project, owner, user) is currently in
// conflict, so the next OK verdict for that pair can be reported as a
// resolution instead of a bare OK.
func (v *Verifier) markConflict(key pairKey, conflicted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.inConflict == nil {
		v.inConflict = make(map[pairKey]bool)
	}
	if conflicted {
		v.inConflict[key] = true
	} else {
		delete(v.inConflict, key)
	}
}

func (v *Verifier) wasConflicting(key pairKey) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inConflict[key]
}

// New creates a Verifier. gitBin overrides the `git` binary path; an
// empty string uses "git" from $PATH.
func New(workingDir, gitBin string) *Verifier {
	if gitBin == "" {
		gitBin = "git"
	}
	return &Verifier{WorkingDir: workingDir, GitBin: gitBin}
}

// Verify checks ownerJID's mirror against every other mirror listed in
// userJIDs, skipping any user mirror that is quarantined. A locked or
// quarantined owner mirror fails the whole call; a user mirror that is
// locked (sync in progress) yields a Conflict Result whose Err says so.
// A failed check always yields a Result — OK or
// Conflict — never a silently dropped user (spec §7: "A merge verdict
// is never suppressed"). Each user is checked by its own short-lived
// worker goroutine, all joined before Verify returns (spec §4.5: "For
// each U, executed concurrently as independent tasks, joined before
// reporting").
func (v *Verifier) Verify(ctx context.Context, project, ownerJID string, userJIDs []string) ([]Result, error) {
	ownerPath := mirror.Path(v.WorkingDir, project, ownerJID)
	if _, err := os.Stat(ownerPath); err != nil {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("owner mirror %s not found", ownerPath), err)
	}

	ownerMirror := mirror.Open(v.WorkingDir, project, ownerJID)
	if ownerMirror.IsQuarantined() {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("owner mirror %s is quarantined", ownerPath), nil)
	}
	if ok, err := ownerMirror.TryLock(); err != nil {
		return nil, err
	} else if !ok {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("owner mirror %s is locked", ownerPath), nil)
	}
	defer func() { _ = ownerMirror.Unlock() }()

	branch, err := currentBranch(ownerPath)
	if err != nil {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("read owner HEAD for %s", ownerPath), err)
	}

	slots := make([]*Result, len(userJIDs))
	var wg sync.WaitGroup
	for i, userJID := range userJIDs {
		if userJID == ownerJID {
			continue
		}
		if mirror.Open(v.WorkingDir, project, userJID).IsQuarantined() {
			continue
		}

		wg.Add(1)
		go func(i int, userJID string) {
			defer wg.Done()
			res, err := v.verifyUser(ctx, project, ownerJID, ownerPath, branch, userJID)
			if err != nil {
				// A per-user failure becomes a Conflict Result carrying Err
				// and does not abort verification of the remaining users.
				res = &Result{Project: project, User: userJID, Status: StatusConflict, ConflictFiles: []string{err.Error()}, Err: err}
			}
			slots[i] = res
		}(i, userJID)
	}
	wg.Wait()

	var results []Result
	for _, res := range slots {
		if res == nil {
			continue
		}
		key := pairKey{project: project, owner: ownerJID, user: res.User}
		wasConflicting := v.wasConflicting(key)
		if res.Status == StatusConflict {
			v.markConflict(key, true)
		} else {
			v.markConflict(key, false)
			if wasConflicting {
				res.Resolved = true
			}
		}
		results = append(results, *res)
	}

	return results, nil
}

func (v *Verifier) verifyUser(ctx context.Context, project, ownerJID, ownerPath, branch, userJID string) (*Result, error) {
	userPath := mirror.Path(v.WorkingDir, project, userJID)
	if _, err := os.Stat(userPath); err != nil {
		return nil, fmt.Errorf("user mirror %s not found: %w", userPath, err)
	}

	userMirror := mirror.Open(v.WorkingDir, project, userJID)
	if userMirror.IsQuarantined() {
		return nil, fmt.Errorf("user mirror %s is quarantined", userPath)
	}
	locked, err := userMirror.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("user mirror %s is locked", userPath)
	}
	defer func() { _ = userMirror.Unlock() }()

	if _, err := git.PlainOpen(userPath); err != nil {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("open user repo %s", userPath), err)
	}

	// Owner and user each get their own disposable worktree so a
	// Baboon commit of whatever's uncommitted in the mirror can
	// participate in the diff without ever touching the shared
	// mirror's HEAD (spec: mirrors stay at whatever commit the watcher
	// last synced to).
	ownerWorktree, err := newDisposableWorktree(ctx, v.GitBin, ownerPath, branch)
	if err != nil {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("worktree for owner mirror %s", ownerPath), err)
	}
	defer ownerWorktree.remove()

	userWorktree, err := newDisposableWorktree(ctx, v.GitBin, userPath, "")
	if err != nil {
		return nil, baboonerrors.CorruptErr(fmt.Sprintf("worktree for user mirror %s", userPath), err)
	}
	defer userWorktree.remove()

	// git worktree add only checks out committed history, so the
	// mirror's actual (possibly dirty) working tree is mirrored into
	// the worktree by hand before the Baboon commit — otherwise
	// uncommitted edits the watcher already synced would never reach
	// the diff.
	if err := syncWorkingTree(ownerPath, ownerWorktree.dir); err != nil {
		return nil, fmt.Errorf("sync owner mirror contents: %w", err)
	}
	if err := syncWorkingTree(userPath, userWorktree.dir); err != nil {
		return nil, fmt.Errorf("sync user mirror contents: %w", err)
	}

	if err := commitUncommitted(ctx, v.GitBin, ownerWorktree.dir); err != nil {
		return nil, fmt.Errorf("commit owner mirror contents: %w", err)
	}
	if err := commitUncommitted(ctx, v.GitBin, userWorktree.dir); err != nil {
		return nil, fmt.Errorf("commit user mirror contents: %w", err)
	}

	if _, err := runGit(ctx, userWorktree.dir, v.GitBin, "fetch", ownerWorktree.dir, "HEAD"); err != nil {
		return nil, fmt.Errorf("fetch owner worktree: %w", err)
	}

	mergeBase, err := runGit(ctx, userWorktree.dir, v.GitBin, "merge-base", "HEAD", "FETCH_HEAD")
	if err != nil {
		return nil, fmt.Errorf("merge-base: %w", err)
	}
	mergeBase = strings.TrimSpace(mergeBase)

	diff, err := runGit(ctx, userWorktree.dir, v.GitBin, "diff", "--binary", "--full-index", mergeBase, "FETCH_HEAD")
	if err != nil {
		return nil, fmt.Errorf("diff against merge-base: %w", err)
	}

	if strings.TrimSpace(diff) == "" {
		return &Result{Project: project, User: userJID, Status: StatusOK}, nil
	}

	conflictFiles, applyErr := checkApplies(ctx, userWorktree.dir, v.GitBin, diff)
	if applyErr != nil {
		return &Result{Project: project, User: userJID, Status: StatusConflict, ConflictFiles: conflictFiles}, nil
	}

	return &Result{Project: project, User: userJID, Status: StatusOK}, nil
}

// disposableWorktree is a detached `git worktree` checkout used for one
// verifyUser call and torn down immediately after.
type disposableWorktree struct {
	repoPath string
	parent   string
	dir      string
	gitBin   string
}

// newDisposableWorktree adds a detached worktree for repoPath at ref
// (HEAD if ref is empty). `git worktree add` refuses a target path that
// already exists, so the worktree directory itself is left for git to
// create inside a fresh empty parent.
func newDisposableWorktree(ctx context.Context, gitBin, repoPath, ref string) (*disposableWorktree, error) {
	parent, err := os.MkdirTemp("", "baboon-merge-*")
	if err != nil {
		return nil, fmt.Errorf("create worktree parent dir: %w", err)
	}
	dir := filepath.Join(parent, "wt")

	args := []string{"worktree", "add", "--detach", dir}
	if ref != "" {
		args = append(args, ref)
	}
	if _, err := runGit(ctx, repoPath, gitBin, args...); err != nil {
		_ = os.RemoveAll(parent)
		return nil, err
	}
	return &disposableWorktree{repoPath: repoPath, parent: parent, dir: dir, gitBin: gitBin}, nil
}

// remove prunes the worktree registration and deletes its directory.
// It uses a background context so cleanup always runs even when the
// call that created it was cancelled.
func (w *disposableWorktree) remove() {
	_, _ = runGit(context.Background(), w.repoPath, w.gitBin, "worktree", "remove", "--force", w.dir)
	_ = os.RemoveAll(w.parent)
}

// baboonVerifyEnv is the synthetic author/committer identity used for
// the throwaway commit staged in a disposable worktree, so
// verification never depends on whatever (if any) user.name/
// user.email a mirror's git config carries.
var baboonVerifyEnv = []string{
	"GIT_AUTHOR_NAME=baboon-verify", "GIT_AUTHOR_EMAIL=baboon-verify@localhost",
	"GIT_COMMITTER_NAME=baboon-verify", "GIT_COMMITTER_EMAIL=baboon-verify@localhost",
}

// syncWorkingTree replaces dstRoot's working tree (everything but
// .git) with a copy of srcRoot's, so a disposable worktree sees
// whatever the mirror actually holds on disk right now rather than
// just its last commit. The mirror's own sentinel files (.baboon.lock
// and .lock) are not copied, so they never enter the diff.
func syncWorkingTree(srcRoot, dstRoot string) error {
	existing, err := os.ReadDir(dstRoot)
	if err != nil {
		return fmt.Errorf("read worktree dir: %w", err)
	}
	for _, e := range existing {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dstRoot, e.Name())); err != nil {
			return fmt.Errorf("clear worktree entry %s: %w", e.Name(), err)
		}
	}

	return filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(srcRoot, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dstRoot, rel), 0o755)
		}
		if rel == ".baboon.lock" || rel == ".lock" {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		return os.WriteFile(filepath.Join(dstRoot, rel), data, info.Mode().Perm())
	})
}

// commitUncommitted stages and commits whatever's dirty in dir so
// uncommitted mirror content participates in the merge-base diff, the
// Go equivalent of the original's throwaway "Baboon commit". A clean
// worktree is left untouched.
func commitUncommitted(ctx context.Context, gitBin, dir string) error {
	if _, err := runGit(ctx, dir, gitBin, "add", "-A"); err != nil {
		return fmt.Errorf("stage mirror contents: %w", err)
	}

	status, err := runGit(ctx, dir, gitBin, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("check worktree status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, gitBin, "commit", "--no-verify", "-m", "baboon-verify")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), baboonVerifyEnv...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("commit mirror contents: %w (%s)", err, out.String())
	}
	return nil
}

// checkApplies writes diff to a temp file and runs `git apply --check`
// against it in repoPath, returning the parsed conflict file list if
// the patch cannot be applied cleanly.
func checkApplies(ctx context.Context, repoPath, gitBin, diff string) ([]string, error) {
	tmp, err := os.CreateTemp("", "baboon-merge-*.diff")
	if err != nil {
		return nil, fmt.Errorf("create temp diff file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(diff); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write temp diff file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp diff file: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitBin, "apply", "--check", tmp.Name())
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return parseConflictFiles(out.String()), err
	}
	return nil, nil
}

// parseConflictFiles extracts the conflicting file list from `git
// apply --check` output. Every even-indexed line (0-indexed) of the
// command's output names a file.
func parseConflictFiles(output string) []string {
	lines := strings.Split(output, "\n")
	var files []string
	for i, line := range lines {
		if i%2 != 0 {
			continue
		}
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

func currentBranch(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

func runGit(ctx context.Context, dir, gitBin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, gitBin, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %v: %w (%s)", gitBin, args, err, out.String())
	}
	return out.String(), nil
}

// MirrorUsers lists the user-JID subdirectories of a project's working
// directory, used by the Merge task to discover who to verify against.
func MirrorUsers(workingDir, project string) ([]string, error) {
	projectDir := filepath.Join(workingDir, project)
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil, fmt.Errorf("list project dir %q: %w", projectDir, err)
	}
	var users []string
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	return users, nil
}
