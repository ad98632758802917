package mergeverify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=baboon-test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=baboon-test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func initRepoWithFile(t *testing.T, path, filename, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	runGitCmd(t, path, "init", "-q")
	runGitCmd(t, path, "config", "user.email", "test@example.com")
	runGitCmd(t, path, "config", "user.name", "baboon-test")
	require.NoError(t, os.WriteFile(filepath.Join(path, filename), []byte(contents), 0o644))
	runGitCmd(t, path, "add", ".")
	runGitCmd(t, path, "commit", "-q", "-m", "initial")
}

func TestVerify_NoChangesYieldsOK(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	userPath := filepath.Join(workingDir, "proj", "user@example.com")

	initRepoWithFile(t, ownerPath, "a.txt", "hello\n")
	runGitCmd(t, ownerPath, "clone", ownerPath, userPath)

	v := New(workingDir, "git")
	results, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
}

func TestVerify_NonConflictingChangeYieldsOK(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	userPath := filepath.Join(workingDir, "proj", "user@example.com")

	initRepoWithFile(t, ownerPath, "a.txt", "hello\n")
	runGitCmd(t, ownerPath, "clone", ownerPath, userPath)

	require.NoError(t, os.WriteFile(filepath.Join(ownerPath, "b.txt"), []byte("new file\n"), 0o644))
	runGitCmd(t, ownerPath, "add", ".")
	runGitCmd(t, ownerPath, "commit", "-q", "-m", "add b.txt")

	v := New(workingDir, "git")
	results, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
}

func TestVerify_ConflictingChangeYieldsConflict(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	userPath := filepath.Join(workingDir, "proj", "user@example.com")

	initRepoWithFile(t, ownerPath, "a.txt", "line one\n")
	runGitCmd(t, ownerPath, "clone", ownerPath, userPath)

	require.NoError(t, os.WriteFile(filepath.Join(ownerPath, "a.txt"), []byte("owner change\n"), 0o644))
	runGitCmd(t, ownerPath, "add", ".")
	runGitCmd(t, ownerPath, "commit", "-q", "-m", "owner edits a.txt")

	require.NoError(t, os.WriteFile(filepath.Join(userPath, "a.txt"), []byte("conflicting user change\n"), 0o644))
	runGitCmd(t, userPath, "add", ".")
	runGitCmd(t, userPath, "commit", "-q", "-m", "user edits a.txt")

	v := New(workingDir, "git")
	results, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusConflict, results[0].Status)
}

func TestVerify_QuarantinedOwnerMirrorErrors(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	initRepoWithFile(t, ownerPath, "a.txt", "hello\n")
	require.NoError(t, os.WriteFile(filepath.Join(ownerPath, ".lock"), []byte("corrupt"), 0o644))

	v := New(workingDir, "git")
	_, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	assert.Error(t, err)
}

func TestVerify_ChecksEveryUserConcurrentlyInOrder(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	initRepoWithFile(t, ownerPath, "a.txt", "line one\n")

	userAPath := filepath.Join(workingDir, "proj", "user-a@example.com")
	userBPath := filepath.Join(workingDir, "proj", "user-b@example.com")
	runGitCmd(t, ownerPath, "clone", ownerPath, userAPath)
	runGitCmd(t, ownerPath, "clone", ownerPath, userBPath)

	require.NoError(t, os.WriteFile(filepath.Join(ownerPath, "a.txt"), []byte("owner change\n"), 0o644))
	runGitCmd(t, ownerPath, "add", ".")
	runGitCmd(t, ownerPath, "commit", "-q", "-m", "owner edits a.txt")

	require.NoError(t, os.WriteFile(filepath.Join(userAPath, "a.txt"), []byte("conflicting change\n"), 0o644))
	runGitCmd(t, userAPath, "add", ".")
	runGitCmd(t, userAPath, "commit", "-q", "-m", "user-a edits a.txt")

	v := New(workingDir, "git")
	results, err := v.Verify(context.Background(), "proj", "owner@example.com",
		[]string{"owner@example.com", "user-a@example.com", "user-b@example.com"})
	require.NoError(t, err)

	// owner@example.com is skipped, order of the remaining results
	// matches the order userJIDs were passed in even though each is
	// verified by its own concurrent worker.
	require.Len(t, results, 2)
	assert.Equal(t, "user-a@example.com", results[0].User)
	assert.Equal(t, StatusConflict, results[0].Status)
	assert.Equal(t, "user-b@example.com", results[1].User)
	assert.Equal(t, StatusOK, results[1].Status)
}

func TestVerify_ConflictThenFixYieldsResolved(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	userPath := filepath.Join(workingDir, "proj", "user@example.com")

	initRepoWithFile(t, ownerPath, "a.txt", "line one\n")
	runGitCmd(t, ownerPath, "clone", ownerPath, userPath)

	require.NoError(t, os.WriteFile(filepath.Join(ownerPath, "a.txt"), []byte("owner change\n"), 0o644))
	runGitCmd(t, ownerPath, "add", ".")
	runGitCmd(t, ownerPath, "commit", "-q", "-m", "owner edits a.txt")

	require.NoError(t, os.WriteFile(filepath.Join(userPath, "a.txt"), []byte("conflicting user change\n"), 0o644))
	runGitCmd(t, userPath, "add", ".")
	runGitCmd(t, userPath, "commit", "-q", "-m", "user edits a.txt")

	v := New(workingDir, "git")
	first, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, StatusConflict, first[0].Status)
	assert.False(t, first[0].Resolved)

	// The user backs out their edit, so the owner's diff applies again
	// and the next run reports the pair as resolved rather than a bare OK.
	require.NoError(t, os.WriteFile(filepath.Join(userPath, "a.txt"), []byte("line one\n"), 0o644))
	runGitCmd(t, userPath, "add", ".")
	runGitCmd(t, userPath, "commit", "-q", "-m", "user backs out edit")

	second, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, StatusOK, second[0].Status)
	assert.True(t, second[0].Resolved)

	third, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, StatusOK, third[0].Status)
	assert.False(t, third[0].Resolved, "a second consecutive OK is not itself a resolution")
}

func TestVerify_NeverMutatesSharedMirrors(t *testing.T) {
	workingDir := t.TempDir()
	ownerPath := filepath.Join(workingDir, "proj", "owner@example.com")
	userPath := filepath.Join(workingDir, "proj", "user@example.com")

	initRepoWithFile(t, ownerPath, "a.txt", "line one\n")
	runGitCmd(t, ownerPath, "clone", ownerPath, userPath)

	require.NoError(t, os.WriteFile(filepath.Join(ownerPath, "a.txt"), []byte("owner change\n"), 0o644))
	runGitCmd(t, ownerPath, "add", ".")
	runGitCmd(t, ownerPath, "commit", "-q", "-m", "owner edits a.txt")

	ownerHeadBefore := strings.TrimSpace(runGitOutput(t, ownerPath, "rev-parse", "HEAD"))
	userHeadBefore := strings.TrimSpace(runGitOutput(t, userPath, "rev-parse", "HEAD"))

	v := New(workingDir, "git")
	_, err := v.Verify(context.Background(), "proj", "owner@example.com", []string{"user@example.com"})
	require.NoError(t, err)

	assert.Equal(t, ownerHeadBefore, strings.TrimSpace(runGitOutput(t, ownerPath, "rev-parse", "HEAD")))
	assert.Equal(t, userHeadBefore, strings.TrimSpace(runGitOutput(t, userPath, "rev-parse", "HEAD")))

	status, err := exec.Command("git", "-C", userPath, "status", "--porcelain").CombinedOutput()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(status)), "user mirror working tree must stay clean")
}

func runGitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

func TestParseConflictFiles_TakesEvenIndexedLines(t *testing.T) {
	output := "error: patch failed: a.txt:1\na.txt\nerror: patch failed: b.txt:4\nb.txt\n"
	files := parseConflictFiles(output)
	assert.Equal(t, []string{
		"error: patch failed: a.txt:1",
		"error: patch failed: b.txt:4",
	}, files)
}
