package xmpptransport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/baboon-sync/baboon/internal/delta"
	baboonerrors "github.com/baboon-sync/baboon/internal/errors"
	"github.com/baboon-sync/baboon/internal/event"
	"github.com/baboon-sync/baboon/internal/executor"
	"github.com/baboon-sync/baboon/internal/mergeverify"
	"github.com/baboon-sync/baboon/internal/mirror"
	"github.com/baboon-sync/baboon/internal/wire"
	"mellium.im/xmpp/jid"
)

// GitInitTask performs the daemon-side clone a `git-init` IQ requests:
// replace any existing checkout for (project, user) with a fresh clone
// of url (spec §6 `init` command).
type GitInitTask struct {
	WorkingDir string
	Project    string
	URL        string
	UserJID    string

	Done func(err error)
}

func (t *GitInitTask) Priority() int { return executor.PriorityGitInit }
func (t *GitInitTask) IsEnd() bool   { return false }

func (t *GitInitTask) Run() error {
	root := mirror.Path(t.WorkingDir, t.Project, t.UserJID)

	if _, err := os.Stat(root); err == nil {
		if err := os.RemoveAll(root); err != nil {
			err = baboonerrors.GitInitErr(fmt.Sprintf("remove existing checkout %s", root), err)
			if t.Done != nil {
				t.Done(err)
			}
			return err
		}
	}

	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		err = baboonerrors.InternalErr("create project directory", err)
		if t.Done != nil {
			t.Done(err)
		}
		return err
	}

	cmd := exec.Command("git", "clone", t.URL, t.UserJID)
	cmd.Dir = parent
	if out, err := cmd.CombinedOutput(); err != nil {
		err = baboonerrors.GitInitErr(fmt.Sprintf("git clone %s: %s", t.URL, out), err)
		if t.Done != nil {
			t.Done(err)
		}
		return err
	}

	if t.Done != nil {
		t.Done(nil)
	}
	return nil
}

// SyncSender is the subset of WatcherTransport's bytestream that
// RsyncTask needs to push block hashes back to the watcher, factored
// out so tests can stub it without a live connection.
type SyncSender interface {
	SendEnvelope(env wire.Envelope) error
}

// RsyncTask is the daemon-side half of one rsync transaction: it
// applies CREATE/MOVE/DELETE events directly to the mirror and, for
// MODIFY events, computes and returns block checksums over the
// bytestream (spec §4.3 steps 2-3).
type RsyncTask struct {
	SID, RID string
	Project  string
	UserJID  string
	Mirror   *mirror.Mirror
	Events   []event.FileEvent
	Sender   SyncSender

	Logger *slog.Logger
	Done   func(err error)
}

func (t *RsyncTask) Priority() int { return executor.PrioritySync }
func (t *RsyncTask) IsEnd() bool   { return false }

func (t *RsyncTask) Run() error {
	if err := t.Mirror.Lock(); err != nil {
		t.finish(err)
		return err
	}
	defer func() { _ = t.Mirror.Unlock() }()

	for _, e := range t.Events {
		if err := t.applyEvent(e); err != nil {
			t.finish(err)
			return err
		}
	}

	t.finish(nil)
	return nil
}

func (t *RsyncTask) applyEvent(e event.FileEvent) error {
	path, err := t.Mirror.ResolvePath(e.SrcPath)
	if err != nil {
		return err
	}

	switch e.Kind {
	case event.Create:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return baboonerrors.InternalErr("create parent dirs", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return baboonerrors.InternalErr("create file", err)
		}
		return f.Close()

	case event.Move:
		dest, err := t.Mirror.ResolvePath(e.DestPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return baboonerrors.InternalErr("create move destination dirs", err)
		}
		if err := os.Rename(path, dest); err != nil {
			return baboonerrors.InternalErr("move file", err)
		}
		return t.pruneEmptyParents(filepath.Dir(path))

	case event.Delete:
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return baboonerrors.InternalErr("delete file", err)
		}
		return t.pruneEmptyParents(filepath.Dir(path))

	case event.Modify:
		return t.sendHashes(e.SrcPath, path)
	}
	return nil
}

// pruneEmptyParents removes now-empty parent directories of dir up to
// (but not including) the mirror root, matching `_clean_directory`.
func (t *RsyncTask) pruneEmptyParents(dir string) error {
	root := filepath.Clean(t.Mirror.Root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || len(dir) <= len(root) {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return nil
		}
		dir = filepath.Dir(dir)
	}
}

func (t *RsyncTask) sendHashes(relPath, fullPath string) error {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return baboonerrors.InternalErr("create parent dirs", err)
	}
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		f, createErr := os.Create(fullPath)
		if createErr != nil {
			return baboonerrors.InternalErr("create missing modify target", createErr)
		}
		_ = f.Close()
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return baboonerrors.InternalErr("read file for hashing", err)
	}

	sigs, err := delta.Signatures(bytes.NewReader(data))
	if err != nil {
		return baboonerrors.InternalErr("compute block signatures", err)
	}

	env := wire.Envelope{
		SID:     t.SID,
		RID:     t.RID,
		Project: t.Project,
		Hashes:  []wire.FileHashes{{RelPath: relPath, Blocks: wire.ToBlockHashes(sigs)}},
	}
	return t.Sender.SendEnvelope(env)
}

func (t *RsyncTask) finish(err error) {
	if t.Done != nil {
		t.Done(err)
	}
}

// AlertTask publishes a MergeStatus item summarizing a merge
// verification result (spec §3 MergeStatus, §4.5).
type AlertTask struct {
	Session  *Session
	Service  jid.JID
	Result   mergeverify.Result
	Username string
}

func (t *AlertTask) Priority() int { return executor.PriorityAlert }
func (t *AlertTask) IsEnd() bool   { return false }

func (t *AlertTask) Run() error {
	return PublishMergeStatus(context.Background(), t.Session, t.Service, alertStatus(t.Result))
}

// alertStatus builds the wire MergeStatus for a verification result.
func alertStatus(result mergeverify.Result) MergeStatus {
	return MergeStatus{
		Node:     result.Project,
		Status:   string(result.Status),
		Files:    result.ConflictFiles,
		Resolved: result.Resolved,
	}
}

// QuarantineTask sidelines a mirror that mergeverify found unrecoverable
// (spec: a corrupt mirror is quarantined rather than merge-checked
// again until a human clears it). It runs ahead of everything else
// queued for the project, including an End task already queued.
type QuarantineTask struct {
	Mirror *mirror.Mirror
	Cause  error
	Logger *slog.Logger
}

func (t *QuarantineTask) Priority() int { return executor.PriorityQuarantine }
func (t *QuarantineTask) IsEnd() bool   { return false }

func (t *QuarantineTask) Run() error {
	if err := t.Mirror.Quarantine(t.Cause); err != nil {
		if t.Logger != nil {
			t.Logger.Error("quarantine mirror", slog.String("root", t.Mirror.Root), slog.String("error", err.Error()))
		}
		return err
	}
	if t.Logger != nil {
		t.Logger.Warn("mirror quarantined", slog.String("root", t.Mirror.Root), slog.String("cause", t.Cause.Error()))
	}
	return nil
}

// MergeTask runs speculative merge verification for a project against
// every other known mirror and enqueues an AlertTask per result (spec
// §4.5, `_user_side`). A result or top-level error classified as
// corrupt quarantines the offending mirror instead of leaving it to
// fail verification again on the next run.
type MergeTask struct {
	Verifier   *mergeverify.Verifier
	Dispatcher *executor.Dispatcher
	Session    *Session
	Service    jid.JID
	Logger     *slog.Logger

	Project  string
	OwnerJID string
}

func (t *MergeTask) Priority() int { return executor.PriorityMerge }
func (t *MergeTask) IsEnd() bool   { return false }

func (t *MergeTask) Run() error {
	users, err := mergeverify.MirrorUsers(t.Verifier.WorkingDir, t.Project)
	if err != nil {
		return err
	}

	results, err := t.Verifier.Verify(context.Background(), t.Project, t.OwnerJID, users)
	if err != nil {
		if baboonerrors.KindOf(err) == baboonerrors.KindCorrupt {
			t.quarantine(t.OwnerJID, err)
		}
		return err
	}

	for _, res := range results {
		if res.Err != nil && baboonerrors.KindOf(res.Err) == baboonerrors.KindCorrupt {
			t.quarantine(res.User, res.Err)
		}
		t.Dispatcher.Put(t.Project, &AlertTask{
			Session:  t.Session,
			Service:  t.Service,
			Result:   res,
			Username: res.User,
		})
	}
	return nil
}

func (t *MergeTask) quarantine(userJID string, cause error) {
	t.Dispatcher.Put(t.Project, &QuarantineTask{
		Mirror: mirror.Open(t.Verifier.WorkingDir, t.Project, userJID),
		Cause:  cause,
		Logger: t.Logger,
	})
}
