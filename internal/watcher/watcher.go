// Package watcher monitors enabled projects for filesystem changes,
// coalesces them into batches, and reconciles a project's on-disk state
// against its Index at startup.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/baboon-sync/baboon/internal/event"
	"github.com/baboon-sync/baboon/internal/ignore"
	"github.com/baboon-sync/baboon/internal/index"
	"github.com/fsnotify/fsnotify"
)

// renameWindow bounds how long a Rename's source path waits for the
// matching Create fsnotify reports as a separate event before it's
// reported as a plain delete (spec §2: the live monitor "classifies
// events as create/modify/move/delete"). fsnotify's Go API exposes no
// rename cookie, so pairing is done by inode instead.
const renameWindow = 2 * time.Second

// pendingRename is a Rename half still waiting for its Create half.
type pendingRename struct {
	project string
	srcPath string
}

// Batch is the set of FileEvents emitted together by one tick of the
// dancer (glossary: "set of FileEvents emitted together by one tick").
type Batch struct {
	Project string
	Events  []event.FileEvent
}

// project tracks the state the monitor needs per watched project.
type project struct {
	name  string
	root  string
	rules *ignore.RuleSet
}

// Monitor watches every enabled project's working tree recursively,
// discards directory events, consults the ignore engine, and inserts
// surviving events into a shared PendingSet under its own mutex. A
// background ticker (the "dancer") periodically drains the set and
// emits a Batch per non-empty project.
type Monitor struct {
	mu             sync.Mutex
	fsw            *fsnotify.Watcher
	projects       map[string]*project // keyed by absolute watched root
	pending        *event.PendingSet
	tick           time.Duration
	out            chan Batch
	logger         *slog.Logger
	inodes         map[string]uint64        // "project\x00relPath" -> inode, refreshed on create/modify
	pendingRenames map[uint64]pendingRename // inode -> Rename half awaiting its Create
}

// DefaultTick is the dancer's default wake interval (spec: "default 1s").
const DefaultTick = 1 * time.Second

// NewMonitor creates a Monitor with the given tick interval. A zero
// interval uses DefaultTick.
func NewMonitor(tick time.Duration, logger *slog.Logger) (*Monitor, error) {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Monitor{
		fsw:            fsw,
		projects:       make(map[string]*project),
		pending:        event.NewPendingSet(),
		tick:           tick,
		out:            make(chan Batch, 64),
		logger:         logger,
		inodes:         make(map[string]uint64),
		pendingRenames: make(map[uint64]pendingRename),
	}, nil
}

// AddProject begins watching rootPath recursively under name, using
// rules to filter out ignored paths. fsnotify has no native recursion,
// so every existing subdirectory is registered individually.
func (m *Monitor) AddProject(name, rootPath string, rules *ignore.RuleSet) error {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return fmt.Errorf("resolve project root %q: %w", rootPath, err)
	}

	type primedInode struct {
		relPath string
		ino     uint64
	}
	var primed []primedInode

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(abs, path)
		if d.IsDir() {
			if relErr == nil && rel != "." && rules.IsIgnored(toSlash(rel)) {
				return filepath.SkipDir
			}
			return m.fsw.Add(path)
		}
		if relErr != nil || rules.IsIgnored(toSlash(rel)) {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			if ino, ok := inodeOf(info); ok {
				primed = append(primed, primedInode{relPath: toSlash(rel), ino: ino})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch project %q: %w", name, err)
	}

	m.mu.Lock()
	m.projects[abs] = &project{name: name, root: abs, rules: rules}
	for _, p := range primed {
		m.inodes[inodeKey(name, p.relPath)] = p.ino
	}
	m.mu.Unlock()
	return nil
}

// Run processes raw fsnotify events and drives the dancer ticker until
// ctx is cancelled. It blocks; call it from its own goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-m.fsw.Events:
			if !ok {
				return nil
			}
			m.handleRaw(raw)

		case err, ok := <-m.fsw.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			m.drainAndEmit()
		}
	}
}

// Batches returns the channel of emitted Batches.
func (m *Monitor) Batches() <-chan Batch {
	return m.out
}

// Close stops the underlying fsnotify watcher.
func (m *Monitor) Close() error {
	return m.fsw.Close()
}

func (m *Monitor) handleRaw(raw fsnotify.Event) {
	info, statErr := os.Stat(raw.Name)
	isDir := statErr == nil && info.IsDir()
	// Directory events are discarded (spec §4.2), except that a
	// directory's own CREATE still needs registering for recursive
	// coverage of newly-created subtrees.
	if isDir {
		if raw.Op&fsnotify.Create != 0 {
			_ = m.fsw.Add(raw.Name)
		}
		return
	}

	proj, relPath, ok := m.resolve(raw.Name)
	if !ok {
		return
	}
	if proj.rules.IsIgnored(relPath) {
		return
	}

	if raw.Op&fsnotify.Rename != 0 {
		m.handleRename(proj, relPath)
		return
	}

	if raw.Op&fsnotify.Create != 0 && statErr == nil {
		if ino, ok := inodeOf(info); ok && m.pairRename(proj, relPath, ino) {
			return
		}
	}

	kind, destPath := translate(raw.Op, relPath)
	if kind < 0 {
		return
	}

	if statErr == nil {
		if ino, ok := inodeOf(info); ok {
			m.recordInode(proj.name, relPath, ino)
		}
	}

	m.pending.Add(event.FileEvent{
		Project:  proj.name,
		Kind:     kind,
		SrcPath:  relPath,
		DestPath: destPath,
	})
}

// handleRename starts a rename pairing window for relPath's last known
// inode. If baboon never recorded an inode for this path (e.g. a file
// it never saw a Create for), there's nothing to pair against and the
// rename is reported as a plain delete.
func (m *Monitor) handleRename(proj *project, relPath string) {
	key := inodeKey(proj.name, relPath)

	m.mu.Lock()
	ino, ok := m.inodes[key]
	if ok {
		delete(m.inodes, key)
		m.pendingRenames[ino] = pendingRename{project: proj.name, srcPath: relPath}
	}
	m.mu.Unlock()

	if !ok {
		m.pending.Add(event.FileEvent{Project: proj.name, Kind: event.Delete, SrcPath: relPath})
		return
	}

	time.AfterFunc(renameWindow, func() { m.expireRename(ino) })
}

// pairRename checks whether a just-created file's inode matches a
// Rename still waiting for its destination. On a match it emits one
// Move event (or, when source and destination coincide, a Modify —
// spec §8's "MOVE where source equals destination" boundary case)
// instead of letting the Create stand as an unrelated Create.
func (m *Monitor) pairRename(proj *project, relPath string, ino uint64) bool {
	m.mu.Lock()
	pr, found := m.pendingRenames[ino]
	if found {
		delete(m.pendingRenames, ino)
	}
	m.mu.Unlock()

	if !found || pr.project != proj.name {
		return false
	}
	m.recordInode(proj.name, relPath, ino)

	if pr.srcPath == relPath {
		m.pending.Add(event.FileEvent{Project: proj.name, Kind: event.Modify, SrcPath: relPath})
		return true
	}

	m.pending.Add(event.FileEvent{
		Project:  proj.name,
		Kind:     event.Move,
		SrcPath:  pr.srcPath,
		DestPath: relPath,
	})
	return true
}

// expireRename falls back to a plain delete of a Rename's source path
// once renameWindow has passed with no matching Create — the source
// moved outside every watched tree, which is indistinguishable from a
// delete from baboon's point of view.
func (m *Monitor) expireRename(ino uint64) {
	m.mu.Lock()
	pr, ok := m.pendingRenames[ino]
	if ok {
		delete(m.pendingRenames, ino)
	}
	m.mu.Unlock()

	if ok {
		m.pending.Add(event.FileEvent{Project: pr.project, Kind: event.Delete, SrcPath: pr.srcPath})
	}
}

func (m *Monitor) recordInode(projectName, relPath string, ino uint64) {
	m.mu.Lock()
	m.inodes[inodeKey(projectName, relPath)] = ino
	m.mu.Unlock()
}

func inodeKey(project, relPath string) string {
	return project + "\x00" + relPath
}

// inodeOf extracts the platform inode number from a FileInfo, when the
// underlying OS exposes one.
func inodeOf(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return stat.Ino, true
}

// resolve finds which watched project owns absPath and returns its
// project-relative, forward-slashed form.
func (m *Monitor) resolve(absPath string) (*project, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for root, proj := range m.projects {
		if rel, err := filepath.Rel(root, absPath); err == nil && !strings.HasPrefix(rel, "..") {
			return proj, toSlash(rel), true
		}
	}
	return nil, "", false
}

func (m *Monitor) drainAndEmit() {
	batches := m.pending.Drain()
	for project, events := range batches {
		m.out <- Batch{Project: project, Events: events}
	}
}

// translate maps an fsnotify op to a FileEvent Kind. Rename is handled
// separately by handleRename/pairRename before translate ever sees it.
func translate(op fsnotify.Op, relPath string) (event.Kind, string) {
	switch {
	case op&fsnotify.Create != 0:
		return event.Create, ""
	case op&fsnotify.Write != 0:
		return event.Modify, ""
	case op&fsnotify.Remove != 0:
		return event.Delete, ""
	default:
		return -1, ""
	}
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, string(filepath.Separator), "/")
}

// Reconcile walks rootPath and compares every non-ignored file's mtime
// against idx, producing the synthetic startup batch described in
// spec §4.2: a missing index entry is a CREATE, a newer mtime is a
// MODIFY, and an index entry with no backing file is a DELETE.
func Reconcile(rootPath string, idx *index.Index, rules *ignore.RuleSet) ([]event.FileEvent, error) {
	seen := make(map[string]bool)
	var events []event.FileEvent

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		rel = toSlash(rel)
		if rules.IsIgnored(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		seen[rel] = true

		ts, ok := idx.Get(rel)
		switch {
		case !ok:
			events = append(events, event.FileEvent{Kind: event.Create, SrcPath: rel})
		case info.ModTime().Unix() > ts:
			events = append(events, event.FileEvent{Kind: event.Modify, SrcPath: rel})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %q: %w", rootPath, err)
	}

	for _, rel := range idx.Paths() {
		if !seen[rel] {
			events = append(events, event.FileEvent{Kind: event.Delete, SrcPath: rel})
		}
	}

	return events, nil
}
