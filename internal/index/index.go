// Package index maintains the per-project path→last-synced-timestamp
// map described in spec §3. Each project has its own Index, persisted
// under <project>/.baboon/index, opened once on watcher startup and
// flushed to disk on shutdown.
package index

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RelDir is the project-relative directory the index file lives under.
const RelDir = ".baboon"

// fileName is the on-disk index file within RelDir.
const fileName = "index"

// Index maps project-relative paths to the timestamp (Unix seconds) of
// their last successful sync. All mutations go through the exported
// methods, which take an internal mutex so the index can be read from
// the watcher's reconciliation walk while sync-completion callbacks
// write to it.
type Index struct {
	mu   sync.Mutex
	path string
	data map[string]int64
	dirty bool
}

// Open loads the index for projectPath, creating an empty one if the
// on-disk file doesn't exist yet (e.g. the first call after `init`).
func Open(projectPath string) (*Index, error) {
	p := PathFor(projectPath)
	idx := &Index{path: p, data: make(map[string]int64)}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		tab := strings.LastIndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		ts, err := strconv.ParseInt(line[tab+1:], 10, 64)
		if err != nil {
			continue
		}
		idx.data[line[:tab]] = ts
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	return idx, nil
}

// PathFor returns the on-disk index path for a project checkout root.
func PathFor(projectPath string) string {
	return filepath.Join(projectPath, RelDir, fileName)
}

// Init creates an empty index file for a freshly-initialised project.
func Init(projectPath string) error {
	dir := filepath.Join(projectPath, RelDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	idx := &Index{path: PathFor(projectPath), data: make(map[string]int64)}
	return idx.Flush()
}

// Set records relPath as last synced at ts (Unix seconds). Used on
// successful CREATE, MODIFY, and the new-path side of a MOVE.
func (idx *Index) Set(relPath string, ts int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data[path.Clean(relPath)] = ts
	idx.dirty = true
}

// Remove drops relPath from the index. Used on DELETE and the old-path
// side of a MOVE.
func (idx *Index) Remove(relPath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.data, path.Clean(relPath))
	idx.dirty = true
}

// Get returns the last-synced timestamp for relPath and whether it is
// present in the index.
func (idx *Index) Get(relPath string) (int64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ts, ok := idx.data[path.Clean(relPath)]
	return ts, ok
}

// Paths returns every path currently tracked by the index, sorted for
// deterministic iteration (used by the startup reconciliation walk).
func (idx *Index) Paths() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]string, 0, len(idx.data))
	for p := range idx.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Flush writes the whole index to disk, replacing the file atomically.
// It writes even when nothing has changed since the last flush.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

func (idx *Index) flushLocked() error {
	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	paths := make([]string, 0, len(idx.data))
	for p := range idx.data {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "%s\t%d\n", p, idx.data[p])
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write index tmp file: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("install index file: %w", err)
	}

	idx.dirty = false
	return nil
}

// Close flushes pending mutations. Call on watcher shutdown.
func (idx *Index) Close() error {
	return idx.Flush()
}
