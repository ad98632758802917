// Package pidfile manages the baboond daemon's process ID file, used to
// detect and refuse a second daemon instance that uses the same PID
// file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// ErrNotFound is returned when the PID file doesn't exist.
var ErrNotFound = errors.New("pid file not found")

// File manages a daemon process ID file.
type File struct {
	path string
}

// New creates a new File manager for the given path.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the PID file path.
func (p *File) Path() string {
	return p.path
}

// Write writes the current process's PID to the file, creating its
// directory if needed.
func (p *File) Write() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Read reads the PID from the file.
func (p *File) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in file: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file. Returns nil if it doesn't exist.
func (p *File) Remove() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// IsRunning reports whether the process named by the stored PID is
// still alive. It returns false if the file is missing or stale.
func (p *File) IsRunning() bool {
	pid, err := p.Read()
	if err != nil {
		return false
	}
	return processExists(pid)
}

// Acquire checks for a live instance and, if none is running, claims
// the PID file for the current process. It errors if another baboond
// already holds the file.
func (p *File) Acquire() error {
	if p.IsRunning() {
		pid, _ := p.Read()
		return fmt.Errorf("baboond already running with pid %d (pid file %s)", pid, p.path)
	}
	return p.Write()
}

func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes liveness.
	return process.Signal(syscall.Signal(0)) == nil
}
