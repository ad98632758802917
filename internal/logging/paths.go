package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.baboon/logs/).
// Falls back to temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".baboon", "logs")
	}
	return filepath.Join(home, ".baboon", "logs")
}

// DefaultLogPath returns the default watcher log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "baboon.log")
}

// DaemonLogPath returns the default daemon log path.
func DaemonLogPath() string {
	return filepath.Join(DefaultLogDir(), "baboond.log")
}

// FindLogFile attempts to locate the log file for viewing.
// An explicit path always wins; otherwise the default watcher log path
// is tried. Returns an error if neither exists.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	globalPath := DefaultLogPath()
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", fmt.Errorf("no log file found at %s", globalPath)
}

// LogSource names which process's log file baboon-logs viewing
// should target.
type LogSource int

const (
	LogSourceWatcher LogSource = iota
	LogSourceDaemon
	LogSourceAll
)

// ParseLogSource maps a --source flag value to a LogSource, defaulting to
// the watcher log when the value is unrecognized.
func ParseLogSource(s string) LogSource {
	switch s {
	case "daemon":
		return LogSourceDaemon
	case "all":
		return LogSourceAll
	default:
		return LogSourceWatcher
	}
}

// FindLogFileBySource resolves the log file path(s) to view for source.
// An explicit path always overrides source and is returned alone.
func FindLogFileBySource(source LogSource, explicit string) ([]string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("log file not found: %s", explicit)
		}
		return []string{explicit}, nil
	}

	switch source {
	case LogSourceDaemon:
		path := DaemonLogPath()
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("no log file found at %s", path)
		}
		return []string{path}, nil
	case LogSourceAll:
		var paths []string
		for _, p := range []string{DefaultLogPath(), DaemonLogPath()} {
			if _, err := os.Stat(p); err == nil {
				paths = append(paths, p)
			}
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no log files found in %s", DefaultLogDir())
		}
		return paths, nil
	default:
		path, err := FindLogFile("")
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	return os.MkdirAll(DefaultLogDir(), 0o755)
}
