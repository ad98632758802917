// Package logging provides structured, rotating file logging shared by
// the watcher (cmd/baboon) and the daemon (cmd/baboond). Every log line
// is JSON via log/slog.
package logging
