// Package preflight provides startup validation for the baboon watcher
// and baboond daemon, surfacing fixable environment problems before the
// XMPP session is even dialed.
//
// The package validates:
//   - Disk space availability (minimum 100MB)
//   - Memory availability (minimum 1GB)
//   - Write permissions in the project/mirror directory
//   - File descriptor limits (minimum 1024, since inotify/fsnotify
//     watches and mirror file handles both consume them)
//   - The configured git binary is resolvable and runnable
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New(preflight.WithGitBin(gitBin))
//	results := checker.RunAll(ctx, workingDir)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
