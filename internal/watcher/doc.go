// Package watcher monitors every enabled project's working tree for
// filesystem changes, batches them on a periodic ticker (the dancer),
// and reconciles a project's on-disk state against its Index at
// startup.
//
// Usage:
//
//	m, err := watcher.NewMonitor(watcher.DefaultTick, logger)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	if err := m.AddProject("myproject", "/path/to/project", rules); err != nil {
//	    return err
//	}
//
//	go m.Run(ctx)
//
//	for batch := range m.Batches() {
//	    // hand batch.Events off to the XMPP transport as a sync request
//	}
package watcher
