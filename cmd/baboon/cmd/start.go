package cmd

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baboon-sync/baboon/internal/config"
	baboonerrors "github.com/baboon-sync/baboon/internal/errors"
	"github.com/baboon-sync/baboon/internal/event"
	"github.com/baboon-sync/baboon/internal/ignore"
	"github.com/baboon-sync/baboon/internal/index"
	"github.com/baboon-sync/baboon/internal/ui"
	"github.com/baboon-sync/baboon/internal/watcher"
	"github.com/baboon-sync/baboon/internal/xmpptransport"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmlstream"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Begin the watcher loop against every enabled project",
		Long: `start loads the configuration file, opens every enabled project's
index, begins watching its working tree for changes, and streams
batches to the daemon until interrupted (spec §6).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

type watchedProject struct {
	cfg   config.ProjectConfig
	idx   *index.Index
	rules *ignore.RuleSet
}

func runStart(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	enabled := cfg.EnabledProjects()
	if len(enabled) == 0 {
		return baboonerrors.ConfigErr("no enabled projects in config", nil)
	}

	mon, err := watcher.NewMonitor(watcher.DefaultTick, logger)
	if err != nil {
		return err
	}
	defer func() { _ = mon.Close() }()

	var renderer ui.Renderer
	if showProgress {
		renderer = ui.NewRenderer(ui.NewConfig(out, ui.WithNoColor(ui.DetectNoColor())))
		_ = renderer.Start(ctx)
		defer func() { _ = renderer.Stop() }()
	}

	projects := make(map[string]*watchedProject, len(enabled))
	var reconciled []reconcileResult
	scanStart := time.Now()
	var totalFiles, totalEvents int

	for _, p := range enabled {
		if renderer != nil {
			renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageScanning, Message: p.Name})
		}
		rules, err := ignore.BuildFromFile(filepath.Join(p.Path, ".gitignore"))
		if err != nil {
			return baboonerrors.InternalErr(fmt.Sprintf("load ignore rules for %s", p.Name), err)
		}
		idx, err := index.Open(p.Path)
		if err != nil {
			return baboonerrors.InternalErr(fmt.Sprintf("open index for %s", p.Name), err)
		}
		if err := mon.AddProject(p.Name, p.Path, rules); err != nil {
			return baboonerrors.InternalErr(fmt.Sprintf("watch %s", p.Name), err)
		}

		if renderer != nil {
			renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageHashing, Message: p.Name})
		}
		events, err := watcher.Reconcile(p.Path, idx, rules)
		if err != nil {
			if renderer != nil {
				renderer.AddError(ui.ErrorEvent{File: p.Name, Err: err})
			}
			return baboonerrors.InternalErr(fmt.Sprintf("reconcile %s", p.Name), err)
		}

		projects[p.Name] = &watchedProject{cfg: p, idx: idx, rules: rules}
		totalFiles++
		totalEvents += len(events)
		if len(events) > 0 {
			reconciled = append(reconciled, reconcileResult{project: p.Name, events: events})
		}
	}
	defer func() {
		for _, wp := range projects {
			_ = wp.idx.Close()
		}
	}()

	localJID, err := jid.Parse(cfg.User.JID)
	if err != nil {
		return baboonerrors.ConfigErr("invalid user.jid", err)
	}
	server, err := jid.Parse(cfg.Server.Master)
	if err != nil {
		return baboonerrors.ConfigErr("invalid server.master", err)
	}
	streamer, err := jid.Parse(cfg.Server.Streamer)
	if err != nil {
		return baboonerrors.ConfigErr("invalid server.streamer", err)
	}

	var transport *xmpptransport.WatcherTransport
	handlerMux := mux.New(stanza.NSClient, mux.IQFunc(stanza.SetIQ, mux.Element("rsyncfinished", "baboon:protocol"),
		func(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
			var el xmpptransport.RsyncFinishedElement
			if err := xml.NewTokenDecoder(struct{ xml.TokenReader }{t}).DecodeElement(&el, start); err != nil {
				return err
			}
			if transport != nil {
				transport.OnRsyncFinished(iq, el)
			}
			return nil
		}))

	sess, err := xmpptransport.Dial(ctx, localJID, cfg.User.Passwd, handlerMux)
	if err != nil {
		return err
	}
	sess = sess.WithLogger(logger)
	defer func() { _ = sess.Close() }()

	bs, err := xmpptransport.NegotiateBytestream(ctx, sess, server, streamer)
	if err != nil {
		return err
	}

	projectPath := func(name string) string {
		if wp, ok := projects[name]; ok {
			return wp.cfg.Path
		}
		return ""
	}
	transport = xmpptransport.NewWatcherTransport(sess, bs, server, cfg.Server.MaxStanzaSize, projectPath, logger)
	defer func() { _ = transport.Close() }()

	tracker := newPendingSyncTracker(projects)
	transport.OnFinished = tracker.onFinished

	for _, r := range reconciled {
		if renderer != nil {
			renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageSyncing, Message: r.project})
		}
		rid, err := transport.SendSyncRequest(ctx, r.project, r.events)
		if err != nil {
			logger.Error("send startup reconciliation batch", "project", r.project, "err", err)
			if renderer != nil {
				renderer.AddError(ui.ErrorEvent{File: r.project, Err: err, IsWarn: true})
			}
			continue
		}
		tracker.track(rid, r.project, r.events)
	}

	if renderer != nil {
		renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageComplete})
		renderer.Complete(ui.CompletionStats{
			Files:    totalFiles,
			Events:   totalEvents,
			Duration: time.Since(scanStart),
		})
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := mon.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("monitor stopped", "err", err)
		}
	}()

	go recvHashLoop(runCtx, bs, transport, logger)

	for {
		select {
		case <-runCtx.Done():
			return nil
		case batch, ok := <-mon.Batches():
			if !ok {
				return nil
			}
			rid, err := transport.SendSyncRequest(runCtx, batch.Project, batch.Events)
			if err != nil {
				logger.Error("send sync batch", "project", batch.Project, "err", err)
				continue
			}
			tracker.track(rid, batch.Project, batch.Events)
			logger.Debug("sync batch sent", "project", batch.Project, "rid", rid)
		}
	}
}

type reconcileResult struct {
	project string
	events  []event.FileEvent
}

func recvHashLoop(ctx context.Context, bs *xmpptransport.Bytestream, t *xmpptransport.WatcherTransport, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		env, err := bs.RecvEnvelope()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("recv envelope", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if len(env.Hashes) > 0 {
			if err := t.HandleHashes(env); err != nil {
				logger.Error("handle hashes", "err", err)
			}
		}
	}
}

// pendingSyncTracker remembers each in-flight batch's events by RID so
// their index timestamps are written once, and only once, the daemon
// confirms the batch with rsync-finished-success — never on send. A
// batch that fails is dropped from pending without touching the index;
// a batch that never gets an RID-matching reply stays in pending. Either
// way its index entries stay stale, so the next reconciliation picks it
// up again.
type pendingSyncTracker struct {
	mu       sync.Mutex
	projects map[string]*watchedProject
	pending  map[string]pendingSync
}

type pendingSync struct {
	project string
	events  []event.FileEvent
}

func newPendingSyncTracker(projects map[string]*watchedProject) *pendingSyncTracker {
	return &pendingSyncTracker{projects: projects, pending: make(map[string]pendingSync)}
}

func (p *pendingSyncTracker) track(rid, project string, events []event.FileEvent) {
	if rid == "" || len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[rid] = pendingSync{project: project, events: events}
}

// onFinished is registered as WatcherTransport.OnFinished. It applies
// the remembered batch's index updates iff the daemon reported success
// for this exact RID, matching spec §4.3 step 6.
func (p *pendingSyncTracker) onFinished(project, rid string, success bool) {
	p.mu.Lock()
	ps, ok := p.pending[rid]
	if ok {
		delete(p.pending, rid)
	}
	p.mu.Unlock()
	if !ok || !success {
		return
	}

	wp, ok := p.projects[ps.project]
	if !ok {
		return
	}
	now := time.Now().Unix()
	for _, e := range ps.events {
		applyIndexEvent(wp.idx, e, now)
	}
}

// applyIndexEvent updates the local index per spec §3: CREATE/MODIFY
// set the new path's timestamp, MOVE sets the destination and drops
// the source, DELETE drops the path outright. Never called until
// pendingSyncTracker.onFinished confirms the batch succeeded.
func applyIndexEvent(idx *index.Index, e event.FileEvent, now int64) {
	switch e.Kind {
	case event.Create, event.Modify:
		idx.Set(e.SrcPath, now)
	case event.Move:
		idx.Set(e.DestPath, now)
		idx.Remove(e.SrcPath)
	case event.Delete:
		idx.Remove(e.SrcPath)
	}
}
