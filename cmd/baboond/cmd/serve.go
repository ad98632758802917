package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/baboon-sync/baboon/internal/config"
	"github.com/baboon-sync/baboon/internal/executor"
	"github.com/baboon-sync/baboon/internal/mergeverify"
	"github.com/baboon-sync/baboon/internal/pidfile"
	"github.com/baboon-sync/baboon/internal/preflight"
	"github.com/baboon-sync/baboon/internal/profiling"
	"github.com/baboon-sync/baboon/internal/xmpptransport"
	"mellium.im/xmpp/jid"
)

func runServe(ctx context.Context) error {
	pf := pidfile.New(pidPath)
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Remove() }()

	if cpuProfile != "" {
		stop, err := profiling.NewProfiler().StartCPU(cpuProfile)
		if err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer stop()
	}

	if preflight.NeedsCheck(workingDir) {
		checker := preflight.New(preflight.WithGitBin(gitBin))
		checks := checker.RunAll(ctx, workingDir)
		for _, r := range checks {
			if r.Status == preflight.StatusFail {
				logger.Warn("preflight check failed", "check", r.Name, "message", r.Message)
			}
		}
		if checker.HasCriticalFailures(checks) {
			return fmt.Errorf("preflight checks failed, see warnings above")
		}
		if err := preflight.MarkPassed(workingDir); err != nil {
			logger.Warn("write preflight marker", "err", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	localJID, err := jid.Parse(cfg.User.JID)
	if err != nil {
		return err
	}
	pubsubService, err := jid.Parse(cfg.Server.Pubsub)
	if err != nil {
		return err
	}

	dispatcher := executor.NewDispatcher(logger)
	defer dispatcher.Close()

	verifier := mergeverify.New(workingDir, gitBin)
	authz := xmpptransport.MirrorAuthorizer{WorkingDir: workingDir}

	transport := &xmpptransport.DaemonTransport{
		Service:    pubsubService,
		WorkingDir: workingDir,
		Dispatcher: dispatcher,
		Verifier:   verifier,
		Authz:      authz,
		Logger:     logger,
	}

	sess, err := xmpptransport.Dial(ctx, localJID, cfg.User.Passwd, transport.Mux())
	if err != nil {
		return err
	}
	sess = sess.WithLogger(logger)
	transport.Session = sess
	defer func() { _ = sess.Close() }()

	for _, p := range cfg.EnabledProjects() {
		if err := xmpptransport.Subscribe(ctx, sess, pubsubService, p.Name); err != nil {
			logger.Warn("subscribe to project pubsub node", "project", p.Name, "err", err)
		}
	}

	logger.Info("baboond serving", "jid", cfg.User.JID, "working_dir", workingDir)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-runCtx.Done()
	logger.Info("baboond shutting down")
	return nil
}
