package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baboon-sync/baboon/internal/config"
	baboonerrors "github.com/baboon-sync/baboon/internal/errors"
	"github.com/baboon-sync/baboon/internal/index"
	"github.com/baboon-sync/baboon/internal/output"
	"github.com/baboon-sync/baboon/internal/xmpptransport"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <project> <vcs-url>",
		Short: "First-time initialisation of a project",
		Long: `init asks the daemon to clone vcs-url into the caller's server-side
mirror and creates the local index for project (spec §6).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, args[0], args[1])
		},
	}
}

func runInit(cmd *cobra.Command, project, vcsURL string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	proj, ok := cfg.Project(project)
	if !ok {
		return baboonerrors.ConfigErr(fmt.Sprintf("unknown project %q", project), nil)
	}

	localJID, err := jid.Parse(cfg.User.JID)
	if err != nil {
		return baboonerrors.ConfigErr("invalid user.jid", err)
	}
	server, err := jid.Parse(cfg.Server.Master)
	if err != nil {
		return baboonerrors.ConfigErr("invalid server.master", err)
	}

	sess, err := xmpptransport.Dial(ctx, localJID, cfg.User.Passwd, mux.New(stanza.NSClient))
	if err != nil {
		return err
	}
	sess = sess.WithLogger(logger)
	defer func() { _ = sess.Close() }()

	if err := sess.WaitConnected(ctx); err != nil {
		return err
	}

	w := output.New(cmd.OutOrStdout())

	iq := stanza.IQ{Type: stanza.SetIQ, To: server, From: localJID}
	if _, err := sess.SendIQ(ctx, iq, xmpptransport.GitInitPayload(project, vcsURL)); err != nil {
		return baboonerrors.GitInitErr(fmt.Sprintf("request clone of %s", vcsURL), err)
	}
	w.Successf("daemon cloning %s into the server-side mirror", vcsURL)

	if err := index.Init(proj.Path); err != nil {
		return baboonerrors.InternalErr(fmt.Sprintf("create local index for %s", project), err)
	}
	w.Successf("initialised %s from %s", project, vcsURL)
	return nil
}
