package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/gateway"
	"github.com/openclaw/gateway/internal/proposal"
)

// NewServeCmd creates the 'serve' command that runs the gateway daemon
// until interrupted.
func NewServeCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		Long: `Run the gateway: accept client submissions over HTTP, hold worker node
sessions over websocket, and schedule GPU jobs onto them.

Proposal pipeline steps are delegated to external collaborators; an
embedding binary wires them via the gateway package. The standalone daemon
wires none: it accepts proposal jobs, but their steps fail as not configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}

			log := a.logger(cfg.LogLevel)

			daemon, err := gateway.New(cfg, proposal.Collaborators{}, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx)
		},
	}
}
