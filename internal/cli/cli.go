// Package cli implements the openclaw-gateway command tree. Commands are a
// thin veneer over the HTTP API; the scheduling core never depends on them.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// App represents the CLI application with all wired dependencies.
type App struct {
	rootCmd *cobra.Command

	// configPath is the --config flag.
	configPath string

	// serverURL is the --server flag used by client commands.
	serverURL string

	verbose bool

	version string
	commit  string
	date    string
}

// New creates a new CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "openclaw-gateway",
		Short: "Experiment gateway with GPU job scheduling",
		Long: `openclaw-gateway accepts experiment jobs from clients, places them onto
connected worker nodes, and drives proposal pipelines through their steps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	a.rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "openclaw-gateway.yaml", "Config file path")
	a.rootCmd.PersistentFlags().StringVar(&a.serverURL, "server", "http://127.0.0.1:7411", "Gateway base URL")

	a.rootCmd.AddCommand(
		NewServeCmd(a),
		NewSubmitCmd(a),
		NewJobsCmd(a),
		NewCancelCmd(a),
		NewPauseCmd(a),
		NewResumeCmd(a),
		NewWaitCmd(a),
		NewNodesCmd(a),
		NewVersionCmd(a),
	)
}

// logger builds the process logger honoring --verbose.
func (a *App) logger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if a.verbose {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}
