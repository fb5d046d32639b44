package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"scribed/internal/config"
)

// cli holds what the persistent flags resolve to before any subcommand runs.
type cli struct {
	configPath string
	logLevel   string
	getenv     func(string) string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&cli{getenv: os.Getenv}) }

// newRootCmdWith constructs the command tree around c.
func newRootCmdWith(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "scribed",
		Short:         "Resource-aware transcription API and workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags -> cli
	root.PersistentFlags().StringVar(&c.configPath, "config", c.getenv("SCRIBED_CONFIG"), "Config file (.yaml, .json or .toml; defaults SCRIBED_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve(c.configPath, c.getenv)
		if err != nil {
			return err
		}
		if c.logLevel != "" {
			cfg.LogLevel = c.logLevel
		}
		l, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		if err != nil {
			return err
		}
		c.cfg, c.log = cfg, l
		return nil
	}

	root.AddCommand(c.serveCmd(), c.workerCmd(), c.resourcesCmd(), c.reclaimCmd(), c.modelsCmd())
	return root
}

// newLogger writes JSON lines with timestamps to w.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "scribed").Logger(), nil
}
