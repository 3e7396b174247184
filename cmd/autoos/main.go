package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zen-systems/autoos/pkg/config"
)

var (
	configFile string
	logLevel   string
	logger     zerolog.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "autoos",
		Short: "Multi-model workflow orchestrator with graduated failure recovery",
		Long: `autoos runs workflows of planner, executor, verifier, auditor and
synthesizer steps across several LLM providers. Each step is routed to the
most suitable provider within budget, low-confidence output is checked by a
second provider, and failures climb a recovery ladder from retry to human
escalation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to providers config file (default ~/.autoos/providers.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(providersCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(resumeCmd())
	root.AddCommand(serveCmd())
	return root
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithProvidersFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
