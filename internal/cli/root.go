// Package cli implements the dittovfs command line.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/config"
	"github.com/marmos91/dittovfs/pkg/fileservice"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

// NewRootCmd builds the dittovfs command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "dittovfs",
		Short: "Virtual file service over pluggable storage providers",
		Long: `dittovfs routes file operations to storage providers by URI scheme.

Providers (memory, disk, s3, badger, billy) are declared in the configuration
file and addressed as <scheme>://<path>, for example mem:///notes.txt.

Configuration precedence: DITTOVFS_* environment > config file > defaults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadEnv()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittovfs/config.yaml)")
	flags.StringVar(&opts.envFile, "env-file", "", "Load environment variables from a dotenv file before reading the config")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newStatCmd(opts),
		newLsCmd(opts),
		newCatCmd(opts),
		newPutCmd(opts),
		newMkdirCmd(opts),
		newRmCmd(opts),
		newMvCmd(opts),
		newCpCmd(opts),
		newExistsCmd(opts),
		newWatchCmd(opts),
		newProvidersCmd(opts),
		newConfigCmd(opts),
	)

	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (o *globalOptions) loadEnv() error {
	if o.envFile == "" {
		return nil
	}
	if err := godotenv.Load(o.envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
	}
	return nil
}

// loadConfig reads the configuration and applies the logging section.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}

	// stdout carries command output
	output := cfg.Logging.Output
	if strings.EqualFold(output, "stdout") {
		output = "stderr"
	}
	if err := logger.Configure(cfg.Logging.Format, output); err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger.SetLevel(level)

	return cfg, nil
}

// session is a configured service for the duration of one command.
type session struct {
	cfg     *config.Config
	svc     *fileservice.Service
	metrics *config.MetricsResult
	cleanup func()
}

func (o *globalOptions) openSession(ctx context.Context) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	m := config.InitializeMetrics(cfg)
	svc, cleanup, err := config.BuildService(ctx, cfg, m.ServiceMetrics)
	if err != nil {
		return nil, err
	}

	return &session{cfg: cfg, svc: svc, metrics: m, cleanup: cleanup}, nil
}

// withSession runs fn against a fresh session and closes it afterwards.
func (o *globalOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := o.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.cleanup()

	return fn(ctx, s)
}

func parseURIs(raw ...string) ([]uri.URI, error) {
	out := make([]uri.URI, len(raw))
	for i, r := range raw {
		u, err := uri.Parse(r)
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}
