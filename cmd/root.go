package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"speleostore/internal/config"
	"speleostore/internal/engine"
	"speleostore/internal/observability"
	"speleostore/internal/ui"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// UserEnvVar names the user commands act as when --user is not given
const UserEnvVar = "SPELEOSTORE_USER"

var (
	cfgFile         string
	logLevel        string
	userName        string
	metricsTextfile string

	rootCmd = &cobra.Command{
		Use:   "speleostore",
		Short: "Version cave survey projects",
		Long: "SpeleoStore - stores cave survey files in per-project git repositories, " +
			"edited by one surveyor at a time, with a GeoJSON snapshot of every commit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.ShowError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.speleostore/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error, none)")
	flags.StringVarP(&userName, "user", "u", "", "user the command acts as (default $"+UserEnvVar+")")
	flags.StringVar(&metricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file when the command ends")
}

// session is the engine a command runs against
type session struct {
	cfg      *models.Config
	engine   *engine.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
}

func loadConfig() (*models.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := observability.NewLogger(level)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "Invalid log level").WithContext("level", level)
	}

	registry := prometheus.NewRegistry()
	e, err := engine.Open(cfg, logger, observability.NewMetrics(registry))
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, engine: e, logger: logger, registry: registry}, nil
}

func (s *session) Close() error {
	err := s.engine.Close()
	if metricsTextfile != "" {
		err = multierr.Append(err, prometheus.WriteToTextfile(metricsTextfile, s.registry))
	}
	_ = s.logger.Sync()
	return err
}

// user returns the acting user from --user or the environment
func (s *session) user() (string, error) {
	name := userName
	if name == "" {
		name = os.Getenv(UserEnvVar)
	}
	if name == "" {
		return "", errors.ValidationError("user", "", "--user or $"+UserEnvVar).
			WithSuggestions("Pass --user or export " + UserEnvVar)
	}
	return name, nil
}

// profile returns the access control entry of name, if any
func (s *session) profile(name string) *models.User {
	for i := range s.cfg.Users {
		if s.cfg.Users[i].Name == name {
			return &s.cfg.Users[i]
		}
	}
	return nil
}

// withSession wraps a command body so that it runs against an open session
// closed on return
func withSession(run func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, s.Close())
		}()
		return run(cmd, args, s)
	}
}
