package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pose-factory/internal/config"
	"pose-factory/internal/metrics"
	"pose-factory/internal/store"
	"pose-factory/internal/worker"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("worker exited")
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "pose-worker",
		Short:        "GPU worker agent: polls the object store for pending jobs and executes them",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.FromViper(v))
		},
	}

	flags := cmd.Flags()
	flags.String("workspace", "/workspace", "workspace root directory")
	flags.String("tool", "blender-render", "render tool binary")
	flags.Int("poll-interval", 30, "queue poll interval in seconds")
	flags.Int("job-timeout", 3600, "per-job execution timeout in seconds")
	flags.Bool("claim-backoff", false, "randomize claim timing across workers")
	flags.Bool("debug", false, "debug logging and no execution timeout")

	for flag, key := range map[string]string{
		"workspace":     "workspace_root",
		"tool":          "tool",
		"poll-interval": "poll_interval",
		"job-timeout":   "job_timeout",
		"claim-backoff": "claim_backoff",
		"debug":         "debug",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	return cmd
}

func run(cfg *config.Config) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.Warn("debug mode: job execution timeout disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(ctx, storeCfg)
	if err != nil {
		return err
	}

	w := worker.New(s, worker.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Tool:          cfg.Tool,
		PollInterval:  cfg.PollInterval,
		JobTimeout:    cfg.JobTimeout,
		ClaimBackoff:  cfg.ClaimBackoff,
		Debug:         cfg.Debug,
	}, metrics.NewMetrics())

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logrus.Info("worker stopped")
	return nil
}
