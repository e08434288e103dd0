// Command dispatcher is the workstation CLI: submit jobs, query status,
// wait for completion, download results, and reap stale claims.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pose-factory/internal/config"
	"pose-factory/internal/dispatcher"
	"pose-factory/internal/errdefs"
	"pose-factory/internal/metrics"
	"pose-factory/internal/models"
	"pose-factory/internal/store"
)

func main() {
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto shell exit codes so scripts can
// branch without parsing messages.
func exitCode(err error) int {
	switch {
	case errdefs.IsValidation(err):
		return 2
	case errdefs.IsNotFound(err):
		return 3
	case errdefs.IsTimeout(err):
		return 4
	case errdefs.IsTransport(err):
		return 5
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:           "pose",
		Short:         "Dispatch render jobs to GPU workers through the object store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if v.GetBool("debug") {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("remote", "", "object store remote, shape name:bucket")
	pf.String("data-dir", "data", "local job record directory")
	pf.String("scripts-dir", "scripts", "local scripts directory mirrored on submit")
	pf.Bool("debug", false, "debug logging")
	_ = v.BindPFlag("store_remote", pf.Lookup("remote"))
	_ = v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = v.BindPFlag("scripts_dir", pf.Lookup("scripts-dir"))
	_ = v.BindPFlag("debug", pf.Lookup("debug"))

	root.AddCommand(
		newSubmitCmd(v),
		newStatusCmd(v),
		newWaitCmd(v),
		newDownloadCmd(v),
		newListCmd(v),
		newReapCmd(v),
	)
	return root
}

// open builds the dispatcher from the resolved configuration.
func open(ctx context.Context, v *viper.Viper) (*dispatcher.Dispatcher, *config.Config, error) {
	cfg := config.FromViper(v)
	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, nil, errdefs.Validationf("%v", err)
	}
	s, err := store.Open(ctx, storeCfg)
	if err != nil {
		return nil, nil, err
	}
	d := dispatcher.New(s, cfg.DataDir, cfg.ScriptsDir, cfg.PollInterval, metrics.NewMetrics())
	return d, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSubmitCmd(v *viper.Viper) *cobra.Command {
	var (
		kind       string
		script     string
		characters []string
		outputDir  string
		assets     []string
		params     []string
		wait       bool
		download   string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, cfg, err := open(ctx, v)
			if err != nil {
				return err
			}

			overrides, err := parseParams(params)
			if err != nil {
				return err
			}

			manifest, err := d.Submit(ctx, dispatcher.SubmitRequest{
				Kind:       models.JobKind(kind),
				Script:     script,
				Characters: characters,
				OutputDir:  outputDir,
				Assets:     assets,
				Overrides:  overrides,
			})
			if err != nil {
				return err
			}
			fmt.Println(manifest.JobID)

			if !wait && download == "" {
				return nil
			}
			if err := d.Wait(ctx, manifest.JobID, cfg.WaitTimeout); err != nil {
				return err
			}
			if download != "" {
				path, err := d.Download(ctx, manifest.JobID, download, false)
				if err != nil {
					return err
				}
				fmt.Println(path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(models.KindRender), "job kind (render or character)")
	cmd.Flags().StringVar(&script, "script", "", "script path relative to the scripts directory")
	cmd.Flags().StringSliceVar(&characters, "characters", nil, "comma-separated character names")
	cmd.Flags().StringVar(&outputDir, "output", "", "output subpath for downloaded results")
	cmd.Flags().StringSliceVar(&assets, "assets", nil, "comma-separated asset keys under assets/")
	cmd.Flags().StringArrayVar(&params, "param", nil, "script parameter KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job completes")
	cmd.Flags().StringVar(&download, "download", "", "wait and download results into this directory")
	_ = cmd.MarkFlagRequired("script")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "status [--id ID]",
		Short: "Print a job's derived status, or all recorded jobs without --id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, _, err := open(ctx, v)
			if err != nil {
				return err
			}
			if id != "" {
				status, err := d.Status(ctx, id)
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			}
			return printJobTable(ctx, d, true)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id to query")
	return cmd
}

func newWaitCmd(v *viper.Viper) *cobra.Command {
	var (
		id         string
		timeoutSec int
	)

	cmd := &cobra.Command{
		Use:   "wait --id ID",
		Short: "Block until a job completes or the timeout elapses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, cfg, err := open(ctx, v)
			if err != nil {
				return err
			}
			timeout := cfg.WaitTimeout
			if cmd.Flags().Changed("timeout") {
				timeout = time.Duration(timeoutSec) * time.Second
			}
			return d.Wait(ctx, id, timeout)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id to wait for")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 3600, "wait timeout in seconds")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newDownloadCmd(v *viper.Viper) *cobra.Command {
	var (
		id    string
		dest  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "download --id ID",
		Short: "Mirror a job's results to the local filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, _, err := open(ctx, v)
			if err != nil {
				return err
			}
			path, err := d.Download(ctx, id, dest, force)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id to download")
	cmd.Flags().StringVar(&dest, "dest", "downloads", "destination directory")
	cmd.Flags().BoolVar(&force, "force", false, "download even if the job is not completed")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newListCmd(v *viper.Viper) *cobra.Command {
	var withStatus bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locally recorded jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, _, err := open(ctx, v)
			if err != nil {
				return err
			}
			return printJobTable(ctx, d, withStatus)
		},
	}
	cmd.Flags().BoolVar(&withStatus, "status", false, "query the store for each job's live status")
	return cmd
}

func printJobTable(ctx context.Context, d *dispatcher.Dispatcher, withStatus bool) error {
	manifests, err := d.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if withStatus {
		fmt.Fprintln(w, "JOB ID\tKIND\tCREATED\tSTATUS")
	} else {
		fmt.Fprintln(w, "JOB ID\tKIND\tCREATED")
	}
	for _, m := range manifests {
		if withStatus {
			status, err := d.Status(ctx, m.JobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.JobID, m.JobType, m.CreatedAt, status)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.JobID, m.JobType, m.CreatedAt)
		}
	}
	return w.Flush()
}

func newReapCmd(v *viper.Viper) *cobra.Command {
	var olderThanSec int

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Move stale processing manifests back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, cfg, err := open(ctx, v)
			if err != nil {
				return err
			}
			olderThan := cfg.JobTimeout
			if cmd.Flags().Changed("older-than") {
				olderThan = time.Duration(olderThanSec) * time.Second
			}
			reaped, err := d.Reap(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d job(s)\n", reaped)
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanSec, "older-than", 3600, "age threshold in seconds")
	return cmd
}

func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	overrides := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errdefs.Validationf("invalid --param %q, expected KEY=VALUE", pair)
		}
		overrides[key] = value
	}
	return overrides, nil
}
