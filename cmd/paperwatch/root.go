package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wenjingluo11-spec/paperwatch"
	"github.com/wenjingluo11-spec/paperwatch/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	interval   time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "paperwatch",
		Short: "Follow paper generation tasks as they progress",
		Long: `paperwatch streams the progress of one or more paper generation tasks
from the pipeline, one connection per task, and prints a live dashboard
until every task has completed.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().DurationVar(&opts.interval, "refresh", 250*time.Millisecond, "minimum time between dashboard redraws")

	cmd.AddCommand(newGenerateCmd(opts), newWatchCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var topics []int64
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Start generating a paper and follow its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(topics) == 0 {
				return fmt.Errorf("at least one --topic is required")
			}
			return run(cmd, opts, func(ctx context.Context, t *paperwatch.Tracker) error {
				id, err := t.Launch(ctx, paperwatch.TopicSelection{TopicIDs: topics})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started task %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64SliceVarP(&topics, "topic", "t", nil, "topic id to generate from (repeatable)")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch TASK_ID...",
		Short: "Follow tasks that are already running",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]paperwatch.TaskID, 0, len(args))
			for _, arg := range args {
				n, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid task id %q", arg)
				}
				ids = append(ids, paperwatch.TaskID(n))
			}
			return run(cmd, opts, func(ctx context.Context, t *paperwatch.Tracker) error {
				for _, id := range ids {
					if err := t.Track(id); err != nil {
						return err
					}
				}
				t.Store().Focus(ids[0])
				return nil
			})
		},
	}
}

// run wires a tracker from the configuration, lets start register the tasks
// and then shows the dashboard until the batch ends.
func run(cmd *cobra.Command, opts *rootOptions, start func(context.Context, *paperwatch.Tracker) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	abandoned := make(chan paperwatch.TaskID, 16)
	options := cfg.Options(logger)
	options.OnAbandoned = func(id paperwatch.TaskID) {
		select {
		case abandoned <- id:
		default:
		}
	}

	client := cfg.Client()
	tracker := paperwatch.NewTracker(paperwatch.NewStore(), cfg.Dialer(), client, client, options)

	if err := start(ctx, tracker); err != nil {
		tracker.Close()
		return err
	}

	out := cmd.OutOrStdout()
	dash := newDashboard(out, opts.interval)
	err = dash.follow(ctx, tracker, abandoned)
	tracker.Close()
	printRecords(out, tracker.Store())
	return err
}

func printRecords(w io.Writer, store *paperwatch.Store) {
	for _, id := range store.CompletedTasks() {
		rec := store.Record(id)
		if rec == nil {
			continue
		}
		fmt.Fprintf(w, "task %d: %q status=%s quality=%.1f\n", id, rec.Title, rec.Status, rec.QualityScore)
	}
}
