package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/dispatcher"
)

// fetchFlags are shared by crawl and work.
type fetchFlags struct {
	limit     int
	timeout   time.Duration
	proxyType string
	browser   bool
	output    string
}

func (f *fetchFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.limit, "limit", 0, "stop after this many articles (0 = unlimited)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "stop after this long (0 = no timeout)")
	cmd.Flags().StringVar(&f.proxyType, "proxy-type", "", "proxy tier override: auto, direct, datacenter, residential")
	cmd.Flags().BoolVar(&f.browser, "browser", false, "fetch every page through the headless browser")
	cmd.Flags().StringVar(&f.output, "output", "", "JSONL output path")
}

func (f *fetchFlags) proxyMode() (crawler.ProxyMode, error) {
	if f.proxyType == "" {
		return "", nil
	}
	mode, err := crawler.ParseProxyMode(f.proxyType)
	if err != nil {
		return "", fmt.Errorf("--proxy-type: %w", err)
	}
	return mode, nil
}

func newCrawlCmd() *cobra.Command {
	var (
		flags      fetchFlags
		resetDedup bool
		rolling    bool
	)
	cmd := &cobra.Command{
		Use:   "crawl <spider>",
		Short: "Run a configured spider",
		Long: `Runs the named spider from its start URLs. A run without --limit is a
production run: it checkpoints its frontier and resumes where it left off
after an interruption, and its finished output is uploaded when an upload
backend is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			mode, err := flags.proxyMode()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stats, err := a.Orchestrator.RunSpider(ctx, args[0], dispatcher.RunOptions{
				Limit:       flags.limit,
				Timeout:     flags.timeout,
				ProxyMode:   mode,
				Browser:     flags.browser,
				ResetDedup:  resetDedup,
				Output:      flags.output,
				Rolling:     rolling,
				Concurrency: a.Config.Crawler.Concurrency,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("crawl %s: %w", args[0], err)
			}
			return printJSON(cmd, stats)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&resetDedup, "reset-deduplication", false, "discard the checkpoint and refetch stored articles")
	cmd.Flags().BoolVar(&rolling, "rolling", false, "write one output file per day under output.dir")
	cmd.Flags().Int("concurrency", 0, "concurrent requests (overrides the spider setting)")
	return cmd
}

func newWorkCmd() *cobra.Command {
	var (
		flags      fetchFlags
		untilEmpty bool
	)
	cmd := &cobra.Command{
		Use:   "work <project>",
		Short: "Drain the work queue of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			mode, err := flags.proxyMode()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stats, err := a.Orchestrator.RunQueue(ctx, args[0], dispatcher.QueueOptions{
				Workers:    a.Config.Queue.Workers,
				Limit:      flags.limit,
				Timeout:    flags.timeout,
				UntilEmpty: untilEmpty,
				Output:     flags.output,
				ProxyMode:  mode,
				Browser:    flags.browser,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("work %s: %w", args[0], err)
			}
			if err := printJSON(cmd, stats); err != nil {
				return err
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d of %d claimed items failed", stats.Failed, stats.Claimed)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().Int("workers", 1, "concurrent claimants")
	cmd.Flags().BoolVar(&untilEmpty, "until-empty", false, "exit once no pending item is left")
	return cmd
}
