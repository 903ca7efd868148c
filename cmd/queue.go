package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the crawl work queue",
	}
	cmd.AddCommand(
		newQueueAddCmd(),
		newQueueListCmd(),
		newQueueClaimCmd(),
		newQueueStatsCmd(),
		newQueueItemCmd("complete", "Mark a claimed item completed", func(cmd *cobra.Command, q crawler.WorkQueue, id int64) error {
			return q.MarkComplete(cmd.Context(), id)
		}),
		newQueueFailCmd(),
		newQueueItemCmd("retry", "Reset a failed item to pending", func(cmd *cobra.Command, q crawler.WorkQueue, id int64) error {
			return q.Retry(cmd.Context(), id)
		}),
		newQueueItemCmd("remove", "Delete an item", func(cmd *cobra.Command, q crawler.WorkQueue, id int64) error {
			return q.Remove(cmd.Context(), id)
		}),
		newQueueCleanupCmd(),
		newQueueRequeueStaleCmd(),
	)
	return cmd
}

func newQueueAddCmd() *cobra.Command {
	var (
		priority    int
		instruction string
	)
	cmd := &cobra.Command{
		Use:   "add <project> <url>",
		Short: "Enqueue a URL for a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := a.Queue.Enqueue(cmd.Context(), crawler.EnqueueRequest{
				Project:     args[0],
				TargetURL:   args[1],
				Instruction: instruction,
				Priority:    priority,
			})
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", args[1], err)
			}
			return printJSON(cmd, map[string]any{"id": id, "project": args[0], "url": args[1]})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", crawler.DefaultPriority, "priority, higher runs first")
	cmd.Flags().StringVar(&instruction, "instruction", "", "free-text instruction stored with the item")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List queue items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := a.Queue.List(cmd.Context(), crawler.ListFilter{
				Project: args[0],
				Status:  crawler.QueueStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return fmt.Errorf("list queue: %w", err)
			}
			if items == nil {
				items = []crawler.QueueItem{}
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only items with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to list")
	return cmd
}

func newQueueClaimCmd() *cobra.Command {
	var claimant string
	cmd := &cobra.Command{
		Use:   "claim <project>",
		Short: "Claim the next pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if claimant == "" {
				claimant = defaultClaimant()
			}
			item, ok, err := a.Queue.ClaimNext(cmd.Context(), args[0], claimant)
			if err != nil {
				return fmt.Errorf("claim: %w", err)
			}
			if !ok {
				return printJSON(cmd, map[string]any{"project": args[0], "claimed": false})
			}
			return printJSON(cmd, item)
		},
	}
	cmd.Flags().StringVar(&claimant, "claimant", "", "claimant identity (default host-pid)")
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <project>",
		Short: "Count items per status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Queue.Stats(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			return printJSON(cmd, stats)
		},
	}
}

type itemAction func(cmd *cobra.Command, q crawler.WorkQueue, id int64) error

func newQueueItemCmd(use, short string, action itemAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItemAction(cmd, args[0], use, action)
		},
	}
}

func newQueueFailCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a claimed item failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItemAction(cmd, args[0], "fail", func(cmd *cobra.Command, q crawler.WorkQueue, id int64) error {
				return q.MarkFailed(cmd.Context(), id, message)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "failure reason")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runItemAction(cmd *cobra.Command, rawID, name string, action itemAction) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid item id %q", rawID)
	}
	if err := action(cmd, a.Queue, id); err != nil {
		return fmt.Errorf("%s item %d: %w", name, id, err)
	}
	return printJSON(cmd, map[string]any{"id": id, "action": name})
}

func newQueueCleanupCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete items in terminal states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter := make([]crawler.QueueStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, crawler.QueueStatus(s))
			}
			n, err := a.Queue.BulkCleanup(cmd.Context(), filter...)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			return printJSON(cmd, map[string]any{"removed": n})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status",
		[]string{string(crawler.QueueStatusCompleted), string(crawler.QueueStatusFailed)}, "statuses to delete")
	return cmd
}

func newQueueRequeueStaleCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Return processing items claimed too long ago to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = a.Config.Queue.StaleAfter
			}
			n, err := a.Queue.RequeueStale(cmd.Context(), olderThan)
			if err != nil {
				return fmt.Errorf("requeue stale: %w", err)
			}
			return printJSON(cmd, map[string]any{"requeued": n, "older_than": olderThan.String()})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "claim age after which an item is stale (default queue.stale_after)")
	return cmd
}

func defaultClaimant() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scrapai"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
