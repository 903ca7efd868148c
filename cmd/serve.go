package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var projects []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, optionally draining project queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context(), projects, a.Config.Queue.Workers)
		},
	}
	cmd.Flags().StringSliceVar(&projects, "work", nil, "projects whose queues are drained while serving")
	cmd.Flags().Int("workers", 1, "concurrent claimants per project")
	cmd.Flags().Int("port", 8080, "admin API port")
	return cmd
}
