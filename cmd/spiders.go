package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/spider"
)

func newSpidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spiders",
		Short: "Manage spider definitions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "import <file.yaml>...",
			Short: "Validate and store spider definitions",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				var cfgs []crawler.SpiderConfig
				for _, path := range args {
					loaded, err := spider.LoadFile(path)
					if err != nil {
						return fmt.Errorf("load %s: %w", path, err)
					}
					cfgs = append(cfgs, loaded...)
				}
				if err := a.Registry.Import(cmd.Context(), cfgs); err != nil {
					return err
				}
				names := make([]string, 0, len(cfgs))
				for _, c := range cfgs {
					names = append(names, c.Name)
				}
				return printJSON(cmd, map[string]any{"imported": names})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored spiders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				cfgs, err := a.Registry.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("list spiders: %w", err)
				}
				if cfgs == nil {
					cfgs = []crawler.SpiderConfig{}
				}
				return printJSON(cmd, cfgs)
			},
		},
	)
	return cmd
}
