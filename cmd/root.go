// Package cmd defines the scrapai command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/app"
	"github.com/discourselab/scrapai-cli-sub000/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// appFactory builds the application from loaded configuration. Tests swap
// in a factory that forces in-memory stores.
type appFactory func(ctx context.Context, cfg config.Config) (*app.App, error)

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"log-level":   "logging.level",
	"database":    "database.kind",
	"workers":     "queue.workers",
	"port":        "server.port",
	"concurrency": "crawler.concurrency",
}

// newRootCmd creates the root command and its subcommands. The returned
// closer releases the application if one was built.
func newRootCmd(build appFactory) (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile string
		built   *app.App
	)

	cmd := &cobra.Command{
		Use:   "scrapai",
		Short: "Queue-driven article crawler",
		Long: `scrapai runs configured spiders and drains a priority work queue,
extracting articles through a cascade of strategies and escalating through
proxy tiers and a headless browser when sites push back.`,
		SilenceUsage: true,

		// Builds the application once the subcommand's flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, boundFlags(cmd.Flags()))
			if err != nil {
				return err
			}
			appInstance, err := build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database", "", "database kind (postgres, sqlite, memory)")

	cmd.AddCommand(newQueueCmd(), newCrawlCmd(), newWorkCmd(), newSpidersCmd(), newServeCmd())

	closer := func(ctx context.Context) error {
		if built == nil {
			return nil
		}
		return built.Close(ctx)
	}
	return cmd, closer
}

// execute runs the CLI with args and closes the application afterwards,
// whether or not the command succeeded.
func execute(ctx context.Context, build appFactory, args []string, out io.Writer) error {
	cmd, closeApp := newRootCmd(build)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	err := cmd.ExecuteContext(ctx)
	if cerr := closeApp(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// boundFlags collects the flags that map onto config keys.
func boundFlags(flags *pflag.FlagSet) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			out[key] = f
		}
	}
	return out
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := execute(context.Background(), app.Build, os.Args[1:], os.Stdout); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
