package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/liamcoop/queuerules/internal/app"
	"github.com/liamcoop/queuerules/internal/config"
	"github.com/liamcoop/queuerules/internal/logger"
	"github.com/spf13/cobra"
)

// cli carries the assembled application between the root command's hooks and its subcommands
type cli struct {
	configPath string
	asJSON     bool

	opts app.Options
	app  *app.App
	// owned is set when open built app, so close must release it
	owned bool
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "Manage queue status rules and run them against the record store",
		Long: `queuectl drives the same engine as the HTTP server.

Use it to inspect and toggle rules, preview what a rule would move,
run rules on demand and look through the execution history.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", c.configPath, "path to a YAML configuration file")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newRunCmd(c),
		newCheckCmd(c),
		newRulesCmd(c),
		newPreviewCmd(c),
		newHistoryCmd(c),
		newPruneCmd(c),
		newTransitionsCmd(c),
	)
	return root
}

func (c *cli) open(ctx context.Context) error {
	if c.app != nil {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.opts.Logger == nil {
		if err := logger.Setup(ctx, cfg.Log); err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		c.opts.Logger = logger.Logger
	}

	a, err := app.Build(ctx, cfg, c.opts)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	c.app, c.owned = a, true
	return nil
}

func (c *cli) close() error {
	if c.app == nil || !c.owned {
		return nil
	}
	err := c.app.Close()
	c.app, c.owned = nil, false
	return err
}

// printJSON writes v when --json is set and reports whether it did
func (c *cli) printJSON(w io.Writer, v any) (bool, error) {
	if !c.asJSON {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
