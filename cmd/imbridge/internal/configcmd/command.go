package configcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/imbridge/cmd/imbridge/internal"
	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/channels"
	"github.com/tinyland-inc/imbridge/pkg/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the imbridge configuration",
		Example: `  imbridge config init
  imbridge config check`,
	}

	cmd.AddCommand(newInitCommand(), newCheckCommand())
	return cmd
}

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := internal.GetConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func newCheckCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and fetch a token for every enabled channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}

			manager, err := channels.NewManager(cfg, bus.NewMessageBus())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			results := manager.HealthCheck(ctx)
			if len(results) == 0 {
				fmt.Fprintln(out, "No channels enabled")
				return nil
			}

			var failed []error
			for _, name := range manager.GetEnabledChannels() {
				err, ok := results[name]
				if !ok {
					continue
				}
				if err != nil {
					fmt.Fprintf(out, "✗ %s: %v\n", name, err)
					failed = append(failed, fmt.Errorf("%s: %w", name, err))
					continue
				}
				fmt.Fprintf(out, "✓ %s\n", name)
			}
			return errors.Join(failed...)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Timeout for the credential checks")
	return cmd
}
