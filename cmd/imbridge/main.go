// imbridge bridges DingTalk and WeCom bots onto a normalized message bus.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/imbridge/cmd/imbridge/internal"
	"github.com/tinyland-inc/imbridge/cmd/imbridge/internal/configcmd"
	"github.com/tinyland-inc/imbridge/cmd/imbridge/internal/gateway"
	"github.com/tinyland-inc/imbridge/cmd/imbridge/internal/version"
)

func NewImbridgeCommand() *cobra.Command {
	short := fmt.Sprintf("imbridge - DingTalk and WeCom message bridge v%s", internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "imbridge",
		Short:        short,
		Example:      "imbridge gateway --debug",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "", "Path to config.json (default ~/.imbridge/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		configcmd.NewConfigCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewImbridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
