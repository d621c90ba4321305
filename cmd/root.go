package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/beacon/cmd/gen"
	"github.com/luma/beacon/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:           "beacon",
	Short:         "Beacon serves a shared JSON document over TCP, HTTP and WebSocket",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), meta.GetInfo())
	},
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() error {
	return RootCmd.Execute()
}
