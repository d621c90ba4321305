package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate man pages and shell completions",
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
	RootCmd.AddCommand(CompletionCmd)
}
