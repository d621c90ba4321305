package gen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/beacon/internal/meta"
)

var (
	manDir string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for beacon",
	Long: `Generate up-to-date man pages for every beacon command. By default
the pages are written to the "man" directory under the current directory.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		header := &doc.GenManHeader{
			Section: "1",
			Manual:  "Beacon Manual",
			Source:  fmt.Sprintf("beacon %s", meta.Version),
		}

		dir := filepath.Clean(manDir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}

		cmd.Root().DisableAutoGenTag = true

		fmt.Fprintln(cmd.OutOrStdout(), "Generating man pages in", dir)

		return doc.GenManTree(cmd.Root(), header, dir)
	},
}

var CompletionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish]",
	Short:     "Generate a shell completion script",
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish"},

	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		default:
			return cmd.Root().GenFishCompletion(out, true)
		}
	},
}

func init() {
	flags := ManPagesCmd.PersistentFlags()

	flags.StringVar(&manDir, "dir", "man/", "the directory to write the man pages.")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
