package others

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Actions defines cross-cutting system operations.
type Actions interface {
	Partition(cmd *cobra.Command, args []string) error
	Idsig(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds the system command set (partition, idsig, version,
// completion).
func Commands(h Actions) []*cobra.Command {
	partitionCmd := &cobra.Command{
		Use:   "partition PATH",
		Short: "Create or reset an empty writable partition image",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Partition,
	}
	partitionCmd.Flags().String("size", "", "partition size (e.g. 64M, 1G)")
	partitionCmd.Flags().String("type", "raw", "partition type: raw or vm-instance")

	idsigCmd := &cobra.Command{
		Use:   "idsig INPUT OUTPUT",
		Short: "Create or update the digest file for an application image",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Idsig,
	}

	return []*cobra.Command{
		partitionCmd,
		idsigCmd,
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
		{
			Use:       "completion [bash|zsh|fish|powershell]",
			Short:     "Generate shell completion script",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
			RunE: func(cmd *cobra.Command, args []string) error {
				root := cmd.Root()
				switch args[0] {
				case "bash":
					return root.GenBashCompletion(os.Stdout)
				case "zsh":
					return root.GenZshCompletion(os.Stdout)
				case "fish":
					return root.GenFishCompletion(os.Stdout, true)
				case "powershell":
					return root.GenPowerShellCompletionWithDesc(os.Stdout)
				default:
					return fmt.Errorf("unsupported shell: %s", args[0])
				}
			},
		},
	}
}
