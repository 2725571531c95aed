package daemon

import "github.com/spf13/cobra"

// Actions defines daemon operations.
type Actions interface {
	Daemon(cmd *cobra.Command, args []string) error
}

// Commands builds the daemon command set.
func Commands(h Actions) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "daemon",
			Short: "Run the vessel daemon",
			RunE:  h.Daemon,
		},
	}
}
