package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired entries from both layers",
		Run:   runCleanup,
	}

	RootCmd.AddCommand(cmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	m := openManager(cmd)
	defer m.Close()

	res, err := m.Cleanup(cmd.Context())
	if err != nil {
		exitErr("cleanup", err)
	}
	printJSON(res)
}
