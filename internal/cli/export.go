package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persistent rows as JSON",
		Long:  "Export persistent rows, oldest first, including history. Filter by session with --session.",
		Run:   runExport,
	}

	cmd.Flags().String("session", "", "Filter by session")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")

	m := openManager(cmd)
	defer m.Close()

	rows, err := m.Export(cmd.Context(), session)
	if err != nil {
		exitErr("export", err)
	}

	b, err := store.EncodeExport(rows)
	if err != nil {
		exitErr("encode", err)
	}
	fmt.Println(string(b))
}
