package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import persistent rows from JSON",
		Long:  "Import rows from JSON (stdin or --file). Expects the format produced by export. Rows whose id already exists are skipped.",
		Run:   runImport,
	}

	cmd.Flags().String("file", "", "Read from a file instead of stdin")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	rows, err := store.DecodeExport([]byte(readInput(cmd, nil)))
	if err != nil {
		exitErr("parse json", err)
	}

	m := openManager(cmd)
	defer m.Close()

	imported, err := m.Import(cmd.Context(), rows)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Printf(`{"ok":true,"imported":%d}`+"\n", imported)
}
