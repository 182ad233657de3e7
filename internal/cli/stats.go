package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		Run:   runStats,
	}

	cmd.Flags().Bool("prometheus", false, "Print metrics in the Prometheus text format")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	prom, _ := cmd.Flags().GetBool("prometheus")

	m := openManager(cmd)
	defer m.Close()

	stats, err := m.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	if prom {
		if err := m.Metrics().WritePrometheus(os.Stdout); err != nil {
			exitErr("write metrics", err)
		}
		return
	}
	printJSON(stats)
}
