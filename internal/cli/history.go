package cli

import (
	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/model"
	"github.com/thewalkeragency/tree-ring/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List persistent rows under a scope, newest first",
		Run:   runHistory,
	}

	cmd.Flags().String("session", "", "Session id (required)")
	cmd.Flags().StringP("agent", "a", "", "Requesting agent id (required)")
	cmd.Flags().StringP("scope", "s", "", "Scope prefix (required)")
	cmd.Flags().String("written-by", "", "Only rows written by this agent")

	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("scope")

	RootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	writtenBy, _ := cmd.Flags().GetString("written-by")
	agent := agentFlag(cmd, "agent")
	scope := scopeFlag(cmd)

	var rowAgent model.AgentID
	if writtenBy != "" {
		rowAgent = agentFlag(cmd, "written-by")
	}

	m := openManager(cmd)
	defer m.Close()

	rows, err := m.History(cmd.Context(), session, agent, scope, rowAgent)
	if err != nil {
		exitErr("history", err)
	}
	if rows == nil {
		rows = []store.Record{}
	}
	printJSON(rows)
}
