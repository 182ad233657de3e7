package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Read context for an agent",
		Long:  "Read context from the fast layer, falling back to the newest persistent row under the scope.",
		Run:   runGet,
	}

	cmd.Flags().String("session", "", "Session id (required)")
	cmd.Flags().StringP("agent", "a", "", "Agent id (required)")
	cmd.Flags().StringP("scope", "s", "", "Scope (required)")

	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("scope")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	agent := agentFlag(cmd, "agent")
	scope := scopeFlag(cmd)

	m := openManager(cmd)
	defer m.Close()

	data, err := m.GetContext(cmd.Context(), session, agent, scope)
	if err != nil {
		exitErr("get", err)
	}

	printJSON(map[string]any{
		"found": data != nil,
		"data":  data,
	})
}
