package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thewalkeragency/tree-ring/internal/permission"
)

func init() {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Hand a task over to another agent",
		Long:  "Validate a handoff document (previous_state, task_scope, expected_output, access_permissions), create the task scope and store the handoff in it.",
		Run:   runHandoff,
	}

	cmd.Flags().String("session", "", "Session id (required)")
	cmd.Flags().String("from", "", "Sending agent (required)")
	cmd.Flags().String("to", "", "Receiving agent (required)")
	cmd.Flags().String("task", "", "Task id (required)")
	cmd.Flags().String("file", "", "Handoff document, YAML or JSON (default: stdin)")

	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("task")

	RootCmd.AddCommand(cmd)
}

func runHandoff(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	task, _ := cmd.Flags().GetString("task")
	from := agentFlag(cmd, "from")
	to := agentFlag(cmd, "to")

	var h permission.Handoff
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(readInput(cmd, nil))), &h); err != nil {
		exitErr("parse handoff", err)
	}

	m := openManager(cmd)
	defer m.Close()

	ts, err := m.Handoff(cmd.Context(), session, from, to, task, h)
	if err != nil {
		exitErr("handoff", err)
	}
	printJSON(ts)
}
