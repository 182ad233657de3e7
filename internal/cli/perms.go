package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/model"
	"github.com/thewalkeragency/tree-ring/internal/permission"
)

func init() {
	perms := &cobra.Command{
		Use:   "perms [agent]",
		Short: "Show agent permission reports",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPerms,
	}
	RootCmd.AddCommand(perms)

	access := &cobra.Command{
		Use:   "access",
		Short: "Explain what an agent may do in a scope",
		Run:   runAccess,
	}
	access.Flags().StringP("agent", "a", "", "Agent id (required)")
	access.Flags().StringP("scope", "s", "", "Scope (required)")
	access.MarkFlagRequired("agent")
	access.MarkFlagRequired("scope")
	RootCmd.AddCommand(access)
}

func runPerms(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	gate := permission.Default(newLogger(cfg))
	now := time.Now().UTC()

	agents := model.KnownAgents
	if len(args) == 1 {
		a, err := model.ParseAgentID(args[0])
		if err != nil {
			exitErr("perms", err)
		}
		agents = []model.AgentID{a}
	}

	reports := make([]permission.Report, 0, len(agents))
	for _, a := range agents {
		r, ok := gate.Report(a, now)
		if !ok {
			exitErr("perms", fmt.Errorf("no policy for agent %s", a))
		}
		reports = append(reports, r)
	}
	if len(args) == 1 {
		printJSON(reports[0])
		return
	}
	printJSON(reports)
}

type accessReport struct {
	Agent       model.AgentID         `json:"agent"`
	Scope       string                `json:"scope"`
	AccessLevel model.AccessLevel     `json:"access_level"`
	Read        bool                  `json:"read"`
	Write       bool                  `json:"write"`
	Readers     []model.AgentID       `json:"readers"`
	Writers     []model.AgentID       `json:"writers"`
	Hierarchy   *permission.ScopeNode `json:"hierarchy,omitempty"`
}

func runAccess(cmd *cobra.Command, args []string) {
	agent := agentFlag(cmd, "agent")
	scope := scopeFlag(cmd)

	cfg := loadConfig()
	gate := permission.Default(newLogger(cfg))
	printJSON(newAccessReport(gate, agent, scope))
}

func newAccessReport(gate *permission.Gate, agent model.AgentID, scope model.Scope) accessReport {
	r := accessReport{
		Agent:       agent,
		Scope:       scope.String(),
		AccessLevel: gate.AccessLevel(agent, scope),
		Read:        gate.Validate(agent, scope, model.OpRead),
		Write:       gate.Validate(agent, scope, model.OpWrite),
		Readers:     gate.AgentsWithAccess(scope, model.OpRead),
		Writers:     gate.AgentsWithAccess(scope, model.OpWrite),
	}
	if n, ok := gate.Node(scope.Root); ok {
		r.Hierarchy = &n
	}
	return r
}
