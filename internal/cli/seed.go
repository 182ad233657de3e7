package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed session context from a YAML or JSON document",
		Long:  "Fan a seed document out to the project, implementation, monitoring and prototype scopes. Only memex may seed.",
		Run:   runSeed,
	}

	cmd.Flags().String("session", "", "Session id (required)")
	cmd.Flags().StringP("agent", "a", string(model.SeedingAgent), "Agent id")
	cmd.Flags().String("file", "", "Seed file (default: stdin)")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runSeed(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	agent := agentFlag(cmd, "agent")

	seed, err := decodeSeed(readInput(cmd, nil))
	if err != nil {
		exitErr("parse seed", err)
	}

	m := openManager(cmd)
	defer m.Close()

	res, err := m.SeedContext(cmd.Context(), session, agent, seed)
	if err != nil {
		exitErr("seed", err)
	}
	printJSON(res)
}

// decodeSeed parses a seed document. JSON is valid YAML, so one decoder
// serves both.
func decodeSeed(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("seed document is empty")
	}
	var seed map[string]any
	if err := yaml.Unmarshal([]byte(raw), &seed); err != nil {
		return nil, err
	}
	return seed, nil
}
