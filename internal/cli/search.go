package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/memory"
	"github.com/thewalkeragency/tree-ring/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search context across layers",
		Long:  "Search the fast layer by keyword and the persistent layer by similarity (when vector search is enabled), merged by score.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().String("session", "", "Session id (required)")
	cmd.Flags().StringP("agent", "a", "", "Agent id (required)")
	cmd.Flags().StringP("scope", "s", "", "Scope prefix, e.g. implementation:* (required)")
	cmd.Flags().IntP("limit", "l", memory.DefaultSearchLimit, "Max results")
	cmd.Flags().StringSlice("layers", nil, "Layers to search: fast, persistent (default both)")

	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("scope")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	limit, _ := cmd.Flags().GetInt("limit")
	rawLayers, _ := cmd.Flags().GetStringSlice("layers")
	agent := agentFlag(cmd, "agent")
	scope := scopeFlag(cmd)
	query := strings.Join(args, " ")

	layers, err := parseLayers(rawLayers)
	if err != nil {
		exitErr("layers", err)
	}

	m := openManager(cmd)
	defer m.Close()

	results, err := m.SearchContext(cmd.Context(), query, session, agent, scope, memory.SearchOptions{
		Limit:  limit,
		Layers: layers,
	})
	if err != nil {
		exitErr("search", err)
	}
	if results == nil {
		results = []model.SearchResult{}
	}
	printJSON(results)
}

func parseLayers(raw []string) ([]model.Layer, error) {
	var layers []model.Layer
	for _, r := range raw {
		switch l := model.Layer(strings.ToLower(strings.TrimSpace(r))); l {
		case model.LayerFast, model.LayerPersistent:
			layers = append(layers, l)
		case "":
		default:
			return nil, fmt.Errorf("unknown layer %q", r)
		}
	}
	return layers, nil
}
