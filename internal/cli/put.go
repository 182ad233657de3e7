package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Write context for an agent",
		Long:  "Write context to a scope. Content can be a positional arg or piped via stdin. The fast layer is always written; --persistent also appends a durable row.",
		Run:   runPut,
	}

	cmd.Flags().String("session", "", "Session id (default: a new UUID)")
	cmd.Flags().StringP("agent", "a", "", "Agent id (required)")
	cmd.Flags().StringP("scope", "s", "", "Scope, e.g. implementation:feature-x (required)")
	cmd.Flags().BoolP("persistent", "p", false, "Also write to the persistent layer")
	cmd.Flags().Bool("chunked", false, "Split text content into semantic chunks")
	cmd.Flags().Bool("json", false, "Parse content as JSON")
	cmd.Flags().Duration("ttl", 0, "Entry lifetime (default: cache TTL, persistent rows kept)")
	cmd.Flags().String("meta", "", "JSON metadata object")

	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("scope")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	persistent, _ := cmd.Flags().GetBool("persistent")
	chunked, _ := cmd.Flags().GetBool("chunked")
	asJSON, _ := cmd.Flags().GetBool("json")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	metaStr, _ := cmd.Flags().GetString("meta")
	agent := agentFlag(cmd, "agent")
	scope := scopeFlag(cmd)

	content := strings.TrimSpace(readInput(cmd, args))
	if content == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}
	var data any = content
	if asJSON {
		if err := json.Unmarshal([]byte(content), &data); err != nil {
			exitErr("parse content", err)
		}
	}

	var meta map[string]any
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			exitErr("parse meta", err)
		}
	}
	if session == "" {
		session = uuid.NewString()
	}

	m := openManager(cmd)
	defer m.Close()

	res, err := m.UpdateContext(cmd.Context(), session, agent, scope, data, memory.UpdateOptions{
		Persistent: persistent,
		Chunked:    chunked,
		Metadata:   meta,
		TTL:        ttl,
	})
	if err != nil {
		exitErr("put", err)
	}

	printJSON(struct {
		Session string `json:"session"`
		*memory.UpdateResult
	}{session, res})
}
