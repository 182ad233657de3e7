// Package cli implements the tree-ring CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thewalkeragency/tree-ring/internal/config"
	"github.com/thewalkeragency/tree-ring/internal/logging"
	"github.com/thewalkeragency/tree-ring/internal/memory"
	"github.com/thewalkeragency/tree-ring/internal/model"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "tree-ring",
	Short: "Tiered, permissioned context memory for agents",
	Long:  "Shared session context for cooperating agents. A fast in-process cache in front of a durable store, with every read and write checked against a per-agent scope policy.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.tree-ring/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite database path (overrides store.path)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func loadConfig() *config.Config {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func openManager(cmd *cobra.Command) *memory.Manager {
	cfg := loadConfig()
	m, err := memory.Open(cmd.Context(), cfg, newLogger(cfg))
	if err != nil {
		exitErr("open memory", err)
	}
	return m
}

func agentFlag(cmd *cobra.Command, name string) model.AgentID {
	raw, _ := cmd.Flags().GetString(name)
	a, err := model.ParseAgentID(raw)
	if err != nil {
		exitErr(name, err)
	}
	return a
}

func scopeFlag(cmd *cobra.Command) model.Scope {
	raw, _ := cmd.Flags().GetString("scope")
	sc, err := model.ParseScope(raw)
	if err != nil {
		exitErr("scope", err)
	}
	return sc
}

// readInput returns the positional args joined, else piped stdin, else
// the file named by --file when the command has one.
func readInput(cmd *cobra.Command, args []string) string {
	if f := cmd.Flags().Lookup("file"); f != nil && f.Value.String() != "" {
		b, err := os.ReadFile(f.Value.String())
		if err != nil {
			exitErr("read file", err)
		}
		return string(b)
	}
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
