// Package model defines the core memory data types.
package model

import "time"

// AgentID identifies one of the agents allowed to touch shared context.
type AgentID string

const (
	AgentMemex     AgentID = "memex"
	AgentWarp      AgentID = "warp"
	AgentJules     AgentID = "jules"
	AgentGeminiCLI AgentID = "gemini-cli"
)

// SeedingAgent is the only identity allowed to seed context.
const SeedingAgent = AgentMemex

// KnownAgents lists every agent identity in a stable order.
var KnownAgents = []AgentID{AgentMemex, AgentWarp, AgentJules, AgentGeminiCLI}

// ParseAgentID validates a raw agent identifier at the API boundary.
func ParseAgentID(s string) (AgentID, error) {
	for _, a := range KnownAgents {
		if string(a) == s {
			return a, nil
		}
	}
	return "", &InputError{Field: "agent", Reason: "unknown agent " + quote(s)}
}

func (a AgentID) String() string { return string(a) }

// Operation is the kind of access requested from the permission gate.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
	OpSeed  Operation = "seed"
	// OpDelegate only appears in handoff denials.
	OpDelegate Operation = "delegate"
)

// AccessLevel summarizes what an agent may do within a scope.
type AccessLevel string

const (
	AccessFull     AccessLevel = "full"
	AccessReadOnly AccessLevel = "read-only"
	AccessNone     AccessLevel = "none"
)

// Layer names the storage tier a value came from.
type Layer string

const (
	LayerFast       Layer = "fast"
	LayerPersistent Layer = "persistent"
)

// Metadata is attached to every stored entry.
type Metadata struct {
	Agent        AgentID        `json:"agent"`
	Scope        string         `json:"scope"`
	Session      string         `json:"session"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	AccessCount  int            `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Entry is a stored value plus its bookkeeping.
type Entry struct {
	Key      string   `json:"key"`
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
	Layer    Layer    `json:"source_layer"`
	Durable  bool     `json:"is_durable"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Metadata.ExpiresAt.IsZero() && e.Metadata.ExpiresAt.Before(now)
}

// SearchResult is one ranked hit from either storage layer.
type SearchResult struct {
	Key      string   `json:"key"`
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
	Score    float64  `json:"score"`
	Source   Layer    `json:"source_layer"`
}
