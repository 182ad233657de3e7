// Package permission gates agent access to context scopes. Policies are a
// static table; scope coverage is resolved by exact match, prefix wildcard,
// and finally by walking up the scope hierarchy to parent scopes.
package permission

import "github.com/thewalkeragency/tree-ring/internal/model"

// AccessClass groups agents by how broadly they may write.
type AccessClass string

const (
	ClassFull                  AccessClass = "full"
	ClassImplementationFocused AccessClass = "implementation-focused"
	ClassDebuggingFocused      AccessClass = "debugging-focused"
	ClassLocalRepository       AccessClass = "local-repository"
	ClassTaskScoped            AccessClass = "task-scoped"
	ClassBackground            AccessClass = "background"
	ClassExperimental          AccessClass = "experimental"
)

// fullPrefixes lists, per class, the scope prefixes granting full access.
// Anything else the agent covers is read-only. ClassFull is handled apart.
var fullPrefixes = map[AccessClass][]string{
	ClassImplementationFocused: {"project:", "implementation:", "task:", "monitoring:"},
	ClassDebuggingFocused:      {"debugging:", "testing:", "monitoring:", "project:", "optimization:", "metrics:"},
	ClassLocalRepository:       {"local:", "tools:", "prototype:", "experiment:", "poc:", "project:"},
	ClassTaskScoped:            {"task:"},
	ClassBackground:            nil,
	ClassExperimental:          {"prototype:"},
}

// Policy is the static permission descriptor for one agent.
type Policy struct {
	Name         string      `json:"name" yaml:"name"`
	MemoryAccess AccessClass `json:"memory_access" yaml:"memory_access"`
	// Scopes holds exact scopes, prefix wildcards ending in "*", or "*".
	Scopes      []string `json:"scopes" yaml:"scopes"`
	CanSeed     bool     `json:"can_seed_context" yaml:"can_seed_context"`
	ReadAccess  bool     `json:"read_access" yaml:"read_access"`
	WriteAccess bool     `json:"write_access" yaml:"write_access"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ScopeNode is one entry of the scope hierarchy, keyed by scope root.
type ScopeNode struct {
	Level       int      `json:"level"`
	Parent      string   `json:"parent_scope,omitempty"`
	Children    []string `json:"child_scopes,omitempty"`
	Description string   `json:"description,omitempty"`
	CanDelegate bool     `json:"can_delegate"`
}

// DefaultPolicies returns the built-in agent permission matrix.
func DefaultPolicies() map[model.AgentID]Policy {
	return map[model.AgentID]Policy{
		model.AgentMemex: {
			Name:         "Memex (Architect)",
			MemoryAccess: ClassFull,
			Scopes:       []string{"*"},
			CanSeed:      true,
			ReadAccess:   true,
			WriteAccess:  true,
			Description:  "Full memory access, responsible for context seeding",
		},
		model.AgentWarp: {
			Name:         "Warp (Engineer)",
			MemoryAccess: ClassImplementationFocused,
			Scopes:       []string{"project:*", "implementation:*", "task:*", "monitoring:*"},
			ReadAccess:   true,
			WriteAccess:  true,
			Description:  "Primary implementation agent with project and monitoring access",
		},
		model.AgentJules: {
			Name:         "Jules (Testing & Debug)",
			MemoryAccess: ClassDebuggingFocused,
			Scopes:       []string{"monitoring:*", "optimization:*", "metrics:*", "debugging:*", "testing:*", "project:*"},
			ReadAccess:   true,
			WriteAccess:  true,
			Description:  "Testing, debugging and repository analysis",
		},
		model.AgentGeminiCLI: {
			Name:         "Gemini CLI (Local Tools)",
			MemoryAccess: ClassLocalRepository,
			Scopes:       []string{"prototype:*", "experiment:*", "poc:*", "local:*", "tools:*", "project:*"},
			ReadAccess:   true,
			WriteAccess:  true,
			Description:  "Local repository tools and prototyping",
		},
	}
}

// DefaultHierarchy returns the built-in scope hierarchy.
func DefaultHierarchy() map[string]ScopeNode {
	return map[string]ScopeNode{
		"project": {
			Level:       1,
			Description: "High-level project information",
			Children:    []string{"implementation", "monitoring", "prototype", "debugging", "testing"},
		},
		"implementation": {Level: 2, Parent: "project", Description: "Code and technical implementation details"},
		"monitoring":     {Level: 2, Parent: "project", Description: "Performance monitoring and optimization"},
		"prototype":      {Level: 2, Parent: "project", Description: "Experimental and prototype work"},
		"debugging":      {Level: 2, Parent: "project", Description: "Debug sessions and troubleshooting context"},
		"testing":        {Level: 2, Parent: "project", Description: "Test execution and validation context"},
		"local":          {Level: 2, Parent: "project", Description: "Local repository and tool-specific context"},
		"tools":          {Level: 3, Description: "Tool-specific memory and configuration"},
		"task":           {Level: 3, Description: "Individual task contexts", CanDelegate: true},
	}
}
