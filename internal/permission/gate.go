package permission

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

// maxHierarchyDepth bounds the parent walk so a cyclic table fails closed.
const maxHierarchyDepth = 16

// Gate answers permission questions over static tables. It has no mutable
// state and is safe for concurrent use.
type Gate struct {
	policies  map[model.AgentID]Policy
	hierarchy map[string]ScopeNode
	logger    *slog.Logger
}

// NewGate builds a gate over the given tables.
func NewGate(policies map[model.AgentID]Policy, hierarchy map[string]ScopeNode, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{policies: policies, hierarchy: hierarchy, logger: logger}
}

// Default builds a gate over the built-in tables.
func Default(logger *slog.Logger) *Gate {
	return NewGate(DefaultPolicies(), DefaultHierarchy(), logger)
}

// Validate reports whether agent may perform op on scope. Unknown agents,
// unknown operations and uncovered scopes are all denied.
func (g *Gate) Validate(agent model.AgentID, scope model.Scope, op model.Operation) bool {
	p, ok := g.policies[agent]
	if !ok {
		g.logger.Warn("unknown agent", "agent", agent, "scope", scope.String(), "op", op)
		return false
	}
	if !allowsOp(p, op) {
		return false
	}
	return g.covers(p, scope.String())
}

func allowsOp(p Policy, op model.Operation) bool {
	switch op {
	case model.OpRead:
		return p.ReadAccess
	case model.OpWrite:
		return p.WriteAccess
	case model.OpSeed:
		return p.CanSeed
	default:
		return false
	}
}

// covers resolves scope coverage: "*", exact match, prefix wildcard, then
// the parent of the scope's root, repeated up the hierarchy.
func (g *Gate) covers(p Policy, scope string) bool {
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		for _, allowed := range p.Scopes {
			if allowed == "*" || allowed == scope {
				return true
			}
			if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(scope, prefix) {
				return true
			}
		}

		root, _, _ := strings.Cut(scope, model.ScopeSeparator)
		node, ok := g.hierarchy[root]
		if !ok || node.Parent == "" {
			return false
		}
		scope = node.Parent
	}
	return false
}

// Policy returns the descriptor for agent.
func (g *Gate) Policy(agent model.AgentID) (Policy, bool) {
	p, ok := g.policies[agent]
	return p, ok
}

// Node returns the hierarchy entry for a scope root.
func (g *Gate) Node(root string) (ScopeNode, bool) {
	n, ok := g.hierarchy[root]
	return n, ok
}

// AgentsWithAccess lists, in sorted order, every agent allowed op on scope.
func (g *Gate) AgentsWithAccess(scope model.Scope, op model.Operation) []model.AgentID {
	var agents []model.AgentID
	for id, p := range g.policies {
		if allowsOp(p, op) && g.covers(p, scope.String()) {
			agents = append(agents, id)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	return agents
}

// AccessLevel derives full/read-only/none for agent on scope from its
// access class.
func (g *Gate) AccessLevel(agent model.AgentID, scope model.Scope) model.AccessLevel {
	p, ok := g.policies[agent]
	if !ok {
		return model.AccessNone
	}
	s := scope.String()
	if !g.covers(p, s) {
		return model.AccessNone
	}
	if p.MemoryAccess == ClassFull {
		return model.AccessFull
	}
	for _, prefix := range fullPrefixes[p.MemoryAccess] {
		if strings.HasPrefix(s, prefix) {
			return model.AccessFull
		}
	}
	return model.AccessReadOnly
}
