package permission

import (
	"slices"
	"time"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

// TaskScopeTTL is how long a delegated task scope stays valid.
const TaskScopeTTL = 24 * time.Hour

// TaskScope is a delegated scope created for one task.
type TaskScope struct {
	Scope       model.Scope   `json:"scope"`
	TaskID      string        `json:"task_id"`
	Parent      string        `json:"parent_scope"`
	DelegatedBy model.AgentID `json:"delegated_by"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Handoff is the context passed from one agent to another when work moves.
type Handoff struct {
	PreviousState     string   `json:"previous_state" yaml:"previous_state"`
	TaskScope         string   `json:"task_scope" yaml:"task_scope"`
	ExpectedOutput    string   `json:"expected_output" yaml:"expected_output"`
	AccessPermissions []string `json:"access_permissions" yaml:"access_permissions"`
}

// Report summarizes an agent's permissions.
type Report struct {
	Agent        model.AgentID `json:"agent"`
	Name         string        `json:"name"`
	MemoryAccess AccessClass   `json:"memory_access"`
	Scopes       []string      `json:"scopes"`
	CanSeed      bool          `json:"can_seed_context"`
	ReadAccess   bool          `json:"read_access"`
	WriteAccess  bool          `json:"write_access"`
	Description  string        `json:"description,omitempty"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// CanDelegate reports whether from may hand scope over to to. The seeding
// agent may delegate anything; other agents only when both cover the scope.
func (g *Gate) CanDelegate(from, to model.AgentID, scope model.Scope) bool {
	fp, ok := g.policies[from]
	if !ok {
		return false
	}
	tp, ok := g.policies[to]
	if !ok {
		return false
	}
	if from == model.SeedingAgent {
		return true
	}
	s := scope.String()
	return g.covers(fp, s) && g.covers(tp, s)
}

// NewTaskScope creates a task scope under parent ("task" when empty).
func NewTaskScope(taskID, parent string, delegatedBy model.AgentID, now time.Time) (TaskScope, error) {
	if taskID == "" {
		return TaskScope{}, &model.InputError{Field: "task_id", Reason: "must not be empty"}
	}
	if parent == "" {
		parent = "task"
	}
	scope, err := model.ParseScope(parent + model.ScopeSeparator + taskID)
	if err != nil {
		return TaskScope{}, err
	}
	return TaskScope{
		Scope:       scope,
		TaskID:      taskID,
		Parent:      parent,
		DelegatedBy: delegatedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(TaskScopeTTL),
	}, nil
}

// Expired reports whether the task scope has lapsed at now.
func (t TaskScope) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// ValidateHandoff checks a handoff between two agents. All four fields are
// required and senders other than the seeding agent must grant "delegate".
func (g *Gate) ValidateHandoff(from, to model.AgentID, h Handoff) error {
	switch {
	case h.PreviousState == "":
		return &model.InputError{Field: "previous_state", Reason: "missing from handoff"}
	case h.TaskScope == "":
		return &model.InputError{Field: "task_scope", Reason: "missing from handoff"}
	case h.ExpectedOutput == "":
		return &model.InputError{Field: "expected_output", Reason: "missing from handoff"}
	case h.AccessPermissions == nil:
		return &model.InputError{Field: "access_permissions", Reason: "missing from handoff"}
	}

	if _, ok := g.policies[from]; !ok {
		return &model.InputError{Field: "from", Reason: "unknown agent " + from.String()}
	}
	if _, ok := g.policies[to]; !ok {
		return &model.InputError{Field: "to", Reason: "unknown agent " + to.String()}
	}
	if from != model.SeedingAgent && !slices.Contains(h.AccessPermissions, "delegate") {
		return &model.PermissionError{Agent: from, Scope: h.TaskScope, Op: model.OpDelegate}
	}
	return nil
}

// Report builds the permission report for agent.
func (g *Gate) Report(agent model.AgentID, now time.Time) (Report, bool) {
	p, ok := g.policies[agent]
	if !ok {
		return Report{}, false
	}
	return Report{
		Agent:        agent,
		Name:         p.Name,
		MemoryAccess: p.MemoryAccess,
		Scopes:       slices.Clone(p.Scopes),
		CanSeed:      p.CanSeed,
		ReadAccess:   p.ReadAccess,
		WriteAccess:  p.WriteAccess,
		Description:  p.Description,
		GeneratedAt:  now,
	}, true
}
