package rules

import (
	"github.com/hookline/hookline/pkg/types"
)

// Action is what a matching rule does with an event
type Action string

const (
	ActionRoute Action = "route"
	ActionBlock Action = "block"
)

// Operator is the closed set of leaf comparison operators
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not-in"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
)

// Node is one node of a boolean rule tree. Internal nodes set Op to
// and/or/not and carry Children; leaves carry Field/Operator/Value.
type Node struct {
	Op       string   `yaml:"op,omitempty" json:"op,omitempty"` // and | or | not; empty for leaves
	Children []*Node  `yaml:"children,omitempty" json:"children,omitempty"`
	Field    string   `yaml:"field,omitempty" json:"field,omitempty"`
	Operator Operator `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Rule is one team-scoped routing rule
type Rule struct {
	ID              string        `yaml:"id" json:"id"`
	Priority        int           `yaml:"priority" json:"priority"`
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	HookScope       []types.Kind  `yaml:"hook_scope,omitempty" json:"hook_scope,omitempty"`
	Action          Action        `yaml:"action" json:"action"`
	Channels        []string      `yaml:"channels,omitempty" json:"channels,omitempty"`
	HookID          string        `yaml:"hook_id,omitempty" json:"hook_id,omitempty"`
	UrgencyOverride types.Urgency `yaml:"urgency_override,omitempty" json:"urgency_override,omitempty"`
	Condition       *Node         `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// InScope reports whether the rule applies to events of the given kind.
// An empty hook scope matches every kind.
func (r *Rule) InScope(kind types.Kind) bool {
	if len(r.HookScope) == 0 {
		return true
	}
	for _, k := range r.HookScope {
		if k == kind {
			return true
		}
	}
	return false
}

// Route is one routing target produced by a matched rule
type Route struct {
	Channel         string
	HookID          string
	UrgencyOverride types.Urgency
}

// Result is the per-team evaluation outcome
type Result struct {
	Suppressed bool
	Reason     string
	Routes     []Route
	EvalErrors []error
}
