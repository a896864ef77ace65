package rules

import (
	"testing"

	"github.com/hookline/hookline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *types.Event {
	return &types.Event{
		ID:         "e-1",
		Source:     types.SourceTracker,
		Kind:       types.KindIssueUpdated,
		SubjectKey: "ENG-42",
		Assignees:  []string{"alice"},
		Payload: map[string]string{
			"title":    "Fix flaky deploy",
			"labels":   "infra-db,bug",
			"priority": "High",
			"points":   "8",
		},
		Classification: types.Classification{
			Category: "issue",
			Urgency:  types.UrgencyMed,
		},
	}
}

func leaf(field string, op Operator, value string) *Node {
	return &Node{Field: field, Operator: op, Value: value}
}

func TestEvaluateOperators(t *testing.T) {
	event := testEvent()

	tests := []struct {
		name    string
		node    *Node
		matched bool
	}{
		{name: "eq match", node: leaf("kind", OpEq, "issue_updated"), matched: true},
		{name: "eq miss", node: leaf("kind", OpEq, "pr_opened"), matched: false},
		{name: "neq", node: leaf("source", OpNeq, "manual"), matched: true},
		{name: "in on list", node: &Node{Field: "assignees", Operator: OpIn, Values: []string{"alice", "bob"}}, matched: true},
		{name: "not-in", node: &Node{Field: "assignees", Operator: OpNotIn, Values: []string{"carol"}}, matched: true},
		{name: "contains on csv list", node: leaf("payload.labels", OpContains, "bug"), matched: true},
		{name: "contains miss", node: leaf("payload.labels", OpContains, "frontend"), matched: false},
		{name: "contains on missing value is false", node: leaf("payload.nope", OpContains, "x"), matched: false},
		{name: "regex", node: leaf("payload.title", OpRegex, `(?i)flaky`), matched: true},
		{name: "gt", node: leaf("payload.points", OpGt, "5"), matched: true},
		{name: "lt", node: leaf("payload.points", OpLt, "5"), matched: false},
		{name: "missing path never equals", node: leaf("payload.ghost", OpEq, ""), matched: false},
		{name: "missing path neq is true", node: leaf("payload.ghost", OpNeq, "anything"), matched: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := Compile("team", 1, []*Rule{{
				ID:        "r1",
				Enabled:   true,
				Action:    ActionRoute,
				Channels:  []string{"#out"},
				Condition: tt.node,
			}})
			result := rs.Evaluate(event)
			assert.Empty(t, result.EvalErrors)
			if tt.matched {
				require.Len(t, result.Routes, 1)
				assert.Equal(t, "#out", result.Routes[0].Channel)
			} else {
				assert.Empty(t, result.Routes)
			}
		})
	}
}

func TestEvaluateBooleanTree(t *testing.T) {
	event := testEvent()
	condition := &Node{
		Op: "and",
		Children: []*Node{
			leaf("classification.category", OpEq, "issue"),
			{
				Op: "or",
				Children: []*Node{
					leaf("payload.priority", OpEq, "Highest"),
					leaf("payload.labels", OpContains, "bug"),
				},
			},
			{
				Op:       "not",
				Children: []*Node{leaf("payload.labels", OpContains, "wontfix")},
			},
		},
	}

	rs := Compile("team", 1, []*Rule{{
		ID: "tree", Enabled: true, Action: ActionRoute,
		Channels: []string{"#triage"}, Condition: condition,
	}})
	result := rs.Evaluate(event)
	assert.Empty(t, result.EvalErrors)
	require.Len(t, result.Routes, 1)
}

func TestPriorityOrderAndShortCircuit(t *testing.T) {
	event := testEvent()

	rs := Compile("team", 1, []*Rule{
		{ID: "low", Priority: 1, Enabled: true, Action: ActionRoute, Channels: []string{"#low"}},
		{ID: "high", Priority: 10, Enabled: true, Action: ActionRoute, Channels: []string{"#high"}},
	})
	result := rs.Evaluate(event)
	require.Len(t, result.Routes, 1)
	assert.Equal(t, "#high", result.Routes[0].Channel)

	// Ties break by stable rule id ordering
	rs = Compile("team", 1, []*Rule{
		{ID: "b-rule", Priority: 5, Enabled: true, Action: ActionRoute, Channels: []string{"#b"}},
		{ID: "a-rule", Priority: 5, Enabled: true, Action: ActionRoute, Channels: []string{"#a"}},
	})
	result = rs.Evaluate(event)
	require.Len(t, result.Routes, 1)
	assert.Equal(t, "#a", result.Routes[0].Channel)
}

func TestBlockSuppresses(t *testing.T) {
	event := testEvent()
	rs := Compile("team", 1, []*Rule{
		{ID: "mute", Priority: 10, Enabled: true, Action: ActionBlock,
			Condition: leaf("payload.labels", OpContains, "bug")},
		{ID: "route", Priority: 1, Enabled: true, Action: ActionRoute, Channels: []string{"#out"}},
	})
	result := rs.Evaluate(event)
	assert.True(t, result.Suppressed)
	assert.Empty(t, result.Routes)
	assert.Contains(t, result.Reason, "mute")
}

func TestDisabledAndOutOfScopeRulesSkipped(t *testing.T) {
	event := testEvent()
	rs := Compile("team", 1, []*Rule{
		{ID: "off", Priority: 10, Enabled: false, Action: ActionBlock},
		{ID: "pr-only", Priority: 9, Enabled: true, Action: ActionBlock,
			HookScope: []types.Kind{types.KindPROpened}},
		{ID: "route", Priority: 1, Enabled: true, Action: ActionRoute, Channels: []string{"#out"}},
	})
	result := rs.Evaluate(event)
	assert.False(t, result.Suppressed)
	require.Len(t, result.Routes, 1)
}

func TestEvalErrorsDoNotHaltEvaluation(t *testing.T) {
	event := testEvent()
	rs := Compile("team", 1, []*Rule{
		{ID: "bad-number", Priority: 10, Enabled: true, Action: ActionBlock,
			Condition: leaf("payload.title", OpGt, "5")},
		{ID: "bad-regex", Priority: 9, Enabled: true, Action: ActionBlock,
			Condition: leaf("payload.title", OpRegex, "(unclosed")},
		{ID: "route", Priority: 1, Enabled: true, Action: ActionRoute, Channels: []string{"#out"}},
	})
	result := rs.Evaluate(event)
	assert.False(t, result.Suppressed)
	require.Len(t, result.Routes, 1)
	assert.Len(t, result.EvalErrors, 2)
}

func TestUrgencyOverrideCarried(t *testing.T) {
	event := testEvent()
	rs := Compile("team", 1, []*Rule{{
		ID: "boost", Enabled: true, Action: ActionRoute,
		Channels: []string{"#alerts"}, UrgencyOverride: types.UrgencyHigh,
	}})
	result := rs.Evaluate(event)
	require.Len(t, result.Routes, 1)
	assert.Equal(t, types.UrgencyHigh, result.Routes[0].UrgencyOverride)
}

func TestRegexCompiledOncePerSnapshot(t *testing.T) {
	rules := []*Rule{{
		ID: "r", Enabled: true, Action: ActionRoute, Channels: []string{"#x"},
		Condition: leaf("payload.title", OpRegex, `flaky`),
	}}
	rs := Compile("team", 1, rules)
	assert.Len(t, rs.regexes, 1)

	// Evaluation does not grow the cache
	event := testEvent()
	for i := 0; i < 5; i++ {
		rs.Evaluate(event)
	}
	assert.Len(t, rs.regexes, 1)
}

func TestValidPath(t *testing.T) {
	assert.True(t, ValidPath("kind"))
	assert.True(t, ValidPath("classification.urgency"))
	assert.True(t, ValidPath("payload.labels"))
	assert.False(t, ValidPath("payload."))
	assert.False(t, ValidPath("nonsense"))
}
