package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hookline/hookline/pkg/types"
)

// Ruleset is a compiled, immutable set of rules for one team-config
// snapshot. Regex leaves are compiled once here and reused for every event
// evaluated against the snapshot.
type Ruleset struct {
	TeamID  string
	Version int
	rules   []*Rule
	regexes map[string]*regexp.Regexp // keyed rule-id + field + pattern
}

// Compile orders the rules (descending priority, ties by id) and compiles
// every regex leaf. Invalid regexes are compiled to nil and reported as
// evaluation errors when hit.
func Compile(teamID string, version int, rules []*Rule) *Ruleset {
	rs := &Ruleset{
		TeamID:  teamID,
		Version: version,
		rules:   make([]*Rule, 0, len(rules)),
		regexes: make(map[string]*regexp.Regexp),
	}
	for _, r := range rules {
		if r == nil || !r.Enabled {
			continue
		}
		rs.rules = append(rs.rules, r)
		rs.compileNode(r.ID, r.Condition)
	}
	sort.SliceStable(rs.rules, func(i, j int) bool {
		if rs.rules[i].Priority != rs.rules[j].Priority {
			return rs.rules[i].Priority > rs.rules[j].Priority
		}
		return rs.rules[i].ID < rs.rules[j].ID
	})
	return rs
}

func (rs *Ruleset) compileNode(ruleID string, n *Node) {
	if n == nil {
		return
	}
	if n.Operator == OpRegex {
		key := regexKey(ruleID, n.Field, n.Value)
		if _, ok := rs.regexes[key]; !ok {
			re, err := regexp.Compile(n.Value)
			if err != nil {
				re = nil
			}
			rs.regexes[key] = re
		}
	}
	for _, c := range n.Children {
		rs.compileNode(ruleID, c)
	}
}

func regexKey(ruleID, field, pattern string) string {
	return ruleID + "\x00" + field + "\x00" + pattern
}

// Rules returns the compiled rules in evaluation order
func (rs *Ruleset) Rules() []*Rule {
	return rs.rules
}

// Evaluate runs the ruleset against an event. Evaluation walks rules in
// priority order and stops at the first match: a block rule suppresses the
// event for the team, a route rule collects its channels. Leaf errors
// (operator/value type mismatches, bad regexes) are collected, treated as
// false, and evaluation continues with the next rule.
func (rs *Ruleset) Evaluate(event *types.Event) Result {
	var result Result
	for _, rule := range rs.rules {
		if !rule.InScope(event.Kind) {
			continue
		}
		matched, errs := rs.evalNode(rule, rule.Condition, event)
		result.EvalErrors = append(result.EvalErrors, errs...)
		if !matched {
			continue
		}
		switch rule.Action {
		case ActionBlock:
			result.Suppressed = true
			result.Reason = fmt.Sprintf("blocked by rule %s", rule.ID)
			return result
		case ActionRoute:
			for _, ch := range rule.Channels {
				result.Routes = append(result.Routes, Route{
					Channel:         ch,
					HookID:          rule.HookID,
					UrgencyOverride: rule.UrgencyOverride,
				})
			}
			return result
		}
	}
	return result
}

// evalNode evaluates one node; a nil condition matches everything in scope
func (rs *Ruleset) evalNode(rule *Rule, n *Node, event *types.Event) (bool, []error) {
	if n == nil {
		return true, nil
	}
	switch n.Op {
	case "and":
		var errs []error
		for _, c := range n.Children {
			ok, es := rs.evalNode(rule, c, event)
			errs = append(errs, es...)
			if !ok {
				return false, errs
			}
		}
		return true, errs
	case "or":
		var errs []error
		for _, c := range n.Children {
			ok, es := rs.evalNode(rule, c, event)
			errs = append(errs, es...)
			if ok {
				return true, errs
			}
		}
		return false, errs
	case "not":
		if len(n.Children) != 1 {
			return false, []error{fmt.Errorf("rule %s: not node requires exactly one child", rule.ID)}
		}
		ok, es := rs.evalNode(rule, n.Children[0], event)
		return !ok, es
	case "":
		return rs.evalLeaf(rule, n, event)
	default:
		return false, []error{fmt.Errorf("rule %s: unknown node op %q", rule.ID, n.Op)}
	}
}

func (rs *Ruleset) evalLeaf(rule *Rule, n *Node, event *types.Event) (bool, []error) {
	v := Resolve(event, n.Field)
	switch n.Operator {
	case OpEq:
		if v.Missing {
			return false, nil
		}
		return v.Str == n.Value, nil
	case OpNeq:
		if v.Missing {
			// The unresolved sentinel never equals any literal
			return true, nil
		}
		return v.Str != n.Value, nil
	case OpIn:
		if v.Missing {
			return false, nil
		}
		for _, candidate := range n.Values {
			if v.Str == candidate || v.ListContains(candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		if v.Missing {
			return true, nil
		}
		for _, candidate := range n.Values {
			if v.Str == candidate || v.ListContains(candidate) {
				return false, nil
			}
		}
		return true, nil
	case OpContains:
		// contains on a missing value is false
		if v.Missing {
			return false, nil
		}
		if v.IsList {
			return v.ListContains(n.Value), nil
		}
		return strings.Contains(v.Str, n.Value), nil
	case OpRegex:
		if v.Missing {
			return false, nil
		}
		re := rs.regexes[regexKey(rule.ID, n.Field, n.Value)]
		if re == nil {
			return false, []error{fmt.Errorf("rule %s: invalid regex %q on field %s", rule.ID, n.Value, n.Field)}
		}
		return re.MatchString(v.Str), nil
	case OpGt, OpLt:
		if v.Missing {
			return false, nil
		}
		lhs, err := v.Number()
		if err != nil {
			return false, []error{fmt.Errorf("rule %s: field %s is not numeric: %w", rule.ID, n.Field, err)}
		}
		rhs, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return false, []error{fmt.Errorf("rule %s: value %q is not numeric: %w", rule.ID, n.Value, err)}
		}
		if n.Operator == OpGt {
			return lhs > rhs, nil
		}
		return lhs < rhs, nil
	default:
		return false, []error{fmt.Errorf("rule %s: unknown operator %q", rule.ID, n.Operator)}
	}
}
