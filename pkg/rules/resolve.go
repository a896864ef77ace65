package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hookline/hookline/pkg/types"
)

// Value is the result of resolving a field path against an event
type Value struct {
	Str     string
	List    []string
	IsList  bool
	Missing bool
}

// ListContains reports whether the resolved list holds item
func (v Value) ListContains(item string) bool {
	for _, s := range v.List {
		if s == item {
			return true
		}
	}
	return false
}

// Number parses the resolved value as a float
func (v Value) Number() (float64, error) {
	if v.IsList {
		return 0, fmt.Errorf("list value")
	}
	return strconv.ParseFloat(v.Str, 64)
}

func missing() Value {
	return Value{Missing: true}
}

func strValue(s string) Value {
	return Value{Str: s}
}

func listValue(items []string) Value {
	return Value{List: items, IsList: true, Str: strings.Join(items, ",")}
}

// Resolve maps a field path to an event value. Resolution is deterministic:
// unknown paths return a missing sentinel that never equals any literal.
//
// Supported paths: id, source, kind, subject_key, classification.category,
// classification.urgency, classification.significance, authors, assignees,
// mentions, affected_teams, and payload.<key>. Payload values holding
// comma-separated lists (labels, components) resolve as lists.
func Resolve(event *types.Event, path string) Value {
	switch path {
	case "id":
		return strValue(event.ID)
	case "source":
		return strValue(string(event.Source))
	case "kind":
		return strValue(string(event.Kind))
	case "subject_key":
		if event.SubjectKey == "" {
			return missing()
		}
		return strValue(event.SubjectKey)
	case "classification.category":
		return strValue(event.Classification.Category)
	case "classification.urgency":
		return strValue(string(event.Classification.Urgency))
	case "classification.significance":
		return strValue(string(event.Classification.Significance))
	case "authors":
		return listValue(event.Authors)
	case "assignees":
		return listValue(event.Assignees)
	case "mentions":
		return listValue(event.Mentions)
	case "affected_teams":
		return listValue(event.AffectedTeams)
	}

	if key, ok := strings.CutPrefix(path, "payload."); ok {
		raw, present := event.Payload[key]
		if !present {
			return missing()
		}
		if isListField(key) {
			if raw == "" {
				return listValue(nil)
			}
			return listValue(strings.Split(raw, ","))
		}
		return strValue(raw)
	}

	return missing()
}

// isListField names the normalized payload keys that hold comma-separated
// lists
func isListField(key string) bool {
	switch key {
	case "labels", "components", "reviewers", "watchers":
		return true
	}
	return false
}

// KnownFields lists the resolvable field paths, used by config validation
func KnownFields() []string {
	return []string{
		"id", "source", "kind", "subject_key",
		"classification.category", "classification.urgency", "classification.significance",
		"authors", "assignees", "mentions", "affected_teams",
	}
}

// ValidPath reports whether a field path can resolve (payload.* paths are
// always considered valid since payload keys are source-defined)
func ValidPath(path string) bool {
	if strings.HasPrefix(path, "payload.") && len(path) > len("payload.") {
		return true
	}
	for _, f := range KnownFields() {
		if f == path {
			return true
		}
	}
	return false
}
