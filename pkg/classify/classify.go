// Package classify turns raw webhook bodies into canonical enriched events.
// It validates payload structure, normalizes source-shaped fields, computes
// the content and similarity hashes, and assigns the classification used by
// every downstream stage.
package classify

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
)

// Default keyword set that raises urgency when present in title, body or
// labels. Team configs may extend it.
var defaultUrgencyKeywords = []string{"blocker", "outage", "security", "production", "incident", "data loss"}

// TeamSource provides the active team configs used to derive ownership and
// keywords. Satisfied by *config.Registry.
type TeamSource interface {
	Teams() []string
	Load(teamID string) (*config.Snapshot, error)
}

// Classifier builds enriched events from raw webhook bodies
type Classifier struct {
	teams  TeamSource
	logger zerolog.Logger
}

// NewClassifier creates a classifier backed by the team config source
func NewClassifier(teams TeamSource) *Classifier {
	return &Classifier{
		teams:  teams,
		logger: log.WithComponent("classify"),
	}
}

// Classify validates and enriches one webhook delivery. deliveryID is the
// source-assigned delivery id when present; an id is generated otherwise.
// On a structurally invalid payload it returns an invalid_payload error and
// no event.
func (c *Classifier) Classify(source types.Source, deliveryID string, body []byte, now time.Time) (*types.Event, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClassifyDuration)

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.NewError(types.ErrInvalidPayload, "body is not valid JSON", err)
	}

	var norm *normalized
	var err error
	switch source {
	case types.SourceControl:
		norm, err = normalizeSourceControl(raw)
	case types.SourceTracker:
		norm, err = normalizeTracker(raw)
	case types.SourceManual:
		norm, err = normalizeManual(raw)
	default:
		return nil, types.NewError(types.ErrInvalidPayload, "unknown source", nil)
	}
	if err != nil {
		return nil, err
	}

	if deliveryID == "" {
		deliveryID = uuid.New().String()
	}

	event := &types.Event{
		ID:         deliveryID,
		Source:     source,
		Kind:       norm.kind,
		Payload:    norm.payload,
		SubjectKey: norm.subjectKey,
		Authors:    norm.authors,
		Assignees:  norm.assignees,
		Mentions:   norm.mentions,
		IngestedAt: now,
	}

	event.ContentHash = ContentHash(event.Payload)
	event.SimilarityHash = SimilarityHash(
		event.Payload["title"] + " " + event.Payload["summary"] + " " + event.Payload["body"])

	event.AffectedTeams = c.affectedTeams(event)
	event.Classification = c.classification(event)

	return event, nil
}

// classification derives category, urgency and significance
func (c *Classifier) classification(event *types.Event) types.Classification {
	urgency := c.urgency(event)
	return types.Classification{
		Category:     categoryOf(event.Kind),
		Urgency:      urgency,
		Significance: significance(event, urgency),
	}
}

func categoryOf(kind types.Kind) string {
	switch kind {
	case types.KindPROpened, types.KindPRReady, types.KindPRApproved,
		types.KindPRConflicts, types.KindPRMerged, types.KindPRClosed,
		types.KindPRComment:
		return "pull_request"
	case types.KindIssueCreated, types.KindIssueUpdated, types.KindIssueStatus,
		types.KindIssuePriority, types.KindIssueAssignment,
		types.KindIssueComment, types.KindIssueBlocker:
		return "issue"
	case types.KindAlert:
		return "alert"
	case types.KindDeployment:
		return "deployment"
	}
	return "other"
}

// urgency applies the ordered precedence: explicit critical/blocker label,
// then keyword match, then the priority field, then a critical/page
// severity, then low
func (c *Classifier) urgency(event *types.Event) types.Urgency {
	labels := splitCSV(event.Payload["labels"])
	for _, l := range labels {
		if strings.EqualFold(l, "critical") || strings.EqualFold(l, "blocker") {
			return types.UrgencyCritical
		}
	}

	keywords := append([]string{}, defaultUrgencyKeywords...)
	for _, teamID := range event.AffectedTeams {
		if snap, err := c.teams.Load(teamID); err == nil {
			keywords = append(keywords, snap.Config.UrgencyKeywords...)
		}
	}
	haystack := strings.ToLower(event.Payload["title"] + " " + event.Payload["body"] + " " + event.Payload["labels"])
	for _, kw := range keywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return types.UrgencyHigh
		}
	}

	switch strings.ToLower(event.Payload["priority"]) {
	case "blocker", "highest", "critical", "p0":
		return types.UrgencyHigh
	case "high", "major", "p1":
		return types.UrgencyMed
	}
	if sev := strings.ToLower(event.Payload["severity"]); sev == "critical" || sev == "page" {
		return types.UrgencyCritical
	}
	return types.UrgencyLow
}

// Keywords in comments that mark a decision being made
var decisionKeywords = []string{"decided", "decision", "approved", "rejected", "agreed", "lgtm", "ship it"}

// significance is a deterministic function of category, urgency and the
// changed-field set. A transition into a blocked state is always at least
// major; a comment is moderate iff it carries a mention, an assignment
// change or a decision keyword.
func significance(event *types.Event, urgency types.Urgency) types.Significance {
	if event.Kind == types.KindIssueComment || event.Kind == types.KindPRComment {
		if len(event.Mentions) > 0 || changedField(event, "assignee") {
			return types.SignificanceModerate
		}
		body := strings.ToLower(event.Payload["body"])
		for _, kw := range decisionKeywords {
			if strings.Contains(body, kw) {
				return types.SignificanceModerate
			}
		}
		return types.SignificanceMinor
	}

	base := types.SignificanceMinor
	switch urgency {
	case types.UrgencyCritical:
		base = types.SignificanceCritical
	case types.UrgencyHigh:
		base = types.SignificanceMajor
	case types.UrgencyMed:
		base = types.SignificanceModerate
	}

	if blockedStatuses[strings.ToLower(event.Payload["status"])] && changedField(event, "status") {
		if base.Rank() < types.SignificanceMajor.Rank() {
			base = types.SignificanceMajor
		}
	}
	if event.Kind == types.KindIssueBlocker || event.Kind == types.KindPRConflicts {
		if base.Rank() < types.SignificanceMajor.Rank() {
			base = types.SignificanceMajor
		}
	}
	return base
}

func changedField(event *types.Event, field string) bool {
	for _, f := range splitCSV(event.Payload["changed_fields"]) {
		if f == field {
			return true
		}
	}
	return false
}

// affectedTeams is the union of teams owning the project key, owning a
// matching component, matching a label prefix, or containing an assignee
// or reviewer
func (c *Classifier) affectedTeams(event *types.Event) []string {
	var out []string
	seen := map[string]bool{}
	add := func(teamID string) {
		if !seen[teamID] {
			seen[teamID] = true
			out = append(out, teamID)
		}
	}

	labels := splitCSV(event.Payload["labels"])
	components := splitCSV(event.Payload["components"])
	people := append(append([]string{}, event.Assignees...), event.Authors...)
	people = append(people, splitCSV(event.Payload["reviewers"])...)

	for _, teamID := range c.teams.Teams() {
		snap, err := c.teams.Load(teamID)
		if err != nil {
			continue
		}
		own := snap.Config.Ownership

		for _, pk := range own.ProjectKeys {
			if pk != "" && (event.Payload["project"] == pk || strings.HasPrefix(event.Payload["repo"], pk)) {
				add(teamID)
			}
		}
		for _, comp := range own.Components {
			for _, have := range components {
				if strings.EqualFold(have, comp) {
					add(teamID)
				}
			}
		}
		for _, prefix := range own.LabelPrefixes {
			for _, l := range labels {
				if prefix != "" && strings.HasPrefix(strings.ToLower(l), strings.ToLower(prefix)) {
					add(teamID)
				}
			}
		}
		for _, member := range own.Members {
			for _, p := range people {
				if strings.EqualFold(p, member) {
					add(teamID)
				}
			}
		}
	}

	sort.Strings(out)
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
