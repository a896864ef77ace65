package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hookline/hookline/pkg/types"
)

// normalized carries the source-independent form of a webhook body
type normalized struct {
	kind       types.Kind
	payload    map[string]string
	subjectKey string
	authors    []string
	assignees  []string
	mentions   []string
}

var mentionRe = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9_.-]*)`)

func extractMentions(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// dig walks a dotted path through nested JSON maps
func dig(raw map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = raw
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func digString(raw map[string]interface{}, path string) string {
	v, ok := dig(raw, path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	}
	return ""
}

func digBool(raw map[string]interface{}, path string) bool {
	v, ok := dig(raw, path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// digStrings extracts a list of strings; when itemField is non-empty each
// list element is a map and itemField names the string inside it
func digStrings(raw map[string]interface{}, path, itemField string) []string {
	v, ok := dig(raw, path)
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if itemField == "" {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
			continue
		}
		if m, ok := item.(map[string]interface{}); ok {
			if s, ok := m[itemField].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func csv(items []string) string {
	return strings.Join(items, ",")
}

// normalizeSourceControl maps a source-control webhook (pull request,
// review, PR comment) into the canonical payload shape
func normalizeSourceControl(raw map[string]interface{}) (*normalized, error) {
	repo := digString(raw, "repository.full_name")
	if repo == "" {
		repo = digString(raw, "repository.name")
	}
	if repo == "" {
		return nil, types.NewError(types.ErrInvalidPayload, "source-control payload missing repository", nil)
	}

	number := digString(raw, "pull_request.number")
	if number == "" {
		number = digString(raw, "issue.number")
	}
	if number == "" {
		return nil, types.NewError(types.ErrInvalidPayload, "source-control payload missing pull request number", nil)
	}

	action := digString(raw, "action")
	title := digString(raw, "pull_request.title")
	body := digString(raw, "pull_request.body")
	author := digString(raw, "pull_request.user.login")
	labels := digStrings(raw, "pull_request.labels", "name")
	reviewers := digStrings(raw, "pull_request.requested_reviewers", "login")
	assignees := digStrings(raw, "pull_request.assignees", "login")

	kind := types.KindOther
	switch action {
	case "opened":
		kind = types.KindPROpened
		if digBool(raw, "pull_request.draft") {
			kind = types.KindOther
		}
	case "ready_for_review":
		kind = types.KindPRReady
	case "submitted":
		if digString(raw, "review.state") == "approved" {
			kind = types.KindPRApproved
		}
	case "closed":
		if digBool(raw, "pull_request.merged") {
			kind = types.KindPRMerged
		} else {
			kind = types.KindPRClosed
		}
	case "synchronize", "edited":
		if digString(raw, "pull_request.mergeable_state") == "dirty" {
			kind = types.KindPRConflicts
		}
	case "created":
		if _, ok := dig(raw, "comment"); ok {
			kind = types.KindPRComment
		}
	}

	payload := map[string]string{
		"repo":   repo,
		"number": number,
		"action": action,
		"title":  title,
		"body":   body,
	}
	var authors []string
	if author != "" {
		authors = append(authors, author)
		payload["author"] = author
	}
	if len(labels) > 0 {
		payload["labels"] = csv(labels)
	}
	if len(reviewers) > 0 {
		payload["reviewers"] = csv(reviewers)
	}
	if kind == types.KindPRComment {
		commentBody := digString(raw, "comment.body")
		payload["body"] = commentBody
		if ca := digString(raw, "comment.user.login"); ca != "" {
			authors = append(authors, ca)
		}
	}

	return &normalized{
		kind:       kind,
		payload:    payload,
		subjectKey: repo + "#" + number,
		authors:    authors,
		assignees:  assignees,
		mentions:   extractMentions(payload["body"]),
	}, nil
}

// Status names that count as blocked states for blocker detection
var blockedStatuses = map[string]bool{
	"blocked": true,
	"impeded": true,
	"on hold": true,
	"flagged": true,
}

// normalizeTracker maps an issue-tracker webhook (issue create/update,
// comment, worklog) into the canonical payload shape
func normalizeTracker(raw map[string]interface{}) (*normalized, error) {
	key := digString(raw, "issue.key")
	if key == "" {
		return nil, types.NewError(types.ErrInvalidPayload, "issue-tracker payload missing issue key", nil)
	}

	event := digString(raw, "webhookEvent")
	title := digString(raw, "issue.fields.summary")
	body := digString(raw, "issue.fields.description")
	status := digString(raw, "issue.fields.status.name")
	priority := digString(raw, "issue.fields.priority.name")
	labels := digStrings(raw, "issue.fields.labels", "")
	components := digStrings(raw, "issue.fields.components", "name")
	assignee := digString(raw, "issue.fields.assignee.name")
	reporter := digString(raw, "issue.fields.reporter.name")
	points := digString(raw, "issue.fields.story_points")
	due := digString(raw, "issue.fields.duedate")

	project := key
	if i := strings.Index(key, "-"); i > 0 {
		project = key[:i]
	}

	// Changelog items describe what changed in an update
	var changedFields []string
	var priorStatus string
	if items, ok := dig(raw, "changelog.items"); ok {
		if list, ok := items.([]interface{}); ok {
			for _, item := range list {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				field, _ := m["field"].(string)
				changedFields = append(changedFields, field)
				if field == "status" {
					priorStatus, _ = m["fromString"].(string)
					if to, ok := m["toString"].(string); ok && to != "" {
						status = to
					}
				}
			}
		}
	}

	kind := types.KindOther
	switch {
	case event == "jira:issue_created" || event == "issue_created":
		kind = types.KindIssueCreated
	case event == "comment_created" || event == "comment_updated":
		kind = types.KindIssueComment
	case event == "jira:issue_updated" || event == "issue_updated":
		kind = types.KindIssueUpdated
		for _, f := range changedFields {
			switch f {
			case "status":
				kind = types.KindIssueStatus
			case "priority":
				kind = types.KindIssuePriority
			case "assignee":
				kind = types.KindIssueAssignment
			}
		}
	}

	// Blocker promotion: blocked status transitions and blocker labels
	// take precedence over the raw event kind
	if blockedStatuses[strings.ToLower(status)] || hasLabel(labels, "blocker") {
		if kind == types.KindIssueStatus || kind == types.KindIssueUpdated || kind == types.KindIssueCreated {
			kind = types.KindIssueBlocker
		}
	}

	payload := map[string]string{
		"key":     key,
		"project": project,
		"title":   title,
		"body":    body,
	}
	if status != "" {
		payload["status"] = status
	}
	if priorStatus != "" {
		payload["prior_status"] = priorStatus
	}
	if priority != "" {
		payload["priority"] = priority
	}
	if len(labels) > 0 {
		payload["labels"] = csv(labels)
	}
	if len(components) > 0 {
		payload["components"] = csv(components)
	}
	if len(changedFields) > 0 {
		payload["changed_fields"] = csv(changedFields)
	}
	if points != "" {
		payload["story_points"] = points
	}
	if due != "" {
		payload["duedate"] = due
	}

	var authors []string
	if reporter != "" {
		authors = append(authors, reporter)
		payload["author"] = reporter
	}
	var assignees []string
	if assignee != "" {
		assignees = append(assignees, assignee)
		payload["assignee"] = assignee
	}
	if kind == types.KindIssueComment {
		commentBody := digString(raw, "comment.body")
		payload["body"] = commentBody
		if ca := digString(raw, "comment.author.name"); ca != "" {
			authors = append(authors, ca)
		}
	}

	return &normalized{
		kind:       kind,
		payload:    payload,
		subjectKey: key,
		authors:    authors,
		assignees:  assignees,
		mentions:   extractMentions(payload["body"]),
	}, nil
}

// normalizeManual maps a manually-submitted event (alerts, deployments,
// operator test events). The kind is explicit in the body.
func normalizeManual(raw map[string]interface{}) (*normalized, error) {
	kindStr := digString(raw, "kind")
	if kindStr == "" {
		return nil, types.NewError(types.ErrInvalidPayload, "manual payload missing kind", nil)
	}
	title := digString(raw, "title")
	if title == "" {
		return nil, types.NewError(types.ErrInvalidPayload, "manual payload missing title", nil)
	}

	kind := types.Kind(kindStr)
	switch kind {
	case types.KindAlert, types.KindDeployment:
	default:
		kind = types.KindOther
	}

	payload := map[string]string{
		"title": title,
		"body":  digString(raw, "body"),
	}
	if env := digString(raw, "environment"); env != "" {
		payload["environment"] = env
	}
	if sev := digString(raw, "severity"); sev != "" {
		payload["severity"] = sev
	}
	if labels := digStrings(raw, "labels", ""); len(labels) > 0 {
		payload["labels"] = csv(labels)
	}

	return &normalized{
		kind:       kind,
		payload:    payload,
		subjectKey: digString(raw, "subject_key"),
		mentions:   extractMentions(payload["body"]),
	}, nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
