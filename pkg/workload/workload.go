// Package workload scores assignee capacity from the observed issue
// stream. Scores feed routing (workload warnings on risky assignments) and
// the recommendation tags attached to notifications.
package workload

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
)

// Provider yields workload snapshots for assignees. Satisfied by *Analyzer;
// tests substitute fixed snapshots.
type Provider interface {
	Score(assignee string, now time.Time) (*types.WorkloadSnapshot, error)
}

// TeamSource provides team configs for capacity lookups
type TeamSource interface {
	Teams() []string
	Load(teamID string) (*config.Snapshot, error)
}

// Factor weights of the risk score. Each factor is normalized against the
// assignee's configured capacity before weighting.
const (
	weightOpenCount    = 0.20
	weightStoryPoints  = 0.25
	weightHighPriority = 0.20
	weightOverdue      = 0.15
	weightUtilization  = 0.20
)

// Risk bucket thresholds over the weighted score
const (
	riskModerateAt = 0.5
	riskHighAt     = 0.8
	riskCriticalAt = 1.1
)

var defaultCapacity = config.Capacity{SprintPoints: 10, MaxOpen: 8}

// openIssue is the tracked state of one open issue for an assignee
type openIssue struct {
	points   float64
	priority string
	due      time.Time
}

type tally struct {
	open map[string]openIssue // subject key -> state
}

// Analyzer maintains per-assignee tallies from the event stream and serves
// snapshots through a bounded-staleness cache.
type Analyzer struct {
	teams     TeamSource
	staleness time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	tallies map[string]*tally
	cache   map[string]*types.WorkloadSnapshot
}

// NewAnalyzer creates a workload analyzer. staleness bounds how old a
// cached snapshot may be; zero selects the 5 minute default.
func NewAnalyzer(teams TeamSource, staleness time.Duration) *Analyzer {
	if staleness == 0 {
		staleness = 5 * time.Minute
	}
	return &Analyzer{
		teams:     teams,
		staleness: staleness,
		logger:    log.WithComponent("workload"),
		tallies:   make(map[string]*tally),
		cache:     make(map[string]*types.WorkloadSnapshot),
	}
}

// Observe folds one issue event into the per-assignee tallies
func (a *Analyzer) Observe(event *types.Event) {
	if event.Classification.Category != "issue" || event.SubjectKey == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	assignee := event.Payload["assignee"]
	status := strings.ToLower(event.Payload["status"])
	closed := status == "done" || status == "closed" || status == "resolved"

	// An assignment moves the issue to the new assignee; a close removes
	// it everywhere
	if event.Kind == types.KindIssueAssignment || closed {
		for _, t := range a.tallies {
			delete(t.open, event.SubjectKey)
		}
	}
	if assignee == "" || closed {
		a.invalidate(event.SubjectKey)
		return
	}

	t, ok := a.tallies[assignee]
	if !ok {
		t = &tally{open: make(map[string]openIssue)}
		a.tallies[assignee] = t
	}

	issue := openIssue{priority: strings.ToLower(event.Payload["priority"])}
	if pts, err := strconv.ParseFloat(event.Payload["story_points"], 64); err == nil {
		issue.points = pts
	}
	if due, err := time.Parse("2006-01-02", event.Payload["duedate"]); err == nil {
		issue.due = due
	}
	t.open[event.SubjectKey] = issue

	delete(a.cache, assignee)
}

// invalidate drops cached snapshots that referenced the subject
func (a *Analyzer) invalidate(subjectKey string) {
	for assignee, t := range a.tallies {
		if _, ok := t.open[subjectKey]; ok {
			delete(a.cache, assignee)
		}
	}
}

// Score returns the assignee's workload snapshot, recomputing when the
// cached one exceeds the staleness bound
func (a *Analyzer) Score(assignee string, now time.Time) (*types.WorkloadSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if snap, ok := a.cache[assignee]; ok && now.Sub(snap.AsOf) < a.staleness {
		return snap, nil
	}

	snap := a.compute(assignee, now)
	a.cache[assignee] = snap
	return snap, nil
}

func (a *Analyzer) compute(assignee string, now time.Time) *types.WorkloadSnapshot {
	capacity := a.capacityFor(assignee)

	snap := &types.WorkloadSnapshot{Assignee: assignee, AsOf: now}
	t, ok := a.tallies[assignee]
	if ok {
		for _, issue := range t.open {
			snap.OpenCount++
			snap.StoryPointsOpen += issue.points
			switch issue.priority {
			case "blocker", "highest", "critical", "high", "p0", "p1":
				snap.HighPriorityOpen++
			}
			if !issue.due.IsZero() && issue.due.Before(now) {
				snap.OverdueCount++
			}
		}
	}

	if capacity.SprintPoints > 0 {
		snap.CapacityUtilization = snap.StoryPointsOpen / capacity.SprintPoints
	}

	maxOpen := float64(capacity.MaxOpen)
	if maxOpen <= 0 {
		maxOpen = float64(defaultCapacity.MaxOpen)
	}

	sprintPoints := capacity.SprintPoints
	if sprintPoints <= 0 {
		sprintPoints = defaultCapacity.SprintPoints
	}

	score := weightOpenCount*(float64(snap.OpenCount)/maxOpen) +
		weightStoryPoints*(snap.StoryPointsOpen/(2*sprintPoints)) +
		weightHighPriority*(float64(snap.HighPriorityOpen)/maxOpen) +
		weightOverdue*(float64(snap.OverdueCount)/maxOpen) +
		weightUtilization*snap.CapacityUtilization

	snap.Risk = riskBucket(score)
	snap.Recommendations = Recommendations(snap.Risk)
	return snap
}

func (a *Analyzer) capacityFor(assignee string) config.Capacity {
	for _, teamID := range a.teams.Teams() {
		snap, err := a.teams.Load(teamID)
		if err != nil {
			continue
		}
		if c, ok := snap.Config.Capacities[assignee]; ok {
			return c
		}
	}
	return defaultCapacity
}

func riskBucket(score float64) types.Risk {
	switch {
	case score >= riskCriticalAt:
		return types.RiskCritical
	case score >= riskHighAt:
		return types.RiskHigh
	case score >= riskModerateAt:
		return types.RiskModerate
	}
	return types.RiskLow
}

// Recommendations maps a risk bucket to its closed set of recommendation
// tags
func Recommendations(risk types.Risk) []types.Recommendation {
	switch risk {
	case types.RiskModerate:
		return []types.Recommendation{types.RecommendDefer}
	case types.RiskHigh:
		return []types.Recommendation{types.RecommendDefer, types.RecommendReducePriorityLoad}
	case types.RiskCritical:
		return []types.Recommendation{types.RecommendReassign, types.RecommendEscalateToLead}
	}
	return nil
}
