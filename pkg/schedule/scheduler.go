// Package schedule defers sub-critical decisions outside a recipient's
// work hours and packages the backlog into a single digest at the start of
// the next work window. Scheduled entries persist through the storage
// driver and survive restarts.
package schedule

import (
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
)

// Sink receives deliverable output: either an immediate single decision or
// a digest batch assembled from held decisions.
type Sink func(*types.Batch)

// ConfigSource provides active team snapshots
type ConfigSource interface {
	Load(teamID string) (*config.Snapshot, error)
}

// maxStartJitter pulls scheduled deliveries slightly ahead of the window
// start so digests land as the window opens
const maxStartJitter = 90 * time.Second

// Scheduler is the work-hours delivery timing stage
type Scheduler struct {
	store  storage.Store
	cfg    ConfigSource
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler
func New(store storage.Store, cfg ConfigSource, sink Sink) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		sink:   sink,
		logger: log.WithComponent("scheduler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetClock overrides the time source (tests)
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins the delivery loop. Persisted entries from a prior run fire
// on their stored schedule without any restore step.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the delivery loop; pending entries stay persisted
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.deliverDue()
		case <-s.stopCh:
			return
		}
	}
}

// workHoursFor resolves the schedule for a decision's recipient. User
// recipients use their per-recipient entry; channel recipients use the
// team schedule.
func (s *Scheduler) workHoursFor(decision *types.Decision) (config.WorkHours, string, *time.Location) {
	snap, err := s.cfg.Load(decision.TeamID)
	if err != nil {
		var def config.TeamConfig
		def.ApplyDefaults()
		return def.WorkHours, def.WeekendPolicy, time.UTC
	}
	cfg := snap.Config
	loc := cfg.Location()

	wh := cfg.WorkHours
	if decision.Recipient != "" {
		if userWH, ok := cfg.Recipients[decision.Recipient]; ok {
			wh = userWH
		}
	}
	if wh.Timezone != "" {
		if userLoc, err := time.LoadLocation(wh.Timezone); err == nil {
			loc = userLoc
		}
	}
	return wh, cfg.WeekendPolicy, loc
}

// Route decides delivery timing for one decision. It returns true when
// the decision was deferred to the next work window; false means the
// caller should deliver now (critical/bypass urgencies or inside work
// hours).
func (s *Scheduler) Route(decision types.Decision) bool {
	now := s.now()
	wh, weekendPolicy, loc := s.workHoursFor(&decision)

	if decision.Urgency.AtLeast(types.UrgencyCritical) ||
		(wh.UrgentBypass && decision.Urgency.AtLeast(types.UrgencyHigh)) {
		return false
	}

	if InWorkHours(wh, weekendPolicy, now, loc) {
		return false
	}

	next := NextWorkInstant(wh, weekendPolicy, now, loc)
	if next.IsZero() {
		// No window within the horizon; deliver rather than hold forever
		s.logger.Warn().Str("recipient", decision.Recipient).Msg("No upcoming work window; delivering immediately")
		return false
	}

	jitter := time.Duration(rand.Int63n(int64(maxStartJitter)))
	scheduledAt := next.Add(-jitter)
	if scheduledAt.Before(now) {
		scheduledAt = next
	}

	sd := &types.ScheduledDecision{
		ID:          uuid.New().String(),
		Recipient:   decision.Recipient,
		ScheduledAt: scheduledAt,
		Decision:    decision,
		CreatedAt:   now,
	}
	if err := s.store.PutScheduled(sd); err != nil {
		s.logger.Error().Err(err).Str("event_id", decision.EventID).Msg("Failed to persist scheduled decision; delivering immediately")
		return false
	}
	metrics.DecisionsScheduled.Inc()
	s.logger.Debug().
		Str("recipient", decision.Recipient).
		Time("scheduled_at", scheduledAt).
		Str("event_id", decision.EventID).
		Msg("Decision scheduled for next work window")
	return true
}

// deliverDue fires every scheduled decision whose time has come, packaged
// as one digest per recipient in ingest order
func (s *Scheduler) deliverDue() {
	now := s.now()
	due, err := s.store.ListScheduledDue(now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due scheduled decisions")
		return
	}
	if len(due) == 0 {
		return
	}

	byRecipient := make(map[string][]*types.ScheduledDecision)
	var recipients []string
	for _, sd := range due {
		if _, ok := byRecipient[sd.Recipient]; !ok {
			recipients = append(recipients, sd.Recipient)
		}
		byRecipient[sd.Recipient] = append(byRecipient[sd.Recipient], sd)
	}
	sort.Strings(recipients)

	for _, recipient := range recipients {
		entries := byRecipient[recipient]
		// Digest members keep ingest order regardless of per-entry jitter
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		})

		digest := &types.Batch{
			ID:          uuid.New().String(),
			Channel:     entries[0].Decision.Channel,
			TeamID:      entries[0].Decision.TeamID,
			OpenedAt:    entries[0].CreatedAt,
			LastAddedAt: now,
			Reason:      "digest",
		}
		for _, sd := range entries {
			d := sd.Decision
			if d.Metadata == nil {
				d.Metadata = map[string]string{}
			}
			d.Metadata["scheduled_id"] = sd.ID
			d.Metadata["original_event_id"] = d.EventID
			digest.EventIDs = append(digest.EventIDs, d.EventID)
			digest.Decisions = append(digest.Decisions, d)
		}

		s.sink(digest)
		metrics.DigestsEmitted.Inc()
		s.logger.Info().
			Str("recipient", recipient).
			Int("members", len(entries)).
			Msg("Morning digest emitted")

		for _, sd := range entries {
			if err := s.store.DeleteScheduled(sd.ID); err != nil {
				s.logger.Error().Err(err).Str("scheduled_id", sd.ID).Msg("Failed to delete delivered scheduled decision")
			}
		}
	}
}

// SupersedeSubject removes held entries for a subject after a critical
// event for the same subject was delivered directly
func (s *Scheduler) SupersedeSubject(subjectKey string) int {
	if subjectKey == "" {
		return 0
	}
	entries, err := s.store.ListScheduled()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list scheduled decisions for supersede")
		return 0
	}
	removed := 0
	for _, sd := range entries {
		if sd.Decision.SubjectKey == subjectKey {
			if err := s.store.DeleteScheduled(sd.ID); err != nil {
				s.logger.Error().Err(err).Str("scheduled_id", sd.ID).Msg("Failed to supersede scheduled decision")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Str("subject_key", subjectKey).Int("removed", removed).Msg("Superseded held digest entries")
	}
	return removed
}

// Pending returns the number of persisted scheduled decisions
func (s *Scheduler) Pending() (int, error) {
	entries, err := s.store.ListScheduled()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
