// Package broker composes the event pipeline: classification, dedup, rule
// evaluation, workload analysis, batching, scheduling, threading and
// dispatch, connected by bounded queues. The broker owns the lifecycle of
// every stage: init, run, drain, stop.
package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hookline/hookline/pkg/batcher"
	"github.com/hookline/hookline/pkg/classify"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/dedup"
	"github.com/hookline/hookline/pkg/dispatch"
	"github.com/hookline/hookline/pkg/events"
	"github.com/hookline/hookline/pkg/execlog"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/notify"
	"github.com/hookline/hookline/pkg/rules"
	"github.com/hookline/hookline/pkg/schedule"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/threading"
	"github.com/hookline/hookline/pkg/types"
	"github.com/hookline/hookline/pkg/workload"
	"github.com/rs/zerolog"
)

// ErrBackpressure is returned when the ingress queue is full; webhook
// callers surface it as a retriable 429
var ErrBackpressure = types.NewError(types.ErrTransientDownstream, "ingress queue full", nil)

// Options tunes the broker
type Options struct {
	QueueDepth      int
	PipelineWorkers int
	Dedup           dedup.Options
	Dispatch        dispatch.Options
	Batcher         batcher.Options
	ExecLog         execlog.Options
	Threading       threading.Options
}

func (o *Options) applyDefaults() {
	if o.QueueDepth == 0 {
		o.QueueDepth = 1024
	}
	if o.PipelineWorkers == 0 {
		o.PipelineWorkers = 4
	}
}

// Broker is the assembled event pipeline
type Broker struct {
	opts Options

	Registry  *config.Registry
	Store     storage.Store
	Bus       *events.Bus
	Classify  *classify.Classifier
	Dedup     *dedup.Store
	Workload  *workload.Analyzer
	Threads   *threading.Manager
	Batcher   *batcher.Batcher
	Scheduler *schedule.Scheduler
	Dispatch  *dispatch.Dispatcher
	ExecLog   *execlog.Log

	queue  chan *types.Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// New wires the full pipeline from config at startup. Nothing is looked up
// through ambient state afterwards.
func New(opts Options, store storage.Store, registry *config.Registry,
	renderer notify.Renderer, transport notify.Transport) *Broker {
	opts.applyDefaults()

	bus := events.NewBus()
	threads := threading.NewManager(opts.Threading)

	b := &Broker{
		opts:     opts,
		Registry: registry,
		Store:    store,
		Bus:      bus,
		Classify: classify.NewClassifier(registry),
		Dedup:    dedup.NewStore(opts.Dedup, store),
		Workload: workload.NewAnalyzer(registry, 0),
		Threads:  threads,
		queue:    make(chan *types.Event, opts.QueueDepth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("broker"),
	}

	b.Dispatch = dispatch.New(opts.Dispatch, registry, renderer, transport, threads, store, bus, nil)
	b.Batcher = batcher.New(opts.Batcher, registry, func(batch *types.Batch) {
		if !b.Dispatch.Submit(batch) {
			b.logger.Error().Str("channel", batch.Channel).Int("members", len(batch.Decisions)).Msg("Dispatcher rejected batch")
		}
	})
	b.Scheduler = schedule.New(store, registry, func(digest *types.Batch) {
		if !b.Dispatch.Submit(digest) {
			b.logger.Error().Str("channel", digest.Channel).Msg("Dispatcher rejected digest")
		}
	})
	b.ExecLog = execlog.New(opts.ExecLog, store, bus)
	return b
}

// Start runs every stage and the pipeline workers
func (b *Broker) Start() error {
	if err := b.Dedup.Restore(time.Now()); err != nil {
		return fmt.Errorf("failed to restore dedup window: %w", err)
	}
	b.Bus.Start()
	b.ExecLog.Start()
	b.Batcher.Start()
	b.Scheduler.Start()
	for i := 0; i < b.opts.PipelineWorkers; i++ {
		go b.worker()
	}
	go func() {
		<-b.stopCh
		close(b.doneCh)
	}()
	b.logger.Info().Int("workers", b.opts.PipelineWorkers).Msg("Pipeline started")
	return nil
}

// Drain stops intake, flushes open batches and waits for in-flight work
func (b *Broker) Drain() {
	b.logger.Info().Msg("Draining pipeline")
	close(b.stopCh)
	// Let workers finish what is queued
	deadline := time.After(10 * time.Second)
	for len(b.queue) > 0 {
		select {
		case <-deadline:
			b.logger.Warn().Int("dropped", len(b.queue)).Msg("Drain deadline reached with events still queued")
			goto drained
		case <-time.After(50 * time.Millisecond):
		}
	}
drained:
	b.Batcher.Stop()
	b.Scheduler.Stop()
	b.Dispatch.Drain()
	b.ExecLog.Stop()
	b.Bus.Stop()
}

// Stop closes remaining resources after Drain
func (b *Broker) Stop() error {
	return b.Store.Close()
}

// Enqueue adds a classified event to the pipeline queue. Returns
// ErrBackpressure when the queue is full; the webhook layer answers 429
// and the sender redelivers.
func (b *Broker) Enqueue(event *types.Event) error {
	select {
	case <-b.stopCh:
		return types.NewError(types.ErrTransientDownstream, "broker is draining", nil)
	default:
	}
	select {
	case b.queue <- event:
		metrics.IngressQueueDepth.Set(float64(len(b.queue)))
		return nil
	default:
		return ErrBackpressure
	}
}

func (b *Broker) worker() {
	for {
		select {
		case event := <-b.queue:
			metrics.IngressQueueDepth.Set(float64(len(b.queue)))
			b.process(event)
		case <-b.stopCh:
			// Drain the queue before exiting
			for {
				select {
				case event := <-b.queue:
					b.process(event)
				default:
					return
				}
			}
		}
	}
}

// process runs one event through dedup, rules, workload and routing. A
// failure for one event never poisons another: everything is contained
// here.
func (b *Broker) process(event *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event_id", event.ID).Msg("Pipeline panic contained")
		}
	}()

	now := time.Now()
	logger := log.WithEvent(b.logger, event.ID, "")

	if err := b.Store.PutEvent(event); err != nil {
		logger.Error().Err(err).Msg("Failed to retain event")
	}

	b.Workload.Observe(event)

	obs := b.Dedup.Observe(event, now)
	if obs.Result == dedup.ResultDuplicate {
		metrics.DecisionsTotal.WithLabelValues(string(types.DispositionSuppressed)).Inc()
		logger.Debug().
			Str("subject_key", event.SubjectKey).
			Int("count", obs.Count).
			Msg("Duplicate suppressed")
		return
	}

	if len(event.AffectedTeams) == 0 {
		logger.Debug().Msg("No affected teams; event dropped")
		return
	}

	for _, teamID := range event.AffectedTeams {
		b.routeForTeam(event, teamID, now)
	}
}

// routeForTeam evaluates one team's rules and emits its decisions. Rule
// failures degrade to the team's default routing, never to another team's.
func (b *Broker) routeForTeam(event *types.Event, teamID string, now time.Time) {
	logger := log.WithEvent(b.logger, event.ID, teamID)
	snap, err := b.Registry.Load(teamID)
	if err != nil {
		logger.Warn().Err(err).Msg("No team config; event skipped for team")
		return
	}

	result := snap.Ruleset.Evaluate(event)
	for _, evalErr := range result.EvalErrors {
		metrics.RuleEvaluations.WithLabelValues("error").Inc()
		b.reportEvalError(event, teamID, evalErr)
	}

	if result.Suppressed {
		metrics.RuleEvaluations.WithLabelValues("suppressed").Inc()
		metrics.DecisionsTotal.WithLabelValues(string(types.DispositionSuppressed)).Inc()
		logger.Debug().Str("reason", result.Reason).Msg("Event suppressed by rule")
		return
	}

	routes := result.Routes
	if len(routes) == 0 {
		// Team default routing for the kind
		routes = []rules.Route{{Channel: snap.Config.ChannelFor(event.Kind)}}
		metrics.RuleEvaluations.WithLabelValues("default").Inc()
	} else {
		metrics.RuleEvaluations.WithLabelValues("routed").Inc()
	}

	var warning *types.Decision
	if event.Kind == types.KindIssueAssignment {
		warning = b.workloadWarning(event, snap, now)
	}

	for _, route := range routes {
		urgency := event.Classification.Urgency
		if route.UrgencyOverride != "" {
			urgency = types.MaxUrgency(urgency, route.UrgencyOverride)
		}

		decision := types.Decision{
			EventID:    event.ID,
			TeamID:     teamID,
			HookID:     route.HookID,
			Channel:    route.Channel,
			Urgency:    urgency,
			Kind:       event.Kind,
			SubjectKey: event.SubjectKey,
			Recipient:  b.recipientFor(event, snap, route.Channel),
			Metadata: map[string]string{
				"title":   event.Payload["title"],
				"simhash": strconv.FormatUint(event.SimilarityHash, 10),
			},
		}
		decision.ThreadKey = b.Threads.ThreadKeyFor(event, route.Channel, now)

		b.emit(decision, event)
	}

	if warning != nil {
		warning.ThreadKey = b.Threads.ThreadKeyFor(event, warning.Channel, now)
		b.emit(*warning, event)
	}
}

// emit sends one decision through the scheduler/batcher stages
func (b *Broker) emit(decision types.Decision, event *types.Event) {
	if decision.Urgency.AtLeast(types.UrgencyCritical) {
		// Urgent bypass supersedes held digest entries for the subject
		b.Scheduler.SupersedeSubject(decision.SubjectKey)
		metrics.DecisionsTotal.WithLabelValues(string(types.DispositionImmediate)).Inc()
		b.Batcher.Add(decision, event.SimilarityHash)
		return
	}

	if b.Scheduler.Route(decision) {
		metrics.DecisionsTotal.WithLabelValues(string(types.DispositionScheduled)).Inc()
		return
	}

	metrics.DecisionsTotal.WithLabelValues(string(types.DispositionBatched)).Inc()
	b.Batcher.Add(decision, event.SimilarityHash)
}

// workloadWarning produces the extra warning decision for risky
// assignments
func (b *Broker) workloadWarning(event *types.Event, snap *config.Snapshot, now time.Time) *types.Decision {
	assignee := event.Payload["assignee"]
	if assignee == "" || snap.Config.WorkloadWarningChannel == "" {
		return nil
	}
	wl, err := b.Workload.Score(assignee, now)
	if err != nil || wl.Risk.Rank() < types.RiskHigh.Rank() {
		return nil
	}

	tags := make([]string, len(wl.Recommendations))
	for i, r := range wl.Recommendations {
		tags[i] = string(r)
	}
	return &types.Decision{
		EventID:    event.ID,
		TeamID:     snap.TeamID,
		Channel:    snap.Config.WorkloadWarningChannel,
		Urgency:    types.UrgencyHigh,
		Kind:       event.Kind,
		SubjectKey: event.SubjectKey,
		Reason:     "workload_warning",
		Metadata: map[string]string{
			"title": event.Payload["title"],
			"workload_warning": fmt.Sprintf("%s is at %s workload (%d open, %.0f%% capacity)",
				assignee, wl.Risk, wl.OpenCount, wl.CapacityUtilization*100),
			"recommendations": strings.Join(tags, ","),
		},
	}
}

// recipientFor resolves the scheduling recipient: the event's first
// assignee when they have a configured schedule, whatever the event kind;
// the channel otherwise
func (b *Broker) recipientFor(event *types.Event, snap *config.Snapshot, channel string) string {
	if len(event.Assignees) > 0 {
		if _, ok := snap.Config.Recipients[event.Assignees[0]]; ok {
			return event.Assignees[0]
		}
	}
	return channel
}

// reportEvalError logs a rule evaluation error to the execution log
func (b *Broker) reportEvalError(event *types.Event, teamID string, evalErr error) {
	b.logger.Warn().Err(evalErr).Str("team_id", teamID).Str("event_id", event.ID).Msg("Rule evaluation error")
	started := time.Now()
	b.Bus.Publish(&events.Observation{
		Topic: events.TopicExecutionFinished,
		Execution: &types.ExecutionRecord{
			ExecutionID: event.ID + "-ruleerr",
			HookID:      "rule-engine",
			EventID:     event.ID,
			TeamID:      teamID,
			Status:      types.ExecutionFailure,
			StartedAt:   started,
			EndedAt:     started,
			Errors:      []string{evalErr.Error()},
			Notes:       "rule evaluation error",
		},
	})
}

// Replay re-feeds retained events from the given window through the
// pipeline. Dedup is consulted, so already-delivered content stays
// suppressed.
func (b *Broker) Replay(from, to time.Time) (int, error) {
	retained, err := b.Store.ListEventsByTime(from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to list retained events: %w", err)
	}
	replayed := 0
	for _, event := range retained {
		if err := b.Enqueue(event); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// QueueDepth reports the current ingress queue depth
func (b *Broker) QueueDepth() int {
	return len(b.queue)
}
