// Package dispatch executes delivery decisions against the notification
// transport. A per-channel sequencer preserves delivery order while a
// bounded worker pool provides cross-channel parallelism; per-service
// circuit breakers, retries with backoff, recovery workflows and a
// dead-letter queue harden the downstream path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/events"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/notify"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/threading"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ConfigSource provides active team snapshots
type ConfigSource interface {
	Load(teamID string) (*config.Snapshot, error)
}

// Options tunes the dispatcher
type Options struct {
	Workers          int           // worker pool size
	ExecutionTimeout time.Duration // wall-clock deadline per execution
	MaxAttempts      int           // attempts for transient failures
	BaseBackoff      time.Duration // first retry delay
	QueueDepth       int           // per-channel sequencer queue bound
	DrainTimeout     time.Duration // shutdown drain bound
}

func (o *Options) applyDefaults() {
	if o.Workers == 0 {
		o.Workers = 8
	}
	if o.ExecutionTimeout == 0 {
		o.ExecutionTimeout = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = 128
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = 30 * time.Second
	}
}

// job is one batch queued behind a channel sequencer
type job struct {
	batch *types.Batch
}

// sequencer serialises executions for one channel
type sequencer struct {
	ch     chan job
	doneCh chan struct{}
}

// Dispatcher is the delivery execution stage
type Dispatcher struct {
	opts      Options
	cfg       ConfigSource
	renderer  notify.Renderer
	transport notify.Transport
	threads   *threading.Manager
	store     storage.Store
	bus       *events.Bus
	breakers  *Breakers
	recovery  *recoverer
	logger    zerolog.Logger

	// workerSlots bounds concurrent executions across all sequencers
	workerSlots chan struct{}

	mu         sync.Mutex
	sequencers map[string]*sequencer
	draining   bool

	wg sync.WaitGroup
}

// New creates a dispatcher. workflows may be nil for the defaults.
func New(opts Options, cfg ConfigSource, renderer notify.Renderer, transport notify.Transport,
	threads *threading.Manager, store storage.Store, bus *events.Bus, workflows []Workflow) *Dispatcher {
	opts.applyDefaults()
	d := &Dispatcher{
		opts:        opts,
		cfg:         cfg,
		renderer:    renderer,
		transport:   transport,
		threads:     threads,
		store:       store,
		bus:         bus,
		breakers:    NewBreakers(BreakerOptions{}, bus),
		logger:      log.WithComponent("dispatch"),
		workerSlots: make(chan struct{}, opts.Workers),
		sequencers:  make(map[string]*sequencer),
	}
	d.recovery = newRecoverer(d, workflows)
	return d
}

// Breakers exposes the circuit breaker states for health reporting
func (d *Dispatcher) Breakers() *Breakers {
	return d.breakers
}

// Submit queues a batch for delivery behind its channel's sequencer.
// Returns false when the dispatcher is draining or the channel queue is
// saturated (backpressure to the caller).
func (d *Dispatcher) Submit(batch *types.Batch) bool {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return false
	}
	seq, ok := d.sequencers[batch.Channel]
	if !ok {
		seq = &sequencer{
			ch:     make(chan job, d.opts.QueueDepth),
			doneCh: make(chan struct{}),
		}
		d.sequencers[batch.Channel] = seq
		d.wg.Add(1)
		go d.runSequencer(batch.Channel, seq)
	}
	d.mu.Unlock()

	select {
	case seq.ch <- job{batch: batch}:
		return true
	default:
		d.logger.Warn().Str("channel", batch.Channel).Msg("Channel queue saturated; rejecting batch")
		return false
	}
}

// runSequencer executes the channel's batches one at a time, taking a
// worker slot per execution so total concurrency stays bounded
func (d *Dispatcher) runSequencer(channel string, seq *sequencer) {
	defer d.wg.Done()
	for {
		select {
		case j, ok := <-seq.ch:
			if !ok {
				return
			}
			d.workerSlots <- struct{}{}
			d.execute(j.batch)
			<-d.workerSlots
		case <-seq.doneCh:
			// Drain what is already queued, then exit
			for {
				select {
				case j := <-seq.ch:
					d.workerSlots <- struct{}{}
					d.execute(j.batch)
					<-d.workerSlots
				default:
					return
				}
			}
		}
	}
}

// Drain stops intake and waits for queued work up to the drain timeout.
// Work still in flight afterwards is recorded as cancelled.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	seqs := make([]*sequencer, 0, len(d.sequencers))
	for _, seq := range d.sequencers {
		seqs = append(seqs, seq)
	}
	d.mu.Unlock()

	for _, seq := range seqs {
		close(seq.doneCh)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.DrainTimeout):
		d.logger.Warn().Msg("Drain timeout; remaining work recorded as cancelled")
		d.recordCancelledRemainder(seqs)
	}
}

func (d *Dispatcher) recordCancelledRemainder(seqs []*sequencer) {
	for _, seq := range seqs {
	drain:
		for {
			select {
			case j := <-seq.ch:
				record := d.newRecord(j.batch)
				record.Status = types.ExecutionCancelled
				record.EndedAt = time.Now()
				record.Notes = "cancelled during shutdown drain"
				d.publish(record)
			default:
				break drain
			}
		}
	}
}

func (d *Dispatcher) newRecord(batch *types.Batch) *types.ExecutionRecord {
	hookID := ""
	eventID := ""
	if len(batch.Decisions) > 0 {
		hookID = batch.Decisions[0].HookID
		eventID = batch.Decisions[0].EventID
	}
	if hookID == "" {
		hookID = "default"
	}
	return &types.ExecutionRecord{
		ExecutionID: uuid.New().String(),
		HookID:      hookID,
		EventID:     eventID,
		TeamID:      batch.TeamID,
		Channel:     batch.Channel,
		StartedAt:   time.Now(),
		Metadata: map[string]string{
			"batch_id":     batch.ID,
			"member_count": fmt.Sprintf("%d", len(batch.Decisions)),
			"reason":       batch.Reason,
		},
	}
}

// execute delivers one batch under the execution deadline and reports the
// outcome to the execution log
func (d *Dispatcher) execute(batch *types.Batch) {
	if len(batch.Decisions) == 0 {
		return
	}

	record := d.newRecord(batch)
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ExecutionTimeout)
	defer cancel()

	req := d.renderRequest(batch)
	msg, err := d.renderer.Render(req)
	if err != nil {
		d.finish(record, types.ExecutionFailure, timer, err)
		return
	}

	first := batch.Decisions[0]
	n := &notify.Notification{
		ChannelID:    batch.Channel,
		ThreadKey:    first.ThreadKey,
		Kind:         first.Kind,
		Urgency:      d.maxUrgency(batch),
		FallbackText: req.EventSummary,
		Payload: map[string]string{
			"batch_id": batch.ID,
			"reason":   batch.Reason,
		},
	}
	if n.ThreadKey != "" && d.threads != nil {
		if msgID, ok := d.threads.MessageID(n.ThreadKey); ok {
			n.ThreadMessageID = msgID
		}
	}

	del := &delivery{batch: batch, notification: n, rendered: msg, executionID: record.ExecutionID}

	messageID, err := d.send(ctx, n, msg, record)
	if err == nil {
		if n.ThreadKey != "" && d.threads != nil && messageID != "" {
			d.threads.Bind(n.ThreadKey, messageID)
		}
		d.recovery.remember(batch.Channel, msg)
		record.Delivered = true
		d.finish(record, types.ExecutionSuccess, timer, nil)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		d.finish(record, types.ExecutionTimeout, timer, err)
		return
	}

	category := types.CategoryOf(err)
	outcome := d.recovery.run(context.Background(), del, category, err)
	if outcome == OutcomeRecovered {
		record.Delivered = true
		record.Notes = "delivered via recovery workflow"
		d.finish(record, types.ExecutionSuccess, timer, err)
		return
	}

	d.deadLetter(record)
	d.finish(record, types.ExecutionFailure, timer, err)
}

// send runs the transport call through the service circuit breaker and the
// retry policy. While the breaker is open, calls fail fast with a
// transient error.
func (d *Dispatcher) send(ctx context.Context, n *notify.Notification, msg *notify.RenderedMessage, record *types.ExecutionRecord) (string, error) {
	var messageID string
	var lastErr error

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		record.Attempts = attempt
		if attempt > 1 {
			metrics.DispatchRetries.Inc()
			backoff := d.backoff(attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		result, err := d.breakers.For(d.transport.Name()).Execute(func() (interface{}, error) {
			return d.transport.Send(ctx, n, msg)
		})
		if err == nil {
			messageID, _ = result.(string)
			return messageID, nil
		}
		lastErr = err
		record.Errors = append(record.Errors, fmt.Sprintf("attempt %d: %v", attempt, err))

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Fail fast while open; the recovery workflow takes over
			return "", types.NewError(types.ErrTransientDownstream, "circuit open for "+d.transport.Name(), err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !types.CategoryOf(err).Retriable() {
			return "", err
		}
	}
	return "", lastErr
}

// sendWithRetry is the retry-with-backoff recovery step entry point
func (d *Dispatcher) sendWithRetry(ctx context.Context, n *notify.Notification, msg *notify.RenderedMessage, attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err := d.breakers.For(d.transport.Name()).Execute(func() (interface{}, error) {
			return d.transport.Send(ctx, n, msg)
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// backoff computes the exponential delay with jitter for the nth retry
func (d *Dispatcher) backoff(n int) time.Duration {
	base := d.opts.BaseBackoff * time.Duration(1<<uint(n))
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}

func (d *Dispatcher) finish(record *types.ExecutionRecord, status types.ExecutionStatus, timer *metrics.Timer, err error) {
	record.Status = status
	record.EndedAt = time.Now()
	record.DurationMS = timer.Duration().Milliseconds()
	if err != nil && record.Notes == "" {
		record.Notes = err.Error()
	}
	timer.ObserveDurationVec(metrics.DispatchDuration, string(status))
	d.publish(record)
}

func (d *Dispatcher) publish(record *types.ExecutionRecord) {
	if d.bus != nil {
		d.bus.Publish(&events.Observation{
			Topic:     events.TopicExecutionFinished,
			Execution: record,
		})
	}
}

func (d *Dispatcher) deadLetter(record *types.ExecutionRecord) {
	if d.store == nil {
		return
	}
	if err := d.store.AppendDeadLetter(record); err != nil {
		d.logger.Error().Err(err).Str("execution_id", record.ExecutionID).Msg("Failed to append dead letter")
		return
	}
	metrics.DeadLettered.Inc()
}

// renderRequest summarises a batch for the renderer
func (d *Dispatcher) renderRequest(batch *types.Batch) *notify.RenderRequest {
	first := batch.Decisions[0]
	req := &notify.RenderRequest{
		Kind:    first.Kind,
		Urgency: d.maxUrgency(batch),
	}
	if batch.Reason == "digest" {
		req.EventSummary = fmt.Sprintf("Digest: %d updates while you were away", len(batch.Decisions))
	} else if len(batch.Decisions) == 1 {
		req.EventSummary = summarizeDecision(first)
	} else {
		req.EventSummary = fmt.Sprintf("%d %s updates", len(batch.Decisions), first.Kind)
	}
	for _, decision := range batch.Decisions {
		item := notify.RenderItem{
			EventID: decision.EventID,
			Title:   summarizeDecision(decision),
		}
		req.Items = append(req.Items, item)
		if w := decision.Metadata["workload_warning"]; w != "" {
			req.Annotations.WorkloadWarnings = append(req.Annotations.WorkloadWarnings, w)
		}
		if tags := decision.Metadata["recommendations"]; tags != "" {
			for _, tag := range strings.Split(tags, ",") {
				req.Annotations.Recommendations = append(req.Annotations.Recommendations, types.Recommendation(tag))
			}
		}
	}
	return req
}

func summarizeDecision(decision types.Decision) string {
	title := decision.Metadata["title"]
	if title == "" {
		title = string(decision.Kind)
	}
	if decision.SubjectKey != "" {
		return decision.SubjectKey + ": " + title
	}
	return title
}

func (d *Dispatcher) maxUrgency(batch *types.Batch) types.Urgency {
	max := types.UrgencyLow
	for _, decision := range batch.Decisions {
		max = types.MaxUrgency(max, decision.Urgency)
	}
	return max
}

func (d *Dispatcher) fallbackChannel(teamID string) string {
	if snap, err := d.cfg.Load(teamID); err == nil {
		return snap.Config.FallbackChannel
	}
	return ""
}

func (d *Dispatcher) escalationChannel(teamID string) string {
	if snap, err := d.cfg.Load(teamID); err == nil {
		if snap.Config.EscalationChannel != "" {
			return snap.Config.EscalationChannel
		}
		return snap.Config.FallbackChannel
	}
	return ""
}

// QueueDepths reports queued batches per channel for health reporting
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.sequencers))
	for channel, seq := range d.sequencers {
		out[channel] = len(seq.ch)
	}
	return out
}
