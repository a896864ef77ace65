// Package batcher groups sub-immediate decisions per channel into joint
// notifications. It flushes on size, deadline, immediate arrivals, burst
// cooldown, external request or shutdown, respects quiet hours, and caps
// per-channel send rates.
package batcher

import (
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink receives flushed batches. Immediate deliveries arrive as
// single-member batches with the immediate_arrival trigger.
type Sink func(*types.Batch)

// ConfigSource provides active team snapshots
type ConfigSource interface {
	Load(teamID string) (*config.Snapshot, error)
}

// Options tunes batcher behavior shared across channels
type Options struct {
	// ImmediateAt and above bypass batching entirely
	ImmediateAt types.Urgency
	// Tick is the deadline check interval
	Tick time.Duration
}

func (o *Options) applyDefaults() {
	if o.ImmediateAt == "" {
		o.ImmediateAt = types.UrgencyHigh
	}
	if o.Tick == 0 {
		o.Tick = time.Second
	}
}

// channelState holds the open batch and rate shaping for one channel
type channelState struct {
	mu sync.Mutex

	teamID  string
	open    *types.Batch
	counts  [64]int // centroid bit counts over member simhashes
	members int

	arrivals      []time.Time // rolling one-minute arrival window
	cooldownUntil time.Time

	minuteLimiter *rate.Limiter
	hourLimiter   *rate.Limiter

	maxUrgency types.Urgency
}

// Batcher is the per-channel smart batching stage
type Batcher struct {
	opts   Options
	cfg    ConfigSource
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	channels map[string]*channelState

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a batcher delivering flushed batches to sink
func New(opts Options, cfg ConfigSource, sink Sink) *Batcher {
	opts.applyDefaults()
	return &Batcher{
		opts:     opts,
		cfg:      cfg,
		sink:     sink,
		logger:   log.WithComponent("batcher"),
		now:      time.Now,
		channels: make(map[string]*channelState),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetClock overrides the time source (tests)
func (b *Batcher) SetClock(now func() time.Time) {
	b.now = now
}

// Start begins the deadline loop
func (b *Batcher) Start() {
	go b.run()
}

// Stop drains every open batch and stops the deadline loop
func (b *Batcher) Stop() {
	close(b.stopCh)
	<-b.doneCh
	b.Drain()
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.checkDeadlines()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Batcher) state(channel, teamID string) *channelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.channels[channel]
	if !ok {
		st = &channelState{teamID: teamID}
		b.channels[channel] = st
	}
	return st
}

func (b *Batcher) batching(teamID string) config.Batching {
	if snap, err := b.cfg.Load(teamID); err == nil {
		return snap.Config.Batching
	}
	var def config.TeamConfig
	def.ApplyDefaults()
	return def.Batching
}

// Add routes one decision through the batching policy. simhash is the
// source event's similarity hash.
func (b *Batcher) Add(decision types.Decision, simhash uint64) {
	now := b.now()
	st := b.state(decision.Channel, decision.TeamID)
	bc := b.batching(decision.TeamID)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.recordArrival(now)

	// Immediate urgencies flush whatever is open and go out alone. During
	// a burst cooldown they are still not delayed.
	if decision.Urgency.AtLeast(b.opts.ImmediateAt) {
		b.flushLocked(st, decision.Channel, types.FlushImmediate, now)
		b.emit(&types.Batch{
			ID:           uuid.New().String(),
			Channel:      decision.Channel,
			TeamID:       decision.TeamID,
			EventIDs:     []string{decision.EventID},
			Decisions:    []types.Decision{decision},
			OpenedAt:     now,
			LastAddedAt:  now,
			FlushTrigger: types.FlushImmediate,
		})
		return
	}

	overCap := b.overRateCap(st, bc, now)

	if st.open != nil && !overCap && st.members > 0 && simhash != 0 {
		// A decision dissimilar to the open batch seeds a fresh one
		if bits.OnesCount64(b.centroidLocked(st)^simhash) > bc.SimilarityThreshold {
			b.flushLocked(st, decision.Channel, types.FlushSimilarity, now)
		}
	}

	if st.open == nil {
		st.open = &types.Batch{
			ID:       uuid.New().String(),
			Channel:  decision.Channel,
			TeamID:   decision.TeamID,
			OpenedAt: now,
		}
		st.members = 0
		st.counts = [64]int{}
		st.maxUrgency = types.UrgencyLow
	}

	decision.BatchID = st.open.ID
	st.open.EventIDs = append(st.open.EventIDs, decision.EventID)
	st.open.Decisions = append(st.open.Decisions, decision)
	st.open.LastAddedAt = now
	st.maxUrgency = types.MaxUrgency(st.maxUrgency, decision.Urgency)
	if overCap {
		st.open.Overflow = true
	}
	st.addToCentroid(simhash)
	st.members++

	if st.members >= bc.MaxBatchSize {
		b.flushLocked(st, decision.Channel, types.FlushSizeCap, now)
		return
	}

	b.recomputeDeadlineLocked(st, bc, now)
}

// recordArrival maintains the rolling one-minute arrival window
func (st *channelState) recordArrival(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := st.arrivals[:0]
	for _, t := range st.arrivals {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	st.arrivals = append(keep, now)
}

func (st *channelState) addToCentroid(simhash uint64) {
	for i := 0; i < 64; i++ {
		if simhash&(1<<uint(i)) != 0 {
			st.counts[i]++
		} else {
			st.counts[i]--
		}
	}
}

func (b *Batcher) centroidLocked(st *channelState) uint64 {
	var out uint64
	for i := 0; i < 64; i++ {
		if st.counts[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// overRateCap checks the per-minute and per-hour channel caps. When a cap
// is exhausted, non-critical decisions coalesce into the open batch.
func (b *Batcher) overRateCap(st *channelState, bc config.Batching, now time.Time) bool {
	if st.minuteLimiter == nil {
		st.minuteLimiter = rate.NewLimiter(rate.Limit(float64(bc.PerMinuteCap)/60), bc.PerMinuteCap)
		st.hourLimiter = rate.NewLimiter(rate.Limit(float64(bc.PerHourCap)/3600), bc.PerHourCap)
	}
	return st.minuteLimiter.TokensAt(now) < 1 || st.hourLimiter.TokensAt(now) < 1
}

// recomputeDeadlineLocked applies the deadline rule: the later of
// opened+max_wait and last_added+grace, capped at opened+hard_ceiling, and
// extended multiplicatively while a burst is in progress. Quiet hours are
// not applied here; checkDeadlines holds non-critical batches through them.
func (b *Batcher) recomputeDeadlineLocked(st *channelState, bc config.Batching, now time.Time) {
	if st.open == nil {
		return
	}
	deadline := st.open.OpenedAt.Add(bc.MaxWait.Std())
	if grace := st.open.LastAddedAt.Add(bc.MinInterArrivalGrace.Std()); grace.After(deadline) {
		deadline = grace
	}
	ceiling := st.open.OpenedAt.Add(bc.HardCeiling.Std())

	// Burst detection: arrivals in the rolling window over threshold
	// stretch the deadline so the batch absorbs the burst
	if len(st.arrivals) > bc.BurstThreshold {
		if st.cooldownUntil.Before(now) {
			metrics.BurstsDetected.Inc()
		}
		st.cooldownUntil = now.Add(time.Minute)
		stretched := st.open.OpenedAt.Add(time.Duration(float64(deadline.Sub(st.open.OpenedAt)) * bc.BurstBackoffFactor))
		if stretched.After(deadline) {
			deadline = stretched
		}
	}

	if deadline.After(ceiling) {
		deadline = ceiling
	}
	st.open.DeadlineAt = deadline
}

// checkDeadlines flushes every batch whose deadline passed, honouring
// quiet hours for non-critical content
func (b *Batcher) checkDeadlines() {
	now := b.now()
	b.mu.Lock()
	channels := make(map[string]*channelState, len(b.channels))
	for ch, st := range b.channels {
		channels[ch] = st
	}
	b.mu.Unlock()

	for ch, st := range channels {
		st.mu.Lock()
		if st.open != nil && !st.open.DeadlineAt.After(now) {
			if quietEnd, quiet := b.inQuietHours(st, now); quiet && !st.maxUrgency.AtLeast(types.UrgencyCritical) {
				// Non-critical batches hold until quiet hours end
				st.open.DeadlineAt = quietEnd
			} else {
				trigger := types.FlushDeadline
				if st.cooldownUntil.After(now) {
					trigger = types.FlushCooldown
				}
				b.flushLocked(st, ch, trigger, now)
			}
		}
		st.mu.Unlock()
	}
}

func (b *Batcher) inQuietHours(st *channelState, now time.Time) (time.Time, bool) {
	snap, err := b.cfg.Load(st.teamID)
	if err != nil {
		return time.Time{}, false
	}
	quiet, end := snap.Config.QuietHours.Contains(now, snap.Config.Location())
	return end, quiet
}

// Flush forces the channel's open batch out (external trigger)
func (b *Batcher) Flush(channel string) {
	now := b.now()
	b.mu.Lock()
	st, ok := b.channels[channel]
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	b.flushLocked(st, channel, types.FlushExternal, now)
}

// Drain flushes every open batch; used on graceful shutdown so nothing is
// lost
func (b *Batcher) Drain() {
	now := b.now()
	b.mu.Lock()
	channels := make(map[string]*channelState, len(b.channels))
	for ch, st := range b.channels {
		channels[ch] = st
	}
	b.mu.Unlock()

	for ch, st := range channels {
		st.mu.Lock()
		b.flushLocked(st, ch, types.FlushShutdown, now)
		st.mu.Unlock()
	}
}

func (b *Batcher) flushLocked(st *channelState, channel string, trigger types.FlushTrigger, now time.Time) {
	if st.open == nil || st.members == 0 {
		st.open = nil
		st.members = 0
		return
	}
	batch := st.open
	batch.FlushTrigger = trigger
	batch.Reason = string(trigger)
	st.open = nil
	st.members = 0
	st.counts = [64]int{}
	st.maxUrgency = types.UrgencyLow

	if st.minuteLimiter != nil {
		st.minuteLimiter.AllowN(now, 1)
		st.hourLimiter.AllowN(now, 1)
	}

	b.emit(batch)
}

func (b *Batcher) emit(batch *types.Batch) {
	metrics.BatchesFlushed.WithLabelValues(string(batch.FlushTrigger)).Inc()
	metrics.BatchSize.Observe(float64(len(batch.Decisions)))
	b.logger.Debug().
		Str("channel", batch.Channel).
		Str("trigger", string(batch.FlushTrigger)).
		Int("members", len(batch.Decisions)).
		Msg("Batch flushed")
	b.sink(batch)
}

// OpenBatches reports the number of channels with an open batch
func (b *Batcher) OpenBatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.channels {
		st.mu.Lock()
		if st.open != nil {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
