// Package execlog is the durable execution record path: a writer that
// batches records from the observation bus into the store, an idempotent
// hourly aggregator, the internal query surface, and retention sweeps.
package execlog

import (
	"fmt"
	"sort"
	"time"

	"github.com/hookline/hookline/pkg/events"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
)

// Options tunes the execution log
type Options struct {
	FlushInterval time.Duration
	FlushSize     int
	RawRetention  time.Duration // raw executions
	AggRetention  time.Duration // hourly aggregates
	AggInterval   time.Duration // aggregation cadence
}

func (o *Options) applyDefaults() {
	if o.FlushInterval == 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.FlushSize == 0 {
		o.FlushSize = 64
	}
	if o.RawRetention == 0 {
		o.RawRetention = 30 * 24 * time.Hour
	}
	if o.AggRetention == 0 {
		o.AggRetention = 180 * 24 * time.Hour
	}
	if o.AggInterval == 0 {
		o.AggInterval = 10 * time.Minute
	}
}

// Log is the execution log service
type Log struct {
	opts   Options
	store  storage.Store
	bus    *events.Bus
	logger zerolog.Logger

	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the execution log
func New(opts Options, store storage.Store, bus *events.Bus) *Log {
	opts.applyDefaults()
	return &Log{
		opts:   opts,
		store:  store,
		bus:    bus,
		logger: log.WithComponent("execlog"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start subscribes to the bus and begins the writer and aggregation loops
func (l *Log) Start() {
	l.sub = l.bus.Subscribe()
	go l.run()
}

// Stop flushes buffered records and stops the loops
func (l *Log) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Log) run() {
	defer close(l.doneCh)

	flushTicker := time.NewTicker(l.opts.FlushInterval)
	defer flushTicker.Stop()
	aggTicker := time.NewTicker(l.opts.AggInterval)
	defer aggTicker.Stop()

	var buffer []*types.ExecutionRecord
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if err := l.store.AppendExecutions(buffer); err != nil {
			l.logger.Error().Err(err).Int("records", len(buffer)).Msg("Failed to append execution records")
			return
		}
		for _, r := range buffer {
			metrics.ExecutionsRecorded.WithLabelValues(string(r.Status)).Inc()
		}
		buffer = buffer[:0]
	}

	for {
		select {
		case obs, ok := <-l.sub:
			if !ok {
				flush()
				return
			}
			if obs.Topic == events.TopicExecutionFinished && obs.Execution != nil {
				buffer = append(buffer, obs.Execution)
				if len(buffer) >= l.opts.FlushSize {
					flush()
				}
			}
		case <-flushTicker.C:
			flush()
		case <-aggTicker.C:
			flush()
			now := time.Now()
			if err := l.Aggregate(now.Add(-2*time.Hour), now); err != nil {
				l.logger.Error().Err(err).Msg("Hourly aggregation failed")
			}
			l.sweep(now)
		case <-l.stopCh:
			// Drain anything already on the subscription, then flush
			for {
				select {
				case obs := <-l.sub:
					if obs != nil && obs.Topic == events.TopicExecutionFinished && obs.Execution != nil {
						buffer = append(buffer, obs.Execution)
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Aggregate recomputes hourly buckets over [from, to]. Re-running over the
// same range produces identical rows: buckets are rebuilt from raw records
// and upserted on (hook_id, hour).
func (l *Log) Aggregate(from, to time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AggregationDuration)

	records, err := l.store.ListExecutionsByTime(from, to)
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	type key struct {
		hookID string
		hour   time.Time
	}
	durations := make(map[key][]int64)
	buckets := make(map[key]*types.HourlyStats)

	for _, r := range records {
		k := key{hookID: r.HookID, hour: r.StartedAt.UTC().Truncate(time.Hour)}
		stats, ok := buckets[k]
		if !ok {
			stats = &types.HourlyStats{HookID: k.hookID, Hour: k.hour}
			buckets[k] = stats
		}
		stats.Total++
		switch r.Status {
		case types.ExecutionSuccess:
			stats.Successes++
		case types.ExecutionFailure:
			stats.Failures++
		case types.ExecutionTimeout:
			stats.Timeouts++
		case types.ExecutionCancelled:
			stats.Cancelled++
		}
		durations[k] = append(durations[k], r.DurationMS)
	}

	for k, stats := range buckets {
		ds := durations[k]
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		stats.MinDurationMS = ds[0]
		stats.MaxDurationMS = ds[len(ds)-1]
		var sum int64
		for _, d := range ds {
			sum += d
		}
		stats.AvgDurationMS = sum / int64(len(ds))
		stats.P95DurationMS = percentile(ds, 95)
		if stats.Total > 0 {
			stats.SuccessRate = float64(stats.Successes) / float64(stats.Total)
			stats.ErrorRate = float64(stats.Failures+stats.Timeouts) / float64(stats.Total)
		}
		if err := l.store.UpsertHourly(stats); err != nil {
			return fmt.Errorf("failed to upsert hourly stats: %w", err)
		}
	}
	return nil
}

func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// sweep applies the retention windows lazily
func (l *Log) sweep(now time.Time) {
	if n, err := l.store.DeleteExecutionsBefore(now.Add(-l.opts.RawRetention)); err != nil {
		l.logger.Error().Err(err).Msg("Raw retention sweep failed")
	} else if n > 0 {
		l.logger.Info().Int("deleted", n).Msg("Swept expired execution records")
	}
	if n, err := l.store.DeleteHourlyBefore(now.Add(-l.opts.AggRetention)); err != nil {
		l.logger.Error().Err(err).Msg("Aggregate retention sweep failed")
	} else if n > 0 {
		l.logger.Info().Int("deleted", n).Msg("Swept expired hourly aggregates")
	}
	if n, err := l.store.DeleteDeadLettersBefore(now.Add(-l.opts.RawRetention)); err != nil {
		l.logger.Error().Err(err).Msg("Dead letter sweep failed")
	} else if n > 0 {
		l.logger.Info().Int("deleted", n).Msg("Swept expired dead letters")
	}
	if n, err := l.store.SweepDedup(now); err != nil {
		l.logger.Error().Err(err).Msg("Dedup sweep failed")
	} else if n > 0 {
		l.logger.Debug().Int("deleted", n).Msg("Swept expired dedup entries")
	}
}

// ByHook lists raw executions for one hook inside a time range
func (l *Log) ByHook(hookID string, from, to time.Time) ([]*types.ExecutionRecord, error) {
	return l.store.ListExecutionsByHook(hookID, from, to)
}

// ByTeam lists raw executions for one team inside a time range
func (l *Log) ByTeam(teamID string, from, to time.Time) ([]*types.ExecutionRecord, error) {
	return l.store.ListExecutionsByTeam(teamID, from, to)
}

// ByTime lists raw executions inside a time range
func (l *Log) ByTime(from, to time.Time) ([]*types.ExecutionRecord, error) {
	return l.store.ListExecutionsByTime(from, to)
}

// HourlyForHook lists the aggregates for one hook inside a time range
func (l *Log) HourlyForHook(hookID string, from, to time.Time) ([]*types.HourlyStats, error) {
	return l.store.ListHourly(hookID, from, to)
}

// Summary is the dashboard roll-up over a time range
type Summary struct {
	Total       int     `json:"total"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	Timeouts    int     `json:"timeouts"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// Summarize rolls raw executions into a summary view
func (l *Log) Summarize(from, to time.Time) (*Summary, error) {
	records, err := l.store.ListExecutionsByTime(from, to)
	if err != nil {
		return nil, err
	}
	s := &Summary{}
	for _, r := range records {
		s.Total++
		switch r.Status {
		case types.ExecutionSuccess:
			s.Successes++
		case types.ExecutionFailure:
			s.Failures++
		case types.ExecutionTimeout:
			s.Timeouts++
		case types.ExecutionCancelled:
			s.Cancelled++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Total)
	}
	return s, nil
}
