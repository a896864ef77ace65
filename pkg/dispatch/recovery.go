package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/events"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/notify"
	"github.com/hookline/hookline/pkg/types"
)

// StepAction is the closed set of recovery step kinds
type StepAction string

const (
	StepRetryWithBackoff   StepAction = "retry-with-backoff"
	StepUseCachedData      StepAction = "use-cached-data"
	StepPartialCollect     StepAction = "partial-collect"
	StepAlternativeChannel StepAction = "alternative-channel"
	StepDegradeContent     StepAction = "degrade-content"
	StepQueueForLater      StepAction = "queue-for-later"
	StepEscalate           StepAction = "escalate"
)

// RecoveryOutcome is the terminal result of a workflow run
type RecoveryOutcome string

const (
	OutcomeRecovered RecoveryOutcome = "recovered"
	OutcomeEscalated RecoveryOutcome = "escalated"
)

// Workflow is an ordered step list bound to an error category and service
type Workflow struct {
	Category types.ErrorCategory
	Service  string // empty matches any service
	Steps    []StepAction
	Deadline time.Duration
}

// DefaultWorkflows covers the two downstream failure classes for any
// service
func DefaultWorkflows() []Workflow {
	return []Workflow{
		{
			Category: types.ErrTransientDownstream,
			Steps:    []StepAction{StepRetryWithBackoff, StepQueueForLater, StepEscalate},
			Deadline: 5 * time.Minute,
		},
		{
			Category: types.ErrPermanentDownstream,
			Steps:    []StepAction{StepDegradeContent, StepAlternativeChannel, StepEscalate},
			Deadline: 5 * time.Minute,
		},
	}
}

// delivery is the in-flight context a recovery run operates on
type delivery struct {
	batch        *types.Batch
	notification *notify.Notification
	rendered     *notify.RenderedMessage
	executionID  string
}

// recoverer runs recovery workflows for failed deliveries
type recoverer struct {
	d         *Dispatcher
	workflows []Workflow

	mu     sync.Mutex
	cached map[string]*notify.RenderedMessage // channel -> last successful render
}

func newRecoverer(d *Dispatcher, workflows []Workflow) *recoverer {
	if len(workflows) == 0 {
		workflows = DefaultWorkflows()
	}
	return &recoverer{
		d:         d,
		workflows: workflows,
		cached:    make(map[string]*notify.RenderedMessage),
	}
}

// remember caches the last successful render per channel for
// use-cached-data steps
func (r *recoverer) remember(channel string, msg *notify.RenderedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached[channel] = msg
}

func (r *recoverer) workflowFor(category types.ErrorCategory, service string) *Workflow {
	var wildcard *Workflow
	for i := range r.workflows {
		w := &r.workflows[i]
		if w.Category != category {
			continue
		}
		if w.Service == service {
			return w
		}
		if w.Service == "" && wildcard == nil {
			wildcard = w
		}
	}
	return wildcard
}

// run executes the workflow bound to (category, service). It stops at the
// first succeeding step, when every step has failed, or when the workflow
// deadline fires; the two latter cases escalate.
func (r *recoverer) run(ctx context.Context, del *delivery, category types.ErrorCategory, cause error) RecoveryOutcome {
	logger := log.WithDelivery(r.d.logger, del.executionID, del.notification.ChannelID)
	wf := r.workflowFor(category, r.d.transport.Name())
	if wf == nil {
		r.escalate(ctx, del, cause)
		metrics.RecoveryWorkflows.WithLabelValues(string(OutcomeEscalated)).Inc()
		return OutcomeEscalated
	}

	deadline := wf.Deadline
	if deadline == 0 {
		deadline = 5 * time.Minute
	}
	wfCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, step := range wf.Steps {
		if wfCtx.Err() != nil {
			break
		}
		if step == StepEscalate {
			break
		}
		if err := r.runStep(wfCtx, del, step); err == nil {
			logger.Info().Str("step", string(step)).Msg("Recovery step succeeded")
			metrics.RecoveryWorkflows.WithLabelValues(string(OutcomeRecovered)).Inc()
			return OutcomeRecovered
		} else {
			logger.Debug().Err(err).Str("step", string(step)).Msg("Recovery step failed")
		}
	}

	r.escalate(ctx, del, cause)
	metrics.RecoveryWorkflows.WithLabelValues(string(OutcomeEscalated)).Inc()
	return OutcomeEscalated
}

func (r *recoverer) runStep(ctx context.Context, del *delivery, step StepAction) error {
	switch step {
	case StepRetryWithBackoff:
		return r.d.sendWithRetry(ctx, del.notification, del.rendered, 2)

	case StepUseCachedData:
		r.mu.Lock()
		cached := r.cached[del.notification.ChannelID]
		r.mu.Unlock()
		if cached == nil {
			return fmt.Errorf("no cached content for channel %s", del.notification.ChannelID)
		}
		stale := *cached
		stale.Text = stale.Text + "\n(stale: latest update could not be rendered)"
		_, err := r.d.transport.Send(ctx, del.notification, &stale)
		return err

	case StepPartialCollect:
		if len(del.batch.Decisions) <= 1 {
			return fmt.Errorf("nothing to trim")
		}
		truncated := *del.batch
		truncated.Decisions = truncated.Decisions[:1]
		req := r.d.renderRequest(&truncated)
		req.EventSummary = fmt.Sprintf("%s (+%d more withheld)", req.EventSummary, len(del.batch.Decisions)-1)
		msg, err := r.d.renderer.Render(req)
		if err != nil {
			return err
		}
		_, err = r.d.transport.Send(ctx, del.notification, msg)
		return err

	case StepAlternativeChannel:
		alt := r.d.fallbackChannel(del.batch.TeamID)
		if alt == "" || alt == del.notification.ChannelID {
			return fmt.Errorf("no alternative channel")
		}
		n := *del.notification
		n.ChannelID = alt
		n.ThreadKey = ""
		n.ThreadMessageID = ""
		_, err := r.d.transport.Send(ctx, &n, del.rendered)
		return err

	case StepDegradeContent:
		degraded := &notify.RenderedMessage{Text: del.notification.FallbackText}
		if degraded.Text == "" {
			return fmt.Errorf("no fallback text")
		}
		_, err := r.d.transport.Send(ctx, del.notification, degraded)
		return err

	case StepQueueForLater:
		if r.d.store == nil {
			return fmt.Errorf("no store for deferred queue")
		}
		for _, decision := range del.batch.Decisions {
			sd := &types.ScheduledDecision{
				ID:          uuid.New().String(),
				Recipient:   decision.Recipient,
				ScheduledAt: time.Now().Add(15 * time.Minute),
				Decision:    decision,
				CreatedAt:   time.Now(),
			}
			if err := r.d.store.PutScheduled(sd); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown recovery step %q", step)
}

// escalate emits a structured failure notification on the team's
// escalation channel, carrying the execution id for traceability
func (r *recoverer) escalate(ctx context.Context, del *delivery, cause error) {
	logger := log.WithDelivery(r.d.logger, del.executionID, del.notification.ChannelID)
	channel := r.d.escalationChannel(del.batch.TeamID)
	if channel == "" {
		logger.Error().Str("team_id", del.batch.TeamID).Msg("Delivery failed and no escalation channel is configured")
		return
	}

	text := fmt.Sprintf("delivery to %s failed after recovery (execution %s)",
		del.notification.ChannelID, del.executionID)
	if cause != nil {
		text += ": " + cause.Error()
	}
	n := &notify.Notification{
		ChannelID:    channel,
		Kind:         del.notification.Kind,
		Urgency:      types.UrgencyHigh,
		FallbackText: text,
		Payload: map[string]string{
			"execution_id":     del.executionID,
			"failed_channel":   del.notification.ChannelID,
			"member_event_ids": fmt.Sprintf("%v", del.batch.EventIDs),
		},
	}
	if _, err := r.d.transport.Send(ctx, n, &notify.RenderedMessage{Text: text}); err != nil {
		logger.Error().Err(err).Msg("Escalation notification failed")
	}
	if r.d.bus != nil {
		r.d.bus.Publish(&events.Observation{
			Topic:  events.TopicEscalation,
			Detail: text,
		})
	}
}
