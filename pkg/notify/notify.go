// Package notify defines the outbound notification contract. The core
// hands a structured Notification to a Transport; rendering to
// chat-specific payloads happens behind the Renderer seam and never inside
// the pipeline.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/hookline/hookline/pkg/types"
)

// Notification is the structured record the core emits per delivery
type Notification struct {
	ChannelID       string            `json:"channel_id"`
	ThreadKey       string            `json:"thread_key,omitempty"`
	ThreadMessageID string            `json:"thread_message_id,omitempty"`
	Kind            types.Kind        `json:"kind"`
	Urgency         types.Urgency     `json:"urgency"`
	Payload         map[string]string `json:"payload,omitempty"`
	FallbackText    string            `json:"fallback_text"`
}

// RenderItem is one event summarised inside a notification
type RenderItem struct {
	EventID string `json:"event_id"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Link    string `json:"link,omitempty"`
}

// Annotations carry auxiliary context attached by the pipeline
type Annotations struct {
	WorkloadWarnings []string               `json:"workload_warnings,omitempty"`
	Recommendations  []types.Recommendation `json:"recommendations,omitempty"`
	Links            []string               `json:"links,omitempty"`
}

// RenderRequest is the input to the renderer
type RenderRequest struct {
	Kind         types.Kind    `json:"kind"`
	Urgency      types.Urgency `json:"urgency"`
	EventSummary string        `json:"event_summary"`
	Items        []RenderItem  `json:"items,omitempty"`
	Annotations  Annotations   `json:"annotations,omitempty"`
}

// RenderedMessage is transport-ready content produced by the renderer
type RenderedMessage struct {
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Renderer turns render requests into transport-ready content
type Renderer interface {
	Render(req *RenderRequest) (*RenderedMessage, error)
}

// Transport delivers rendered notifications to a chat service. Send
// returns the transport message id used for thread binding.
type Transport interface {
	Name() string
	Send(ctx context.Context, n *Notification, msg *RenderedMessage) (string, error)
}

// TextRenderer is the default renderer: a compact plain-text summary. Chat
// deployments replace it with a service-specific renderer.
type TextRenderer struct{}

// Render builds a plain-text message
func (TextRenderer) Render(req *RenderRequest) (*RenderedMessage, error) {
	var b strings.Builder
	if req.Urgency == types.UrgencyCritical {
		b.WriteString("[critical] ")
	}
	b.WriteString(req.EventSummary)
	if len(req.Items) > 1 {
		fmt.Fprintf(&b, " (%d updates)", len(req.Items))
	}
	for _, item := range req.Items {
		b.WriteString("\n• ")
		b.WriteString(item.Title)
		if item.Summary != "" {
			b.WriteString(" — ")
			b.WriteString(item.Summary)
		}
	}
	for _, w := range req.Annotations.WorkloadWarnings {
		b.WriteString("\n⚠ ")
		b.WriteString(w)
	}
	if len(req.Annotations.Recommendations) > 0 {
		tags := make([]string, len(req.Annotations.Recommendations))
		for i, r := range req.Annotations.Recommendations {
			tags[i] = string(r)
		}
		fmt.Fprintf(&b, "\nrecommended: %s", strings.Join(tags, ", "))
	}
	return &RenderedMessage{Text: b.String()}, nil
}
