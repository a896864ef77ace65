package notify

import (
	"context"
	"testing"

	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextRendererSingleItem(t *testing.T) {
	msg, err := TextRenderer{}.Render(&RenderRequest{
		Kind:         types.KindIssueUpdated,
		Urgency:      types.UrgencyLow,
		EventSummary: "ENG-42: Fix flaky deploy",
	})
	require.NoError(t, err)
	assert.Equal(t, "ENG-42: Fix flaky deploy", msg.Text)
}

func TestTextRendererCriticalPrefix(t *testing.T) {
	msg, err := TextRenderer{}.Render(&RenderRequest{
		Urgency:      types.UrgencyCritical,
		EventSummary: "prod down",
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "[critical]")
}

func TestTextRendererBatchWithAnnotations(t *testing.T) {
	msg, err := TextRenderer{}.Render(&RenderRequest{
		Urgency:      types.UrgencyLow,
		EventSummary: "3 issue updates",
		Items: []RenderItem{
			{EventID: "e1", Title: "ENG-1: first"},
			{EventID: "e2", Title: "ENG-2: second", Summary: "status moved"},
			{EventID: "e3", Title: "ENG-3: third"},
		},
		Annotations: Annotations{
			WorkloadWarnings: []string{"bob is at critical workload"},
			Recommendations:  []types.Recommendation{types.RecommendReassign},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "ENG-1: first")
	assert.Contains(t, msg.Text, "ENG-2: second — status moved")
	assert.Contains(t, msg.Text, "bob is at critical workload")
	assert.Contains(t, msg.Text, "recommended: reassign")
}

func TestLogTransportCountsSends(t *testing.T) {
	log.Init(log.Config{Level: "error"})
	transport := NewLogTransport()

	id, err := transport.Send(context.Background(), &Notification{
		ChannelID:    "#eng",
		Kind:         types.KindIssueUpdated,
		Urgency:      types.UrgencyLow,
		FallbackText: "hello",
	}, &RenderedMessage{Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1), transport.Sent())
}
