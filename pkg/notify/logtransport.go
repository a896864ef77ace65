package notify

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/log"
	"github.com/rs/zerolog"
)

// LogTransport writes notifications to the structured log instead of a
// chat service. It is the default transport for development and the
// drop-in fake for tests.
type LogTransport struct {
	logger zerolog.Logger
	sent   atomic.Int64
}

// NewLogTransport creates a log transport
func NewLogTransport() *LogTransport {
	return &LogTransport{logger: log.WithComponent("transport")}
}

// Name identifies the transport
func (t *LogTransport) Name() string {
	return "log"
}

// Send logs the rendered message and returns a generated message id
func (t *LogTransport) Send(_ context.Context, n *Notification, msg *RenderedMessage) (string, error) {
	t.sent.Add(1)
	t.logger.Info().
		Str("channel", n.ChannelID).
		Str("kind", string(n.Kind)).
		Str("urgency", string(n.Urgency)).
		Str("thread_key", n.ThreadKey).
		Str("text", msg.Text).
		Msg("Notification delivered")
	return uuid.New().String(), nil
}

// Sent returns the number of delivered notifications
func (t *LogTransport) Sent() int64 {
	return t.sent.Load()
}
