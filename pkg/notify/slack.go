package notify

import (
	"context"
	"strings"

	"github.com/hookline/hookline/pkg/types"
	"github.com/slack-go/slack"
)

// SlackTransport delivers notifications through the Slack Web API
type SlackTransport struct {
	client *slack.Client
}

// NewSlackTransport creates a Slack transport from a bot token
func NewSlackTransport(token string) *SlackTransport {
	return &SlackTransport{client: slack.New(token)}
}

// Name identifies the transport for circuit breaking and recovery
func (t *SlackTransport) Name() string {
	return "slack"
}

// Send posts the rendered message, threading it under the bound parent
// message when one exists. Returns the message timestamp as the message id.
func (t *SlackTransport) Send(ctx context.Context, n *Notification, msg *RenderedMessage) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
	}
	if n.ThreadMessageID != "" {
		opts = append(opts, slack.MsgOptionTS(n.ThreadMessageID))
	}

	_, ts, err := t.client.PostMessageContext(ctx, strings.TrimPrefix(n.ChannelID, "#"), opts...)
	if err != nil {
		return "", categorizeSlackError(err)
	}
	return ts, nil
}

// categorizeSlackError maps Slack API failures onto the pipeline error
// categories so the dispatcher retries only what is retriable
func categorizeSlackError(err error) error {
	if _, ok := err.(*slack.RateLimitedError); ok {
		return types.NewError(types.ErrTransientDownstream, "slack rate limited", err)
	}
	switch err.Error() {
	case "channel_not_found", "is_archived", "not_in_channel", "invalid_auth", "account_inactive", "msg_too_long":
		return types.NewError(types.ErrPermanentDownstream, "slack rejected message", err)
	}
	if se, ok := err.(slack.StatusCodeError); ok {
		if se.Code >= 500 {
			return types.NewError(types.ErrTransientDownstream, "slack server error", err)
		}
		return types.NewError(types.ErrPermanentDownstream, "slack client error", err)
	}
	return types.NewError(types.ErrTransientDownstream, "slack call failed", err)
}
