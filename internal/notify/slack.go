package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts to one channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack creates a Slack channel. opts are passed to slack.New.
func NewSlack(botToken, channel string, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(botToken, opts...), channel: channel}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, text string) error {
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
