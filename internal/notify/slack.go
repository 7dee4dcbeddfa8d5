package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// slackPoster is the subset of the Slack API client used here, split out
// so tests can substitute a mock.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts messages to one Slack channel via the bot API.
type SlackNotifier struct {
	client    slackPoster
	channelID string
}

// NewSlackNotifier creates a notifier from a bot token and channel id.
func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(botToken),
		channelID: channelID,
	}
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, message string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	return nil
}
