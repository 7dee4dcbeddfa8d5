package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSlackPoster struct {
	channel string
	calls   int
	err     error
}

func (m *mockSlackPoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	m.channel = channelID
	m.calls++
	if m.err != nil {
		return "", "", m.err
	}
	return channelID, "1724500000.000100", nil
}

func TestSlackNotifierPostsToChannel(t *testing.T) {
	mock := &mockSlackPoster{}
	n := &SlackNotifier{client: mock, channelID: "C012AB3CD"}

	require.NoError(t, n.Notify(context.Background(), "review failed for project 42"))
	assert.Equal(t, "C012AB3CD", mock.channel)
	assert.Equal(t, 1, mock.calls)
}

func TestSlackNotifierWrapsError(t *testing.T) {
	mock := &mockSlackPoster{err: errors.New("channel_not_found")}
	n := &SlackNotifier{client: mock, channelID: "C012AB3CD"}

	err := n.Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestNoopNotifier(t *testing.T) {
	assert.NoError(t, Noop{}.Notify(context.Background(), "ignored"))
}
