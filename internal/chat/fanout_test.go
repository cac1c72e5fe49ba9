package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackFanoutDeliversSynchronously(t *testing.T) {
	fanout := NewLoopbackFanout()

	var gotConv int
	var gotFrame []byte
	fanout.Bind(func(conversationID int, frame []byte) {
		gotConv = conversationID
		gotFrame = frame
	})

	require.NoError(t, fanout.Publish(context.Background(), 42, []byte(`{"type":"message"}`)))
	assert.Equal(t, 42, gotConv)
	assert.Equal(t, []byte(`{"type":"message"}`), gotFrame)
}

func TestLoopbackFanoutUnboundIsNoOp(t *testing.T) {
	fanout := NewLoopbackFanout()
	assert.NoError(t, fanout.Publish(context.Background(), 1, []byte("x")))
}

func TestChannelNameRoundTrip(t *testing.T) {
	name := channelName(17)
	assert.Equal(t, "conversation:17", name)

	id, err := parseChannelName(name)
	require.NoError(t, err)
	assert.Equal(t, 17, id)
}

func TestParseChannelNameRejectsForeignChannels(t *testing.T) {
	for _, channel := range []string{"presence:1", "conversation:", "conversation:abc", ""} {
		_, err := parseChannelName(channel)
		assert.Error(t, err, channel)
	}
}
