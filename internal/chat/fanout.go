package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Fanout carries published frames to every broker instance interested in
// a conversation channel. The hub hands it each frame after persistence
// and receives frames back through the DeliverFunc for local fan-out.
//
// Within one channel, delivery order follows publish order.
type Fanout interface {
	Publish(ctx context.Context, conversationID int, frame []byte) error
}

// DeliverFunc is the hub-side sink for frames coming off the fanout.
type DeliverFunc func(conversationID int, frame []byte)

// LoopbackFanout is the single-process path: publish is a direct,
// synchronous local delivery. This is the default and the configuration
// the ordering guarantees are stated for.
type LoopbackFanout struct {
	deliver DeliverFunc
}

func NewLoopbackFanout() *LoopbackFanout {
	return &LoopbackFanout{}
}

func (f *LoopbackFanout) Bind(deliver DeliverFunc) {
	f.deliver = deliver
}

func (f *LoopbackFanout) Publish(_ context.Context, conversationID int, frame []byte) error {
	if f.deliver != nil {
		f.deliver(conversationID, frame)
	}
	return nil
}

// RedisFanout bridges frames between broker instances over Redis
// pub/sub, one channel per conversation. Best-effort: presence stays
// per-process, and cross-instance ordering is whatever Redis delivers.
type RedisFanout struct {
	rdb     *redis.Client
	deliver DeliverFunc
	log     zerolog.Logger
}

func NewRedisFanout(rdb *redis.Client, log zerolog.Logger) *RedisFanout {
	return &RedisFanout{rdb: rdb, log: log.With().Str("component", "fanout").Logger()}
}

func (f *RedisFanout) Bind(deliver DeliverFunc) {
	f.deliver = deliver
}

func (f *RedisFanout) Publish(ctx context.Context, conversationID int, frame []byte) error {
	return f.rdb.Publish(ctx, channelName(conversationID), frame).Err()
}

// Run consumes the conversation channels until ctx is cancelled,
// handing each frame to the bound DeliverFunc.
func (f *RedisFanout) Run(ctx context.Context) {
	pubsub := f.rdb.PSubscribe(ctx, "conversation:*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conversationID, err := parseChannelName(msg.Channel)
			if err != nil {
				f.log.Warn().Str("channel", msg.Channel).Msg("ignoring frame on unexpected channel")
				continue
			}
			if f.deliver != nil {
				f.deliver(conversationID, []byte(msg.Payload))
			}
		}
	}
}

func channelName(conversationID int) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

func parseChannelName(channel string) (int, error) {
	raw, ok := strings.CutPrefix(channel, "conversation:")
	if !ok {
		return 0, fmt.Errorf("not a conversation channel: %q", channel)
	}
	return strconv.Atoi(raw)
}
