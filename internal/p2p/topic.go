package p2p

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// TopicChannel is a raw publish/consume handle on one gossipsub topic. It is
// what the signal adapter and chat engine sit on top of.
type TopicChannel struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// SignalChannel returns the call-signaling topic.
func (n *Node) SignalChannel() *TopicChannel {
	return &TopicChannel{topic: n.signal.topic, sub: n.signal.sub}
}

// ChatChannel returns the chat delivery topic.
func (n *Node) ChatChannel() *TopicChannel {
	return &TopicChannel{topic: n.chat.topic, sub: n.chat.sub}
}

// Publish broadcasts data to every subscriber of the topic.
func (c *TopicChannel) Publish(ctx context.Context, data []byte) error {
	return c.topic.Publish(ctx, data)
}

// Next blocks for the next message, returning its data and the sender's
// peer ID.
func (c *TopicChannel) Next(ctx context.Context) ([]byte, string, error) {
	m, err := c.sub.Next(ctx)
	if err != nil {
		return nil, "", err
	}
	return m.Data, m.ReceivedFrom.String(), nil
}
