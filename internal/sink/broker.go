package sink

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker carries published events to downstream consumers.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages of topics until ctx ends; the channel is
	// closed then.
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

// UserStreamTopic is the topic cumulative order updates of pair go to.
func UserStreamTopic(pair string) string { return "userstream:" + pair }
