package sink

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsBroker maps topics to subjects by turning ':' into '.'.
type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(_ context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 8192)
	subs := make([]*nats.Subscription, 0, len(topics))
	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), func(m *nats.Msg) {
			// never block the nats callback
			select {
			case out <- Message{Topic: subjectToTopic(m.Subject), Payload: m.Data}:
			default:
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		close(out)
	}()
	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc.Close()
	return err
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
