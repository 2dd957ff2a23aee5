package stream

import (
	"context"
	"iter"
	"time"
)

type StreamState uint8

const (
	StateClosed StreamState = iota
	StateOpened
	StateSubscribed
	StateUnsubscribed
)

func (s StreamState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpened:
		return "OPENED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

type Action uint8

const (
	Subscribe Action = iota
	Unsubscribe
)

func (a Action) String() string {
	switch a {
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// SubscriptionBuilder renders the wire payload for one action on one
// (channel, pair). The payload is handed to Transport.Send as is.
type SubscriptionBuilder func(ctx context.Context, action Action, channel, pair string) (any, error)

// Transport is a duplex connection delivering decoded frames. Framing,
// decoding and authentication live behind it.
type Transport[T any] interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, payload any) error
	Ping(ctx context.Context) error
	// IterMessages yields frames until the connection closes or ctx ends.
	IterMessages(ctx context.Context) iter.Seq2[T, error]
	LastRecvTime() time.Time
}

// Event is a normalized domain event produced by a feed.
type Event interface {
	IsEvent()
}

// Key names one (channel, pair) stream.
func Key(channel, pair string) string { return channel + ":" + pair }
