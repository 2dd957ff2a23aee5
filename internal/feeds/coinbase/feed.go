package coinbase

import (
	"context"
	"fmt"
	"time"

	"feedpipe.com/internal/stream"
	"github.com/shopspring/decimal"
)

// PairToSymbol maps a trading pair to the exchange product id.
type PairToSymbol func(ctx context.Context, pair string) (string, error)

// SymbolToPair maps an exchange product id back to a trading pair.
type SymbolToPair func(ctx context.Context, symbol string) (string, error)

// SameSymbol is the identity mapping; Coinbase product ids already look
// like BASE-QUOTE pairs.
func SameSymbol(_ context.Context, s string) (string, error) { return s, nil }

type subscription struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

// NewSubscriptionBuilder renders {"type","product_ids","channel"} payloads.
func NewSubscriptionBuilder(pairToSymbol PairToSymbol) stream.SubscriptionBuilder {
	if pairToSymbol == nil {
		pairToSymbol = SameSymbol
	}
	return func(ctx context.Context, action stream.Action, channel, pair string) (any, error) {
		var typ string
		switch action {
		case stream.Subscribe:
			typ = "subscribe"
		case stream.Unsubscribe:
			typ = "unsubscribe"
		default:
			return nil, fmt.Errorf("coinbase: invalid action %d", action)
		}
		symbol, err := pairToSymbol(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("coinbase: symbol for %s: %w", pair, err)
		}
		return subscription{Type: typ, ProductIDs: []string{symbol}, Channel: channel}, nil
	}
}

// ParseTimestamp converts an exchange timestamp to unix seconds.
func ParseTimestamp(s string) (float64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("coinbase: timestamp %q: %w", s, err)
	}
	return float64(t.UnixNano()) / 1e9, nil
}

// Normalize keeps user channel frames only, converts their timestamp and
// reports their sequence number.
func Normalize(m Message) (Message, int64, bool, error) {
	if m.Channel != UserChannel {
		return m, stream.NoSequence, false, nil
	}
	if m.Seconds == 0 {
		sec, err := ParseTimestamp(m.Timestamp)
		if err != nil {
			return m, m.SequenceNum, false, err
		}
		m.Seconds = sec
	}
	return m, m.SequenceNum, true, nil
}

// NewCumulativeMapper emits one CumulativeUpdate per order of every event.
func NewCumulativeMapper(symbolToPair SymbolToPair) func(ctx context.Context, m Message, emit func(stream.Event) error) error {
	if symbolToPair == nil {
		symbolToPair = SameSymbol
	}
	return func(ctx context.Context, m Message, emit func(stream.Event) error) error {
		ts := m.Seconds
		if ts == 0 {
			sec, err := ParseTimestamp(m.Timestamp)
			if err != nil {
				return err
			}
			ts = sec
		}
		for _, ev := range m.Events {
			for _, o := range ev.Orders {
				u, err := toCumulativeUpdate(ctx, o, ts, symbolToPair)
				if err != nil {
					return fmt.Errorf("coinbase: order %s: %w", o.OrderID, err)
				}
				if err := emit(u); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func toCumulativeUpdate(ctx context.Context, o Order, ts float64, symbolToPair SymbolToPair) (CumulativeUpdate, error) {
	pair, err := symbolToPair(ctx, o.ProductID)
	if err != nil {
		return CumulativeUpdate{}, err
	}
	amounts := make([]decimal.Decimal, 4)
	for i, s := range []string{o.AvgPrice, o.CumulativeQuantity, o.LeavesQuantity, o.TotalFees} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return CumulativeUpdate{}, err
		}
		amounts[i] = d
	}
	return CumulativeUpdate{
		ClientOrderID:        o.ClientOrderID,
		ExchangeOrderID:      o.OrderID,
		Status:               o.Status,
		TradingPair:          pair,
		FillTimestamp:        ts,
		AveragePrice:         amounts[0],
		CumulativeBaseAmount: amounts[1],
		RemainderBaseAmount:  amounts[2],
		CumulativeFee:        amounts[3],
	}, nil
}

// NewFeed wires the Coinbase functions into an orchestrator feed.
func NewFeed(pairToSymbol PairToSymbol, symbolToPair SymbolToPair) stream.Feed[Message] {
	return stream.Feed[Message]{
		Builder:   NewSubscriptionBuilder(pairToSymbol),
		Normalize: Normalize,
		Map:       NewCumulativeMapper(symbolToPair),
	}
}
