package coinbase

import (
	"context"
	"errors"
	"testing"

	"feedpipe.com/internal/stream"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userFrame = `{
  "channel": "user",
  "client_id": "",
  "timestamp": "2023-02-09T20:33:57.609931463Z",
  "sequence_num": 7,
  "events": [
    {
      "type": "snapshot",
      "orders": [
        {
          "order_id": "XXX",
          "client_order_id": "YYY",
          "cumulative_quantity": "0.5",
          "leaves_quantity": "0.5",
          "avg_price": "21000.25",
          "total_fees": "1.05",
          "status": "OPEN",
          "product_id": "BTC-USD",
          "creation_time": "2022-12-07T19:42:18.719312Z",
          "order_side": "BUY",
          "order_type": "Limit"
        },
        {
          "order_id": "ZZZ",
          "client_order_id": "WWW",
          "cumulative_quantity": "0",
          "leaves_quantity": "2",
          "avg_price": "0",
          "total_fees": "0",
          "status": "PENDING",
          "product_id": "ETH-USD",
          "creation_time": "2022-12-07T19:42:18.719312Z",
          "order_side": "SELL",
          "order_type": "Limit"
        }
      ]
    }
  ]
}`

func decode(t *testing.T, raw string) Message {
	t.Helper()
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestSubscriptionBuilder(t *testing.T) {
	build := NewSubscriptionBuilder(func(_ context.Context, pair string) (string, error) {
		return "sym:" + pair, nil
	})

	p, err := build(context.Background(), stream.Subscribe, UserChannel, "BTC-USD")
	require.NoError(t, err)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","product_ids":["sym:BTC-USD"],"channel":"user"}`, string(raw))

	p, err = build(context.Background(), stream.Unsubscribe, HeartbeatsChannel, "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, subscription{Type: "unsubscribe", ProductIDs: []string{"sym:ETH-USD"}, Channel: "heartbeats"}, p)
}

func TestSubscriptionBuilder_SymbolError(t *testing.T) {
	boom := errors.New("unknown pair")
	build := NewSubscriptionBuilder(func(context.Context, string) (string, error) { return "", boom })
	_, err := build(context.Background(), stream.Subscribe, UserChannel, "DOGE-XYZ")
	assert.ErrorIs(t, err, boom)
}

func TestParseTimestamp(t *testing.T) {
	sec, err := ParseTimestamp("2023-02-09T20:33:57.609931463Z")
	require.NoError(t, err)
	assert.InDelta(t, 1675974837.609931, sec, 1e-5)

	sec, err = ParseTimestamp("2023-02-09T20:33:57Z")
	require.NoError(t, err)
	assert.Equal(t, float64(1675974837), sec)

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	m, seq, keep, err := Normalize(decode(t, userFrame))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, int64(7), seq)
	assert.InDelta(t, 1675974837.609931, m.Seconds, 1e-5)

	_, seq, keep, err = Normalize(Message{Channel: "heartbeats", Timestamp: "garbage"})
	require.NoError(t, err)
	assert.False(t, keep)
	assert.Equal(t, stream.NoSequence, seq)

	_, _, keep, err = Normalize(Message{Channel: UserChannel, Timestamp: "garbage"})
	assert.Error(t, err)
	assert.False(t, keep)
}

func TestCumulativeMapper(t *testing.T) {
	m, _, _, err := Normalize(decode(t, userFrame))
	require.NoError(t, err)

	mapper := NewCumulativeMapper(func(_ context.Context, symbol string) (string, error) {
		return "pair:" + symbol, nil
	})
	var got []CumulativeUpdate
	err = mapper(context.Background(), m, func(e stream.Event) error {
		got = append(got, e.(CumulativeUpdate))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "YYY", first.ClientOrderID)
	assert.Equal(t, "XXX", first.ExchangeOrderID)
	assert.Equal(t, "OPEN", first.Status)
	assert.Equal(t, "pair:BTC-USD", first.TradingPair)
	assert.Equal(t, m.Seconds, first.FillTimestamp)
	assert.True(t, decimal.RequireFromString("21000.25").Equal(first.AveragePrice))
	assert.True(t, decimal.RequireFromString("0.5").Equal(first.CumulativeBaseAmount))
	assert.True(t, decimal.RequireFromString("0.5").Equal(first.RemainderBaseAmount))
	assert.True(t, decimal.RequireFromString("1.05").Equal(first.CumulativeFee))
	assert.False(t, first.IsTaker)
	assert.Equal(t, 2023, first.FillTime().Year())

	assert.Equal(t, "pair:ETH-USD", got[1].TradingPair)
	assert.True(t, got[1].CumulativeBaseAmount.IsZero())
}

func TestCumulativeMapper_Errors(t *testing.T) {
	mapper := NewCumulativeMapper(nil)
	m := decode(t, userFrame)
	m.Events[0].Orders[0].AvgPrice = "n/a"
	err := mapper(context.Background(), m, func(stream.Event) error { return nil })
	assert.ErrorContains(t, err, "order XXX")

	full := errors.New("downstream full")
	err = mapper(context.Background(), decode(t, userFrame), func(stream.Event) error { return full })
	assert.ErrorIs(t, err, full)
}
