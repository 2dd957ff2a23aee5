package coinbase

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	UserChannel       = "user"
	HeartbeatsChannel = "heartbeats"
	DefaultURL        = "wss://advanced-trade-ws-user.coinbase.com"
)

// Message is one frame of the Advanced Trade websocket feed.
//
//	{"channel":"user","client_id":"","timestamp":"2023-02-09T20:33:57.609931463Z",
//	 "sequence_num":0,"events":[{"type":"snapshot","orders":[...]}]}
type Message struct {
	Channel     string      `json:"channel"`
	ClientID    string      `json:"client_id"`
	Timestamp   string      `json:"timestamp"`
	SequenceNum int64       `json:"sequence_num"`
	Events      []UserEvent `json:"events"`

	// Seconds is Timestamp as unix seconds, set by Normalize.
	Seconds float64 `json:"-"`
}

type UserEvent struct {
	Type   string  `json:"type"`
	Orders []Order `json:"orders"`
}

type Order struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	LeavesQuantity     string `json:"leaves_quantity"`
	AvgPrice           string `json:"avg_price"`
	TotalFees          string `json:"total_fees"`
	Status             string `json:"status"`
	ProductID          string `json:"product_id"`
	CreationTime       string `json:"creation_time"`
	OrderSide          string `json:"order_side"`
	OrderType          string `json:"order_type"`
}

// CumulativeUpdate is the running state of one order as of a user frame.
// Coinbase reports fills from the maker side, so IsTaker is always false.
type CumulativeUpdate struct {
	ClientOrderID        string          `json:"client_order_id"`
	ExchangeOrderID      string          `json:"exchange_order_id"`
	Status               string          `json:"status"`
	TradingPair          string          `json:"trading_pair"`
	FillTimestamp        float64         `json:"fill_timestamp"`
	AveragePrice         decimal.Decimal `json:"average_price"`
	CumulativeBaseAmount decimal.Decimal `json:"cumulative_base_amount"`
	RemainderBaseAmount  decimal.Decimal `json:"remainder_base_amount"`
	CumulativeFee        decimal.Decimal `json:"cumulative_fee"`
	IsTaker              bool            `json:"is_taker"`
}

func (CumulativeUpdate) IsEvent() {}

// FillTime is FillTimestamp as a time.Time.
func (u CumulativeUpdate) FillTime() time.Time {
	sec := int64(u.FillTimestamp)
	nsec := int64((u.FillTimestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
