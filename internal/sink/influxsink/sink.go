package influxsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedpipe.com/internal/feeds/coinbase"
	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/logger"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const Measurement = "order_update"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	BatchSize     uint
	FlushInterval time.Duration
	UseGzip       bool
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

// Sink records cumulative order updates as points through the async write
// API. Points are batched; Close flushes what is left.
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	log = logger.OrNop(log).Named("influx")

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	s := &Sink{client: c, write: w, log: log}
	// Errors() must be drained or async writes block
	go func() {
		for err := range w.Errors() {
			log.Error("write failed", zap.Error(err))
		}
	}()
	log.Info("influx sink ready", zap.Stringer("config", cfg))
	return s
}

// Point renders u with the pair and status as tags.
func Point(u coinbase.CumulativeUpdate) *write.Point {
	tags := map[string]string{
		"pair":   u.TradingPair,
		"status": u.Status,
	}
	fields := map[string]interface{}{
		"exchange_order_id":      u.ExchangeOrderID,
		"client_order_id":        u.ClientOrderID,
		"average_price":          u.AveragePrice.InexactFloat64(),
		"cumulative_base_amount": u.CumulativeBaseAmount.InexactFloat64(),
		"remainder_base_amount":  u.RemainderBaseAmount.InexactFloat64(),
		"cumulative_fee":         u.CumulativeFee.InexactFloat64(),
		"is_taker":               u.IsTaker,
	}
	return write.NewPoint(Measurement, tags, fields, u.FillTime())
}

func (s *Sink) WriteUpdate(u coinbase.CumulativeUpdate) {
	s.write.WritePoint(Point(u))
}

// Run records src until it ends (nil) or ctx is cancelled (ctx.Err()).
func (s *Sink) Run(ctx context.Context, src pipe.Getter[coinbase.CumulativeUpdate]) error {
	var n uint64
	defer func() { s.log.Info("influx sink stopped", zap.Uint64("points", n)) }()
	for {
		u, err := src.Get(ctx)
		if err != nil {
			if errors.Is(err, pipe.ErrEndOfStream) {
				return nil
			}
			return err
		}
		s.WriteUpdate(u)
		n++
	}
}

// Close flushes buffered points and releases the client.
func (s *Sink) Close() {
	s.write.Flush()
	s.client.Close()
}
