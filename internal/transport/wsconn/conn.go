package wsconn

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/xerr"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

var ErrNotConnected = xerr.New(xerr.TransportClosed, "wsconn: not connected")

// Decoder turns one text or binary frame into a message.
type Decoder[T any] func(raw []byte) (T, error)

// JSON decodes every frame as a JSON document into T.
func JSON[T any]() Decoder[T] {
	return func(raw []byte) (T, error) {
		var v T
		err := json.Unmarshal(raw, &v)
		return v, err
	}
}

type Config struct {
	URL    string
	Header http.Header

	ReadLimit int64
	// PongWait is the read deadline; every frame and pong pushes it out.
	PongWait    time.Duration
	WriteWait   time.Duration
	DialTimeout time.Duration
	Dialer      *websocket.Dialer
}

func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		ReadLimit:   1 << 20,
		PongWait:    60 * time.Second,
		WriteWait:   5 * time.Second,
		DialTimeout: 10 * time.Second,
		Dialer:      websocket.DefaultDialer,
	}
}

// Conn is a reconnectable websocket client delivering decoded frames.
// One goroutine may read while others send and ping.
type Conn[T any] struct {
	cfg    Config
	decode Decoder[T]
	log    *zap.Logger

	mu sync.Mutex
	ws *websocket.Conn

	wmu       sync.Mutex // one writer at a time
	lastRecv  atomic.Int64
	closeCode atomic.Int64
}

func New[T any](cfg Config, decode Decoder[T], log *zap.Logger) *Conn[T] {
	def := DefaultConfig(cfg.URL)
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = def.Dialer
	}
	if decode == nil {
		decode = JSON[T]()
	}
	return &Conn[T]{
		cfg:    cfg,
		decode: decode,
		log:    logger.OrNop(log).With(zap.String("url", cfg.URL)),
	}
}

func (c *Conn[T]) conn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn[T]) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, _, err := c.cfg.Dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("wsconn: dial: %w", err)
	}

	ws.SetReadLimit(c.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		PongRecvTotal.Inc()
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	c.ws = ws
	c.closeCode.Store(websocket.CloseNormalClosure)
	onOpen()
	c.log.Info("connected")
	return nil
}

// Disconnect sends a close frame and drops the connection. It is a no-op
// when not connected.
func (c *Conn[T]) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
	err := ws.Close()
	onClose(int(c.closeCode.Load()))
	c.log.Info("disconnected")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Send writes payload as a text frame. []byte and string go out as is,
// anything else is JSON encoded.
func (c *Conn[T]) Send(ctx context.Context, payload any) error {
	ws := c.conn()
	if ws == nil {
		return ErrNotConnected
	}
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return xerr.Wrap(xerr.InvalidConfig, err, "wsconn: encode payload")
		}
		raw = b
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(c.writeDeadline(ctx))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		WriteErrorsTotal.Inc()
		return fmt.Errorf("wsconn: send: %w", err)
	}
	return nil
}

func (c *Conn[T]) Ping(ctx context.Context) error {
	ws := c.conn()
	if ws == nil {
		return ErrNotConnected
	}
	if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), c.writeDeadline(ctx)); err != nil {
		WriteErrorsTotal.Inc()
		return fmt.Errorf("wsconn: ping: %w", err)
	}
	PingSentTotal.Inc()
	return nil
}

func (c *Conn[T]) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// IterMessages reads frames until the connection fails or ctx ends.
// Frames that do not decode are counted and skipped. A normal close from
// the peer is reported as a TransportClosed error; other read failures are
// returned wrapped.
func (c *Conn[T]) IterMessages(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		ws := c.conn()
		if ws == nil {
			yield(zero, ErrNotConnected)
			return
		}
		// unblock ReadMessage on cancel
		stop := context.AfterFunc(ctx, func() { _ = ws.SetReadDeadline(time.Now()) })
		defer stop()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(zero, c.classify(err))
				return
			}
			c.lastRecv.Store(time.Now().UnixNano())
			_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
			MsgsInTotal.Inc()
			BytesInTotal.Add(float64(len(raw)))

			v, err := c.decode(raw)
			if err != nil {
				DecodeErrorsTotal.Inc()
				c.log.Debug("skip undecodable frame", zap.Error(err), zap.Int("bytes", len(raw)))
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (c *Conn[T]) classify(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.closeCode.Store(int64(ce.Code))
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return xerr.Wrap(xerr.TransportClosed, err, "wsconn: closed by peer")
		}
		return fmt.Errorf("wsconn: abnormal close: %w", err)
	}
	if errors.Is(err, net.ErrClosed) {
		return xerr.Wrap(xerr.TransportClosed, err, "wsconn: connection closed")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.closeCode.Store(websocket.CloseAbnormalClosure)
		return fmt.Errorf("wsconn: read timeout: %w", err)
	}
	c.closeCode.Store(websocket.CloseAbnormalClosure)
	return fmt.Errorf("wsconn: read: %w", err)
}

func (c *Conn[T]) LastRecvTime() time.Time {
	n := c.lastRecv.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Conn[T]) Connected() bool { return c.conn() != nil }
