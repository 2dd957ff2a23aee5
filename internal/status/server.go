package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"feedpipe.com/internal/stream"
	"feedpipe.com/pkg/common"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/middleware"
	"feedpipe.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reporter is what the status server reads from a running feed.
type Reporter interface {
	States() []stream.StreamStatus
	LastRecvTime() time.Time
	Sequences() *stream.SequenceRegistry
}

type Config struct {
	Addr string
	// StaleAfter marks the feed unhealthy when a stream received nothing
	// for that long. Zero disables the check.
	StaleAfter time.Duration
	RateLimit  rate.Limit
	Burst      int
}

type health struct {
	Status       string    `json:"status"`
	Streams      int       `json:"streams"`
	Subscribed   int       `json:"subscribed"`
	LastRecvTime time.Time `json:"last_recv_time"`
}

type streams struct {
	Streams   []stream.StreamStatus `json:"streams"`
	Sequences map[string]int64      `json:"sequences"`
}

// NewRouter serves /healthz, /streams and /metrics.
func NewRouter(ctx context.Context, rep Reporter, cfg Config) *gin.Engine {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst == 0 {
		cfg.Burst = 40
	}
	store := ratelimit.NewStore(cfg.RateLimit, cfg.Burst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	p := ginprom.NewPrometheus("feedpipe_http")
	p.Use(r)
	r.Use(
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	r.GET("/healthz", func(c *gin.Context) {
		h := checkHealth(rep, cfg.StaleAfter, time.Now())
		if h.Status != "ok" {
			c.JSON(http.StatusServiceUnavailable, common.Response{Code: http.StatusServiceUnavailable, Message: h.Status, Data: h})
			return
		}
		common.Success(c, h)
	})
	r.GET("/streams", func(c *gin.Context) {
		common.Success(c, streams{Streams: rep.States(), Sequences: rep.Sequences().Snapshot()})
	})
	return r
}

func checkHealth(rep Reporter, staleAfter time.Duration, now time.Time) health {
	states := rep.States()
	h := health{Status: "ok", Streams: len(states), LastRecvTime: rep.LastRecvTime()}
	for _, s := range states {
		if s.Stream == stream.StateSubscribed.String() {
			h.Subscribed++
		}
	}
	switch {
	case h.Streams == 0:
		h.Status = "no streams"
	case h.Subscribed < h.Streams:
		h.Status = "degraded"
	case staleAfter > 0 && now.Sub(h.LastRecvTime) > staleAfter:
		h.Status = "stale"
	}
	return h
}

func NewServer(ctx context.Context, rep Reporter, cfg Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(ctx, rep, cfg),
		ReadHeaderTimeout: 3 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Serve runs srv until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	log = logger.OrNop(log)
	errc := make(chan error, 1)
	go func() {
		log.Info("status server listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(sctx)
	if e := <-errc; !errors.Is(e, http.ErrServerClosed) && err == nil {
		err = e
	}
	log.Info("status server stopped")
	return err
}
