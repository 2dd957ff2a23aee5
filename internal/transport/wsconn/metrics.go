package wsconn

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedpipe",
		Name:      "ws_conns",
		Help:      "Open upstream websocket connections",
	})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_conn_close_total",
		Help:      "Upstream websocket connections closed, by close code",
	}, []string{"code"})

	MsgsInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_msgs_in_total",
		Help:      "Frames received",
	})
	BytesInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_bytes_in_total",
		Help:      "Bytes received",
	})
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_decode_errors_total",
		Help:      "Frames skipped because they did not decode",
	})
	WriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_write_errors_total",
		Help:      "Failed sends and pings",
	})
	PingSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_ping_sent_total",
		Help:      "Ping control frames sent",
	})
	PongRecvTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedpipe",
		Name:      "ws_pong_recv_total",
		Help:      "Pong control frames received",
	})
)

func onOpen() { Conns.Inc() }

func onClose(code int) {
	Conns.Dec()
	ConnCloseTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}
