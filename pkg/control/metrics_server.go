package control

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer is the separate telemetry listener spec §4.9 requires on
// configured_port + 111, deliberately not routed through gin.
type MetricsServer struct {
	mux *http.ServeMux
}

// NewMetricsServer builds a MetricsServer exposing /metrics.
func NewMetricsServer() *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{mux: mux}
}

// ListenAndServe blocks serving the metrics listener on addr.
func (m *MetricsServer) ListenAndServe(addr string) error {
	slog.Info("metrics_listen_start", "addr", addr)
	return (&http.Server{Addr: addr, Handler: m.mux}).ListenAndServe()
}
