package relay

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
)

// NewMux routes the relay endpoints:
//
//	/ws                     WebSocket upgrade
//	GET /ws/stats           registry counts
//	GET /ws/online/{user_id} presence of one user
//	GET /metrics            Prometheus metrics from gatherer, when non-nil
//	GET /healthz            liveness
func NewMux(h *Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("GET /ws/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, h.cfg.Hub.Stats())
	})
	mux.HandleFunc("GET /ws/online/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		uid := r.PathValue("user_id")
		writeJSON(w, r, struct {
			UserID      string `json:"user_id"`
			Online      bool   `json:"online"`
			Connections int    `json:"connections"`
		}{uid, h.cfg.Hub.IsOnline(uid), h.cfg.Hub.ConnectionCount(uid)})
	})
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n")) //nolint:errcheck,gosec // health check
	})
	return mux
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn(r.Context(), "failed to write response", logger.Fields{"path": r.URL.Path, "error": err.Error()})
	}
}
