package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const adminTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewStateHandler 输出当前世界快照
// GET /admin/state
func NewStateHandler(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
		defer cancel()
		state, err := coord.Snapshot(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// NewMetricsHandler 输出协调器运行指标与当前规模
// GET /metrics
func NewMetricsHandler(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
		defer cancel()
		stats, err := coord.Stats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":   stats,
			"metrics": coord.Metrics().Snapshot(),
		})
	}
}

// HandleHealthz 存活探针
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// NewMux 挂载全部路由：WebSocket、管理接口与静态资源
func NewMux(coord *Coordinator, cfg Config) *http.ServeMux {
	ws := NewWSHandler(coord, cfg.SendBufferSize)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws)
	mux.HandleFunc("/ws/", ws)
	mux.HandleFunc("/admin/state", NewStateHandler(coord))
	mux.HandleFunc("/metrics", NewMetricsHandler(coord))
	mux.HandleFunc("/healthz", HandleHealthz)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return mux
}
