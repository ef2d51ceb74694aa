package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout は依存先1件あたりの疎通確認の上限時間。
const healthCheckTimeout = 2 * time.Second

// Pinger は疎通確認ができる依存先。*sql.DB と cache.RedisCache が実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc は関数をPingerとして扱うためのアダプタ。
type PingFunc func(ctx context.Context) error

// PingContext はf(ctx)を呼ぶ。
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// HealthHandler は永続ストアと高速キャッシュの疎通を返す。
type HealthHandler struct {
	database Pinger
	cache    Pinger
}

// NewHealthHandler はHealthHandlerを生成する。cacheはnilでもよい。
func NewHealthHandler(database, cache Pinger) *HealthHandler {
	return &HealthHandler{database: database, cache: cache}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache,omitempty"`
}

// Serve は GET /health を処理する。
// 永続ストアに到達できない場合は503。キャッシュの障害は永続ストアで代替できるため200のまま報告する。
func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "connected"}

	if err := ping(r.Context(), h.database); err != nil {
		slog.Error("health-check: database ping failed", slog.String("error", err.Error()))
		resp.Status = "error"
		resp.Database = "disconnected"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if h.cache != nil {
		resp.Cache = "connected"
		if err := ping(r.Context(), h.cache); err != nil {
			slog.Warn("health-check: cache ping failed", slog.String("error", err.Error()))
			resp.Status = "degraded"
			resp.Cache = "disconnected"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func ping(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return p.PingContext(ctx)
}
