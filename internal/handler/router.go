package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/discordfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	Database Pinger
	Cache    Pinger
	Metrics  http.Handler

	// Webhook
	WebhookIngestor WebhookIngestor

	// 探索
	IndexingService IndexingService

	// メッセージ
	MessageService MessageService

	// トークン
	TokenService TokenService
	UserUpserter UserUpserter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Auth → RateLimit(General)
//
// /health、/metrics、Webhookは認証の外に配置する。
// WebhookはRateLimit(Webhook)のみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.Database, deps.Cache)
	webhookHandler := NewWebhookHandler(deps.WebhookIngestor)
	indexingHandler := NewIndexingHandler(deps.IndexingService)
	messageHandler := NewMessageHandler(deps.MessageService)
	tokenHandler := NewTokenHandler(deps.TokenService, deps.UserUpserter)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler.Serve)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.With(deps.RateLimiter.WebhookMiddleware()).Post("/api/webhook/discord", webhookHandler.Receive)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 探索
		r.Get("/api/indexing", indexingHandler.Status)
		r.Post("/api/indexing", indexingHandler.Start)

		// サーバー・メッセージ
		r.Get("/api/servers", messageHandler.ListServers)
		r.Get("/api/messages", messageHandler.ListMessages)
		r.Post("/api/messages", messageHandler.MarkRead)

		// トークン受け渡し
		r.Put("/api/tokens", tokenHandler.Store)
		r.Delete("/api/tokens", tokenHandler.Delete)
	})

	return r
}
