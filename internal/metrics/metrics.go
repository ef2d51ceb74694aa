// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカー、Discordクライアント、Webhook取り込みから利用する。
type MetricsCollector interface {
	RecordJob(kind, status string, duration time.Duration)
	RecordDiscordCall(route string, statusCode int, duration time.Duration)
	RecordRateLimitWait(duration time.Duration)
	RecordTokenRefresh(success bool)
	RecordMessagesUpserted(count int)
	RecordRetryExhausted()
	RecordWebhookEvent(eventType string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	jobsProcessed    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	discordCalls     *prometheus.CounterVec
	discordLatency   *prometheus.HistogramVec
	rateLimitWaits   prometheus.Counter
	rateLimitSeconds prometheus.Counter
	tokenRefreshes   *prometheus.CounterVec
	messagesUpserted prometheus.Counter
	retryExhausted   prometheus.Counter
	webhookEvents    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfeed_jobs_processed_total",
			Help: "処理したジョブの合計数（種別・結果別）",
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discordfeed_job_duration_seconds",
			Help:    "ジョブの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		discordCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfeed_discord_requests_total",
			Help: "Discord API呼び出しの合計数（ルート・ステータス別）",
		}, []string{"route", "status_code"}),
		discordLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discordfeed_discord_request_duration_seconds",
			Help:    "Discord API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discordfeed_rate_limit_waits_total",
			Help: "レート制限による待機の回数",
		}),
		rateLimitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discordfeed_rate_limit_wait_seconds_total",
			Help: "レート制限による待機時間の合計（秒）",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfeed_token_refreshes_total",
			Help: "トークンリフレッシュの合計数（結果別）",
		}, []string{"result"}),
		messagesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discordfeed_messages_upserted_total",
			Help: "アップサートされたメッセージの合計数",
		}),
		retryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discordfeed_retry_exhausted_total",
			Help: "リトライ上限に達したチャンネル取得の合計数",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfeed_webhook_events_total",
			Help: "受信したWebhookイベントの合計数（種別別）",
		}, []string{"event_type"}),
	}

	reg.MustRegister(
		c.jobsProcessed,
		c.jobDuration,
		c.discordCalls,
		c.discordLatency,
		c.rateLimitWaits,
		c.rateLimitSeconds,
		c.tokenRefreshes,
		c.messagesUpserted,
		c.retryExhausted,
		c.webhookEvents,
	)

	return c
}

// RecordJob はジョブの処理結果と処理時間を記録する。
func (c *Collector) RecordJob(kind, status string, duration time.Duration) {
	c.jobsProcessed.WithLabelValues(kind, status).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDiscordCall はDiscord API呼び出しを記録する。statusCodeが0の場合は通信エラー。
func (c *Collector) RecordDiscordCall(route string, statusCode int, duration time.Duration) {
	c.discordCalls.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	c.discordLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRateLimitWait はレート制限による待機を記録する。
func (c *Collector) RecordRateLimitWait(duration time.Duration) {
	c.rateLimitWaits.Inc()
	c.rateLimitSeconds.Add(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordMessagesUpserted はアップサートされたメッセージ数を記録する。
func (c *Collector) RecordMessagesUpserted(count int) {
	c.messagesUpserted.Add(float64(count))
}

// RecordRetryExhausted はリトライ上限到達を記録する。
func (c *Collector) RecordRetryExhausted() {
	c.retryExhausted.Inc()
}

// RecordWebhookEvent はWebhookイベントの受信を記録する。
func (c *Collector) RecordWebhookEvent(eventType string) {
	c.webhookEvents.WithLabelValues(eventType).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordJob(string, string, time.Duration)      {}
func (Nop) RecordDiscordCall(string, int, time.Duration) {}
func (Nop) RecordRateLimitWait(time.Duration)            {}
func (Nop) RecordTokenRefresh(bool)                      {}
func (Nop) RecordMessagesUpserted(int)                   {}
func (Nop) RecordRetryExhausted()                        {}
func (Nop) RecordWebhookEvent(string)                    {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセス用。healthがnilでなければ/healthも公開する。
func SetupMetricsRoute(gatherer prometheus.Gatherer, health http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	if health != nil {
		mux.Handle("GET /health", health)
	}
	return mux
}
