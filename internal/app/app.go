package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/discordfeed/internal/cache"
	"github.com/hitoshi/discordfeed/internal/config"
	"github.com/hitoshi/discordfeed/internal/database"
	"github.com/hitoshi/discordfeed/internal/discord"
	"github.com/hitoshi/discordfeed/internal/handler"
	"github.com/hitoshi/discordfeed/internal/logger"
	"github.com/hitoshi/discordfeed/internal/message"
	"github.com/hitoshi/discordfeed/internal/metrics"
	"github.com/hitoshi/discordfeed/internal/middleware"
	"github.com/hitoshi/discordfeed/internal/queue"
	"github.com/hitoshi/discordfeed/internal/repository"
	"github.com/hitoshi/discordfeed/internal/security"
	"github.com/hitoshi/discordfeed/internal/token"
	"github.com/hitoshi/discordfeed/internal/webhook"
	"github.com/hitoshi/discordfeed/internal/worker/aggregation"
	"github.com/hitoshi/discordfeed/internal/worker/cleanup"
	"github.com/hitoshi/discordfeed/internal/worker/discovery"
	"github.com/hitoshi/discordfeed/internal/worker/runner"
	"github.com/hitoshi/discordfeed/internal/worker/schedule"
)

// cleanupInterval は保守ジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, cmd Command) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")), cmd.Service())

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w, cmd)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("discord_api", cfg.DiscordAPIBaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はAPIとワーカーで共有する依存関係。
type components struct {
	db    *sql.DB
	redis *redis.Client
	cache *cache.RedisCache

	registry *prometheus.Registry
	metrics  *metrics.Collector

	users     *repository.PostgresUserRepo
	servers   *repository.PostgresServerRepo
	channels  *repository.PostgresChannelRepo
	messages  *repository.PostgresMessageRepo
	lastReads *repository.PostgresLastReadRepo

	tokens    *token.Store
	queue     *queue.Queue
	discord   *discord.Client
	refresher *message.Refresher
	upserter  *message.Upserter
}

// build はDBとRedisに接続し、共通の依存関係を組み立てる。
// 戻り値のcloseで接続を閉じる。
func build(cfg *config.Config, concurrency int) (*components, func(), error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig(concurrency))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. 高速キャッシュ接続
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	redisCache := cache.NewRedisCache(redisClient)
	if err := redisCache.Ping(pingCtx); err != nil {
		// キャッシュ障害時は永続ストアで代替できるため起動は継続する
		slog.Warn("cache is unreachable, continuing with database fallback",
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("cache connection established")
	}

	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			slog.Warn("failed to close cache", slog.String("error", err.Error()))
		}
		if err := db.Close(); err != nil {
			slog.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}

	logger := slog.Default()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	c := &components{
		db:        db,
		redis:     redisClient,
		cache:     redisCache,
		registry:  reg,
		metrics:   collector,
		users:     repository.NewPostgresUserRepo(db),
		servers:   repository.NewPostgresServerRepo(db),
		channels:  repository.NewPostgresChannelRepo(db),
		messages:  repository.NewPostgresMessageRepo(db),
		lastReads: repository.NewPostgresLastReadRepo(db),
	}

	// 4. トークン、キュー、Discordクライアント
	c.tokens = token.NewStore(redisCache, repository.NewPostgresTokenRepo(db), cfg.TokenCacheTTL, logger)
	c.queue = queue.New(db, logger)
	c.discord = discord.NewClient(discord.Config{
		BaseURL:      cfg.DiscordAPIBaseURL,
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.DiscordHTTPTimeout},
	}, c.tokens, redisCache, collector, logger)

	// 5. メッセージの保存とスナップショット
	c.refresher = message.NewRefresher(c.messages, redisCache, cfg.MessageSnapshotTTL, logger)
	c.upserter = message.NewUpserter(c.messages, security.NewContentSanitizer(), collector, logger)

	return c, closeFn, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, closeFn, err := build(cfg, 0)
	if err != nil {
		return err
	}
	defer closeFn()

	logger := slog.Default()

	// 探索はジョブ投入と状態取得のみ。チャンネルの定期取得登録はワーカーが行う。
	disc := discovery.NewPipeline(c.users, c.servers, c.channels, c.tokens, c.discord, c.queue, nil, logger)
	messageService := message.NewService(c.channels, c.servers, c.messages, c.lastReads, c.refresher, c.queue, logger)
	ingestor := webhook.NewIngestor(c.upserter, c.refresher, c.messages, c.lastReads, c.queue, c.metrics, logger)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitWebhook))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		Database: c.db,
		Cache:    handler.PingFunc(c.cache.Ping),
		Metrics:  metrics.Handler(c.registry),

		WebhookIngestor: ingestor,
		IndexingService: disc,
		MessageService:  messageService,
		TokenService:    c.tokens,
		UserUpserter:    c.users,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ジョブランナー、スケジュール再構成、保守ジョブを起動し、/metricsを公開する。
// SIGINTまたはSIGTERMシグナルを受信すると実行中のジョブの完了を待って終了する。
func runWorker(cfg *config.Config) error {
	c, closeFn, err := build(cfg, cfg.WorkerConcurrency)
	if err != nil {
		return err
	}
	defer closeFn()

	logger := slog.Default()

	// 1. パイプラインの初期化
	reconciler := schedule.NewReconciler(c.channels, c.queue, logger)
	disc := discovery.NewPipeline(c.users, c.servers, c.channels, c.tokens, c.discord, c.queue, reconciler, logger)
	agg := aggregation.NewPipeline(c.discord, c.channels, c.servers, c.upserter, c.refresher, c.queue, c.metrics, logger)
	jobRunner := runner.New(c.queue, disc, agg, c.metrics, logger, cfg.WorkerConcurrency)

	// 2. 保守ジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(c.db, c.queue, logger)
	cleanupJob.MessageRetentionDays = cfg.MessageRetentionDays
	cleanupJob.JobRetentionDays = cfg.JobRetentionDays
	cleanupJob.LockTimeout = cfg.JobLockTimeout

	// 3. メトリクスサーバー
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(c.registry, http.HandlerFunc(handler.NewHealthHandler(c.db, handler.PingFunc(c.cache.Ping)).Serve)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.WorkerPollInterval),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer wg.Done()
		reconciler.Start(ctx, cfg.ScheduleReconcileInterval)
	}()
	go func() {
		defer wg.Done()
		cleanupJob.Start(ctx, cleanupInterval)
	}()

	// ジョブランナーをメインgoroutineで実行（ブロッキング）
	jobRunner.Start(ctx, cfg.WorkerPollInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
