// Package runner はジョブキューをポーリングし、ペイロードの種類に応じて各パイプラインへ振り分ける。
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/metrics"
	"github.com/hitoshi/discordfeed/internal/worker/aggregation"
	"github.com/hitoshi/discordfeed/internal/worker/discovery"
)

// DefaultConcurrency はプロセス内で同時に処理するジョブ数の既定値。
const DefaultConcurrency = 10

// ジョブ結果のステータス（探索ステージ用）。
const (
	statusSucceeded = "succeeded"
	statusRetrying  = "retrying"
	statusFailed    = "failed"
	statusInvalid   = "invalid"
)

// Queue はランナーが使うキュー操作。queue.Queueが実装する。
type Queue interface {
	Claim(ctx context.Context, limit int) ([]*job.Job, error)
	Complete(ctx context.Context, j *job.Job) error
	Fail(ctx context.Context, j *job.Job, cause error) (bool, error)
}

// Discovery は探索ステージのハンドラ。discovery.Pipelineが実装する。
type Discovery interface {
	IndexUser(ctx context.Context, in job.IndexUser) (*discovery.Result, error)
	IndexGuild(ctx context.Context, in job.IndexGuild) (*discovery.Result, error)
	IndexChannels(ctx context.Context, in job.IndexChannels) (*discovery.Result, error)
}

// Aggregation は集約ステージのハンドラ。aggregation.Pipelineが実装する。
type Aggregation interface {
	FetchMessages(ctx context.Context, in job.FetchMessages) *aggregation.Result
	PriorityFetch(ctx context.Context, in job.PriorityFetch) *aggregation.Result
	RefreshCache(ctx context.Context, in job.RefreshCache) *aggregation.Result
	RetryFailed(ctx context.Context, in job.RetryFailed) *aggregation.Result
}

// Runner はジョブの取得と並列実行を行う。
// semaphoreの空き数だけジョブを取得するため、取得済みのジョブが待たされることはない。
type Runner struct {
	queue       Queue
	discovery   Discovery
	aggregation Aggregation
	metrics     metrics.MetricsCollector
	logger      *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New はRunnerを生成する。concurrencyが0以下の場合はDefaultConcurrencyを使用する。
func New(
	queue Queue,
	disc Discovery,
	agg Aggregation,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	concurrency int,
) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Runner{
		queue:       queue,
		discovery:   disc,
		aggregation: agg,
		metrics:     collector,
		logger:      logger,
		sem:         make(chan struct{}, concurrency),
	}
}

// Start はinterval間隔でキューをポーリングする。
// コンテキストがキャンセルされると新規取得をやめ、実行中のジョブの完了を待って戻る。
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("ジョブランナーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", cap(r.sem)),
	)

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("ジョブの取得に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			r.Wait()
			r.logger.Info("ジョブランナーを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce は空きスロット分のジョブを取得して実行を開始し、開始した件数を返す。
// 実行の完了は待たない。
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	free := cap(r.sem) - len(r.sem)
	if free <= 0 || ctx.Err() != nil {
		return 0, nil
	}

	jobs, err := r.queue.Claim(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}

	// 実行中の外部呼び出しは停止要求で中断しない
	runCtx := context.WithoutCancel(ctx)
	for _, j := range jobs {
		r.wg.Add(1)
		r.sem <- struct{}{}

		go func(j *job.Job) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.process(runCtx, j)
		}(j)
	}
	return len(jobs), nil
}

// Wait は実行中のジョブがすべて終わるまで待つ。
func (r *Runner) Wait() {
	r.wg.Wait()
}

// process は1件のジョブを実行し、結果をキューに記録する。
func (r *Runner) process(ctx context.Context, j *job.Job) {
	start := time.Now()
	logger := r.logger.With(
		slog.String("job_id", j.ID),
		slog.String("job_kind", string(j.Kind)),
		slog.Int("attempt", j.Attempts),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("ジョブの実行中にpanicが発生しました", slog.Any("panic", rec))
			r.fail(ctx, logger, j, job.Permanent(fmt.Errorf("panic: %v", rec)))
			r.metrics.RecordJob(string(j.Kind), statusFailed, time.Since(start))
		}
	}()

	payload, err := job.Decode(j.Kind, j.Payload)
	if err != nil {
		logger.Error("ジョブペイロードが不正です", slog.String("error", err.Error()))
		r.fail(ctx, logger, j, job.Permanent(err))
		r.metrics.RecordJob(string(j.Kind), statusInvalid, time.Since(start))
		return
	}

	var status string
	switch p := payload.(type) {
	case job.IndexUser:
		res, err := r.discovery.IndexUser(ctx, p)
		status = r.finishDiscovery(ctx, logger, j, res, err)
	case job.IndexGuild:
		res, err := r.discovery.IndexGuild(ctx, p)
		status = r.finishDiscovery(ctx, logger, j, res, err)
	case job.IndexChannels:
		res, err := r.discovery.IndexChannels(ctx, p)
		status = r.finishDiscovery(ctx, logger, j, res, err)
	case job.FetchMessages:
		status = r.finishAggregation(ctx, logger, j, r.aggregation.FetchMessages(ctx, p))
	case job.PriorityFetch:
		status = r.finishAggregation(ctx, logger, j, r.aggregation.PriorityFetch(ctx, p))
	case job.RefreshCache:
		status = r.finishAggregation(ctx, logger, j, r.aggregation.RefreshCache(ctx, p))
	case job.RetryFailed:
		status = r.finishAggregation(ctx, logger, j, r.aggregation.RetryFailed(ctx, p))
	default:
		logger.Error("未対応のジョブペイロードです", slog.String("payload_type", fmt.Sprintf("%T", payload)))
		r.fail(ctx, logger, j, job.Permanent(fmt.Errorf("unsupported payload %T", payload)))
		status = statusInvalid
	}

	duration := time.Since(start)
	r.metrics.RecordJob(string(j.Kind), status, duration)
	logger.Debug("ジョブが完了しました",
		slog.String("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// finishDiscovery は探索ステージのエラーをキューの再試行に委ねる。
func (r *Runner) finishDiscovery(ctx context.Context, logger *slog.Logger, j *job.Job, res *discovery.Result, err error) string {
	if err == nil {
		r.complete(ctx, logger, j)
		if res != nil {
			logger.Debug("探索ジョブが成功しました", slog.Int("count", res.Count), slog.Int("skipped", res.Skipped))
		}
		return statusSucceeded
	}
	logger.Warn("探索ジョブが失敗しました", slog.String("error", err.Error()))
	if r.fail(ctx, logger, j, err) {
		return statusRetrying
	}
	return statusFailed
}

// finishAggregation は集約ステージの結果ステータスを記録してジョブを完了にする。
// 集約ステージの再試行はretry-failedが担うため、キューの再試行は使わない。
func (r *Runner) finishAggregation(ctx context.Context, logger *slog.Logger, j *job.Job, res *aggregation.Result) string {
	if !res.OK() && res.Err != nil {
		logger.Warn("集約ジョブがエラーで終了しました",
			slog.String("channel_id", res.ChannelID),
			slog.String("status", res.Status),
			slog.String("error", res.Err.Error()),
		)
	}
	r.complete(ctx, logger, j)
	return res.Status
}

func (r *Runner) complete(ctx context.Context, logger *slog.Logger, j *job.Job) {
	if err := r.queue.Complete(ctx, j); err != nil {
		logger.Error("ジョブの完了を記録できませんでした", slog.String("error", err.Error()))
	}
}

// fail はジョブの失敗を記録し、再試行が予約されたかを返す。
// 再試行不要のエラーは試行回数を使い切った扱いにする。
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, j *job.Job, cause error) bool {
	if job.IsPermanent(cause) {
		j.MaxAttempts = j.Attempts
	}
	retry, err := r.queue.Fail(ctx, j, cause)
	if err != nil {
		logger.Error("ジョブの失敗を記録できませんでした", slog.String("error", err.Error()))
		return false
	}
	return retry
}
