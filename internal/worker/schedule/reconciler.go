// Package schedule はチャンネルごとの定期メッセージ取得ジョブを登録する。
// 登録は重複排除キーで冪等に行われ、何度実行しても定期ジョブは1チャンネル1件に保たれる。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
)

// maxIntervalMinutes はpriority 1以下のチャンネルの取得間隔（分）。
const maxIntervalMinutes = 10

// Interval は優先度から取得間隔を求める。優先度が高いほど短い。
// max(floor(10/priority), 1) 分。0以下の優先度は1として扱う。
func Interval(priority int) time.Duration {
	if priority <= 0 {
		priority = 1
	}
	minutes := maxIntervalMinutes / priority
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// Registrar は定期ジョブの登録先。queue.Queueが実装する。
type Registrar interface {
	UpsertRecurring(ctx context.Context, p job.Payload, every time.Duration, opts job.Options) (string, error)
	Cancel(ctx context.Context, dedupKey string) (bool, error)
}

// ChannelPriority は登録対象のチャンネルと優先度の組。
type ChannelPriority struct {
	ChannelID string
	Priority  int
}

// Registration は登録済みの定期ジョブ。
type Registration struct {
	ChannelID string
	DedupKey  string
	Interval  time.Duration
	JobID     string
}

// Reconciler はチャンネルの状態から定期取得ジョブを再構成する。
type Reconciler struct {
	channels repository.ChannelRepository
	queue    Registrar
	logger   *slog.Logger
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(channels repository.ChannelRepository, queue Registrar, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		channels: channels,
		queue:    queue,
		logger:   logger,
	}
}

// ReconcileSchedule はチャンネルごとにfetch-messages-<id>の定期ジョブを登録する。
// 同じチャンネルの再登録は間隔とペイロードの更新になる。
func (r *Reconciler) ReconcileSchedule(ctx context.Context, priorities []ChannelPriority) ([]Registration, error) {
	return r.register(ctx, priorities, job.FetchDedupKey, job.PriorityNormal)
}

// ReconcileFallback はWebhook配信のないチャンネルに補完用の定期ジョブを登録する。
// 間隔の計算はReconcileScheduleと同じで、キュー優先度は通常より低い。
func (r *Reconciler) ReconcileFallback(ctx context.Context, priorities []ChannelPriority) ([]Registration, error) {
	return r.register(ctx, priorities, job.FallbackFetchDedupKey, job.PriorityLow)
}

func (r *Reconciler) register(
	ctx context.Context,
	priorities []ChannelPriority,
	dedupKey func(string) string,
	queuePriority int,
) ([]Registration, error) {
	regs := make([]Registration, 0, len(priorities))
	for _, cp := range priorities {
		every := Interval(cp.Priority)
		key := dedupKey(cp.ChannelID)
		id, err := r.queue.UpsertRecurring(ctx,
			job.FetchMessages{ChannelID: cp.ChannelID, Priority: cp.Priority},
			every,
			job.Options{Priority: queuePriority, DedupKey: key},
		)
		if err != nil {
			return regs, fmt.Errorf("定期ジョブ %s の登録に失敗しました: %w", key, err)
		}
		regs = append(regs, Registration{ChannelID: cp.ChannelID, DedupKey: key, Interval: every, JobID: id})
	}
	return regs, nil
}

// RegisterChannel は1チャンネル分の定期ジョブを登録する。
// Webhookのないチャンネルには補完用のジョブも登録し、Webhookがあれば補完用を取り消す。
func (r *Reconciler) RegisterChannel(ctx context.Context, ch *model.Channel) error {
	cp := []ChannelPriority{{ChannelID: ch.ID, Priority: ch.Priority}}
	if _, err := r.ReconcileSchedule(ctx, cp); err != nil {
		return err
	}
	if ch.HasWebhook() {
		if _, err := r.queue.Cancel(ctx, job.FallbackFetchDedupKey(ch.ID)); err != nil {
			return err
		}
		return nil
	}
	_, err := r.ReconcileFallback(ctx, cp)
	return err
}

// ReconcileAll は全チャンネルの定期ジョブを再構成する。
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	start := time.Now()

	channels, err := r.channels.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("チャンネル一覧の取得に失敗しました: %w", err)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })

	all := make([]ChannelPriority, 0, len(channels))
	var fallback []ChannelPriority
	for _, ch := range channels {
		cp := ChannelPriority{ChannelID: ch.ID, Priority: ch.Priority}
		all = append(all, cp)
		if ch.HasWebhook() {
			if _, err := r.queue.Cancel(ctx, job.FallbackFetchDedupKey(ch.ID)); err != nil {
				return err
			}
			continue
		}
		fallback = append(fallback, cp)
	}

	regs, err := r.ReconcileSchedule(ctx, all)
	if err != nil {
		return err
	}
	fallbackRegs, err := r.ReconcileFallback(ctx, fallback)
	if err != nil {
		return err
	}

	r.logger.Info("定期取得スケジュールを再構成しました",
		slog.Int("channel_count", len(regs)),
		slog.Int("fallback_count", len(fallbackRegs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はinterval間隔でReconcileAllを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("スケジュール再構成を開始しました", slog.Duration("interval", interval))

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("スケジュール再構成を停止しました")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if err := r.ReconcileAll(ctx); err != nil {
		r.logger.Error("スケジュールの再構成に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
