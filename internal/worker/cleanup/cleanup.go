// Package cleanup は保持期間を過ぎたデータの削除とジョブキューの保守を行う。
// 保持期間（デフォルト90日）を超過したメッセージ、終了から7日を過ぎたジョブを削除し、
// ワーカー停止で running のまま残ったジョブを pending に戻す。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultMessageRetentionDays はメッセージの保持日数の既定値。
	DefaultMessageRetentionDays = 90
	// DefaultJobRetentionDays は終了済みジョブの保持日数の既定値。
	DefaultJobRetentionDays = 7
	// DefaultLockTimeout はrunningのジョブを停止扱いにするまでの時間の既定値。
	DefaultLockTimeout = 5 * time.Minute
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// JobMaintainer はジョブキューの保守操作。queue.Queueが実装する。
type JobMaintainer interface {
	DeleteFinished(ctx context.Context, olderThan time.Duration) (int64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupJob は保守処理をまとめたバッチジョブ。
// どの処理も冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db     Executor
	queue  JobMaintainer
	logger *slog.Logger

	MessageRetentionDays int           // メッセージの保持日数（デフォルト: 90）
	JobRetentionDays     int           // 終了済みジョブの保持日数（デフォルト: 7）
	LockTimeout          time.Duration // 停止ジョブとみなすまでの時間（デフォルト: 5分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, queue JobMaintainer, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                   db,
		queue:                queue,
		logger:               logger,
		MessageRetentionDays: DefaultMessageRetentionDays,
		JobRetentionDays:     DefaultJobRetentionDays,
		LockTimeout:          DefaultLockTimeout,
	}
}

// Run は停止ジョブの再投入、終了済みジョブの削除、古いメッセージの削除を順に行う。
// 1つが失敗しても残りは実行し、発生したエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	requeued, err := j.requeueStale(ctx)
	errs = append(errs, err)
	deletedJobs, err := j.deleteFinishedJobs(ctx)
	errs = append(errs, err)
	deletedMessages, err := j.deleteExpiredMessages(ctx)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("requeued_count", requeued),
		slog.Int64("deleted_job_count", deletedJobs),
		slog.Int64("deleted_count", deletedMessages),
		slog.Int("retention_days", j.MessageRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はinterval間隔でRunを実行する。起動直後にも1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// エラーはRun内で記録済み
		_ = j.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *CleanupJob) requeueStale(ctx context.Context) (int64, error) {
	n, err := j.queue.RequeueStale(ctx, j.LockTimeout)
	if err != nil {
		j.logger.Error("停止ジョブの再投入に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("lock_timeout", j.LockTimeout),
		)
		return 0, err
	}
	if n > 0 {
		j.logger.Warn("停止したジョブを再投入しました", slog.Int64("requeued_count", n))
	}
	return n, nil
}

func (j *CleanupJob) deleteFinishedJobs(ctx context.Context) (int64, error) {
	n, err := j.queue.DeleteFinished(ctx, time.Duration(j.JobRetentionDays)*24*time.Hour)
	if err != nil {
		j.logger.Error("終了済みジョブの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("job_retention_days", j.JobRetentionDays),
		)
		return 0, err
	}
	return n, nil
}

// deleteExpiredMessages はtimestampがMessageRetentionDays日前より古いメッセージをDELETEする。
func (j *CleanupJob) deleteExpiredMessages(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d days", j.MessageRetentionDays)

	query := `DELETE FROM messages WHERE timestamp < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("メッセージクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.MessageRetentionDays),
		)
		return 0, fmt.Errorf("メッセージクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deletedCount, nil
}
