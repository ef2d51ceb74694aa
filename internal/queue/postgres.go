// Package queue はPostgreSQLのjobsテーブルを使ったジョブキューを提供する。
// 複数のワーカープロセスがFOR UPDATE SKIP LOCKEDで競合なくジョブを取得する。
// 配送は少なくとも1回で、ハンドラー側の冪等性を前提とする。
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/discordfeed/internal/job"
)

const jobColumns = `id, kind, payload, status, priority, attempts, max_attempts, backoff_base_ms,
	repeat_every_seconds, dedup_key, run_at, locked_at, last_error, created_at, updated_at`

// Queue はjobsテーブルへの投入・取得・完了処理を行う。
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New はQueueを生成する。
func New(db *sql.DB, logger *slog.Logger) *Queue {
	return &Queue{db: db, logger: logger}
}

// Enqueue はジョブを投入してIDを返す。
// DedupKeyが未完了の既存ジョブと重複する場合は投入せず、既存ジョブのIDを返す。
func (q *Queue) Enqueue(ctx context.Context, p job.Payload, opts job.Options) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ジョブペイロードのエンコードに失敗しました: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	// 衝突した既存ジョブが参照前に完了して重複排除キーを手放した場合は投入をやり直す
	for attempt := 1; ; attempt++ {
		id, inserted, err := q.insertOnce(ctx, p, payload, maxAttempts, opts)
		if err != nil {
			return "", err
		}
		if id != "" {
			if !inserted {
				q.logger.Debug("重複ジョブのため投入をスキップしました",
					slog.String("job_kind", string(p.Kind())),
					slog.String("dedup_key", opts.DedupKey),
					slog.String("job_id", id),
				)
				return id, nil
			}
			q.logger.Debug("ジョブを投入しました",
				slog.String("job_id", id),
				slog.String("job_kind", string(p.Kind())),
				slog.Int("priority", opts.Priority),
			)
			return id, nil
		}
		if attempt >= enqueueRetries {
			return "", fmt.Errorf("重複排除キー %q の競合が解消しませんでした", opts.DedupKey)
		}
	}
}

// enqueueRetries は重複排除キーの競合時に投入を試みる最大回数。
const enqueueRetries = 3

// insertOnce はジョブを1回だけ投入する。
// 新規に投入した場合は(id, true)、既存ジョブと衝突した場合は(既存id, false)を返す。
// 衝突した既存ジョブが既に重複排除キーを手放していた場合は("", false)を返す。
func (q *Queue) insertOnce(ctx context.Context, p job.Payload, payload []byte, maxAttempts int, opts job.Options) (string, bool, error) {
	var id string
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO jobs (id, kind, payload, priority, max_attempts, backoff_base_ms, dedup_key, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now() + make_interval(secs => $8))
		 ON CONFLICT (dedup_key) DO NOTHING
		 RETURNING id`,
		uuid.NewString(), string(p.Kind()), payload, opts.Priority, maxAttempts,
		opts.BackoffBase.Milliseconds(), nullString(opts.DedupKey), opts.Delay.Seconds(),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("ジョブの投入に失敗しました: %w", err)
	}

	err = q.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE dedup_key = $1`, opts.DedupKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("重複ジョブの取得に失敗しました: %w", err)
	}
	return id, false, nil
}

// UpsertRecurring はDedupKeyをIDとする定期ジョブを登録する。
// 既に登録済みの場合はペイロード・間隔・優先度をその場で更新し、
// 次回実行が新しい間隔より先になっている場合は前倒しする。
func (q *Queue) UpsertRecurring(ctx context.Context, p job.Payload, every time.Duration, opts job.Options) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if opts.DedupKey == "" {
		return "", errors.New("定期ジョブには重複排除キーが必要です")
	}
	if every < time.Second {
		return "", fmt.Errorf("定期ジョブの間隔が短すぎます: %s", every)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ジョブペイロードのエンコードに失敗しました: %w", err)
	}

	var id string
	err = q.db.QueryRowContext(ctx,
		`INSERT INTO jobs (id, kind, payload, priority, max_attempts, repeat_every_seconds, dedup_key, run_at)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, now() + make_interval(secs => $7))
		 ON CONFLICT (dedup_key) DO UPDATE SET
		     kind                 = EXCLUDED.kind,
		     payload              = EXCLUDED.payload,
		     priority             = EXCLUDED.priority,
		     repeat_every_seconds = EXCLUDED.repeat_every_seconds,
		     run_at               = CASE WHEN jobs.status = 'pending'
		                                 THEN LEAST(jobs.run_at, EXCLUDED.run_at)
		                                 ELSE jobs.run_at END,
		     status               = CASE WHEN jobs.status IN ('completed', 'failed')
		                                 THEN 'pending' ELSE jobs.status END,
		     updated_at           = now()
		 RETURNING id`,
		uuid.NewString(), string(p.Kind()), payload, opts.Priority, int(every.Seconds()), opts.DedupKey,
		every.Seconds(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("定期ジョブの登録に失敗しました: %w", err)
	}
	return id, nil
}

// Cancel は重複排除キーに一致する未実行のジョブを削除する。
// 実行中のジョブは削除せず、削除した場合にtrueを返す。
func (q *Queue) Cancel(ctx context.Context, dedupKey string) (bool, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE dedup_key = $1 AND status <> 'running'`,
		dedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("ジョブの取り消しに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Claim は実行可能なジョブを最大limit件取得し、running状態にする。
// 優先度の高い順、同じ優先度では実行予定時刻の早い順に取得する。
func (q *Queue) Claim(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_at = now(), updated_at = now()
		 WHERE id IN (
		     SELECT id FROM jobs
		     WHERE status = 'pending' AND run_at <= now()
		     ORDER BY priority DESC, run_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return jobs, nil
}

// Complete はジョブを完了にする。
// 定期ジョブは次回の実行時刻でpendingに戻し、単発ジョブは重複排除キーを解放する。
func (q *Queue) Complete(ctx context.Context, j *job.Job) error {
	var err error
	if j.Recurring() {
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', attempts = 0, locked_at = NULL, last_error = NULL,
			     run_at = now() + make_interval(secs => repeat_every_seconds), updated_at = now()
			 WHERE id = $1`,
			j.ID,
		)
	} else {
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'completed', locked_at = NULL, dedup_key = NULL, updated_at = now()
			 WHERE id = $1`,
			j.ID,
		)
	}
	if err != nil {
		return fmt.Errorf("ジョブの完了処理に失敗しました: %w", err)
	}
	return nil
}

// Fail はジョブの失敗を記録する。
// 試行回数が残っていれば指数バックオフ後に再実行し、
// 使い切った場合は単発ジョブをfailedに、定期ジョブを次回の実行時刻に戻す。
// 戻り値は再試行が予約されたかどうか。
func (q *Queue) Fail(ctx context.Context, j *job.Job, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var (
		err   error
		retry bool
	)
	switch {
	case j.CanRetry():
		retry = true
		delay := job.Backoff(j.BackoffBase, j.Attempts)
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', locked_at = NULL, last_error = $2,
			     run_at = now() + make_interval(secs => $3), updated_at = now()
			 WHERE id = $1`,
			j.ID, msg, delay.Seconds(),
		)
	case j.Recurring():
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', attempts = 0, locked_at = NULL, last_error = $2,
			     run_at = now() + make_interval(secs => repeat_every_seconds), updated_at = now()
			 WHERE id = $1`,
			j.ID, msg,
		)
	default:
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', locked_at = NULL, dedup_key = NULL, last_error = $2, updated_at = now()
			 WHERE id = $1`,
			j.ID, msg,
		)
	}
	if err != nil {
		return false, fmt.Errorf("ジョブの失敗処理に失敗しました: %w", err)
	}
	return retry, nil
}

// Get は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// RequeueStale はrunningのままolderThanを超えたジョブをpendingに戻す。
// 処理中にワーカーが停止したジョブを再配送するために使う。
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', locked_at = NULL, updated_at = now()
		 WHERE status = 'running' AND locked_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("停止ジョブの再投入に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFinished は完了または失敗してからolderThanを超えたジョブを削除する。
func (q *Queue) DeleteFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'failed') AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("終了済みジョブの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus は状態ごとのジョブ数を返す。
func (q *Queue) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ジョブ数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("ジョブ数のスキャンに失敗しました: %w", err)
		}
		counts[job.Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		kind        string
		payload     []byte
		status      string
		backoffMS   int64
		repeatEvery sql.NullInt64
		dedupKey    sql.NullString
		lockedAt    sql.NullTime
		lastError   sql.NullString
	)
	err := row.Scan(&j.ID, &kind, &payload, &status, &j.Priority, &j.Attempts, &j.MaxAttempts, &backoffMS,
		&repeatEvery, &dedupKey, &j.RunAt, &lockedAt, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ジョブのスキャンに失敗しました: %w", err)
	}

	j.Kind = job.Kind(kind)
	j.Payload = json.RawMessage(payload)
	j.Status = job.Status(status)
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	if repeatEvery.Valid {
		j.RepeatEvery = time.Duration(repeatEvery.Int64) * time.Second
	}
	j.DedupKey = dedupKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	j.LastError = lastError.String
	return &j, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
