package job

import (
	"encoding/json"
	"errors"
	"time"
)

// Status はジョブの状態。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// キュー優先度。値が大きいほど先に取得される。
const (
	PriorityLow    = -10
	PriorityNormal = 0
	PriorityHigh   = 10
)

const (
	// DiscoveryMaxAttempts は探索ステージの最大試行回数。
	DiscoveryMaxAttempts = 3
	// DiscoveryBackoffBase は探索ステージの指数バックオフの基準時間。
	DiscoveryBackoffBase = 5 * time.Second
)

// Job はjobsテーブルの1行を表す。
type Job struct {
	ID          string
	Kind        Kind
	Payload     json.RawMessage
	Status      Status
	Priority    int
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	RepeatEvery time.Duration
	DedupKey    string
	RunAt       time.Time
	LockedAt    *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Recurring は定期実行ジョブかを返す。
func (j *Job) Recurring() bool {
	return j.RepeatEvery > 0
}

// CanRetry は失敗時にもう一度試行できるかを返す。
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Options はキュー投入時のオプション。
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	DedupKey    string
}

// DiscoveryOptions は探索ステージのジョブに使うオプション（3回まで、5秒基準の指数バックオフ）。
func DiscoveryOptions() Options {
	return Options{
		MaxAttempts: DiscoveryMaxAttempts,
		BackoffBase: DiscoveryBackoffBase,
	}
}

// Backoff はattempt回目の失敗後に次の試行まで待つ時間を返す。
// base * 2^(attempt-1)。
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	if attempt > 20 {
		attempt = 20
	}
	return base << (attempt - 1)
}

// FetchDedupKey はメッセージ取得の定期ジョブの重複排除キー。
func FetchDedupKey(channelID string) string {
	return "fetch-messages-" + channelID
}

// FallbackFetchDedupKey はWebhookのないチャンネルの補完取得ジョブの重複排除キー。
func FallbackFetchDedupKey(channelID string) string {
	return "fallback-fetch-messages-" + channelID
}

// PriorityFetchDedupKey は閲覧時の即時取得ジョブの重複排除キー。
// 同じユーザーとチャンネルの即時取得は未処理の間1件にまとめる。
func PriorityFetchDedupKey(channelID, userID string) string {
	return "priority-fetch-" + channelID + "-" + userID
}

// ErrPermanent は再試行しても成功しない失敗を示す。
var ErrPermanent = errors.New("permanent job failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent はerrを再試行不要の失敗として包む。
// ランナーは試行回数が残っていてもジョブを再実行しない。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent はerrが再試行不要の失敗かを返す。
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
