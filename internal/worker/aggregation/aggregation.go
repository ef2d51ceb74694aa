// Package aggregation はチャンネルのメッセージを取り込み、スナップショットを最新に保つ集約パイプラインを提供する。
// 各ステージは例外を投げずに処理結果のステータスを返す。
// 再試行はretry-failedステージが独自の上限（5回）とバックオフで行う。
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/discordfeed/internal/discord"
	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/metrics"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
)

// 処理結果のステータス。
const (
	StatusFetched         = "fetched"
	StatusPriorityFetched = "priority-fetched"
	StatusCacheRefreshed  = "cache-refreshed"
	StatusRetrying        = "retrying"
	StatusFailed          = "failed"
	StatusError           = "error"
)

const (
	// MaxRetryAttempts はretry-failedの最大試行回数。これを超えると打ち切る。
	MaxRetryAttempts = 5

	retryBaseDelay = time.Second
	retryMaxDelay  = 60 * time.Second

	// maxPages は1回の取得で辿るページ数の上限。
	maxPages = 4
)

// RetryDelay はattempt回目の再試行までの待ち時間を返す。min(2^attempt秒, 60秒)。
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 6 {
		return retryMaxDelay
	}
	d := retryBaseDelay << attempt
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// MessageAPI はメッセージ取得のAPI呼び出し。discord.Clientが実装する。
type MessageAPI interface {
	GetChannelMessages(ctx context.Context, userID, channelID string, opts discord.MessagesOptions) ([]discord.Message, error)
}

// Upserter はメッセージ保存。message.Upserterが実装する。
type Upserter interface {
	Upsert(ctx context.Context, msgs []*model.Message) (int, error)
}

// Refresher はスナップショット更新。message.Refresherが実装する。
type Refresher interface {
	Refresh(ctx context.Context, channelID string) ([]*model.Message, error)
}

// Enqueuer はジョブ投入先。queue.Queueが実装する。
type Enqueuer interface {
	Enqueue(ctx context.Context, p job.Payload, opts job.Options) (string, error)
}

// Result はステージの処理結果。
type Result struct {
	Status    string
	ChannelID string
	UserID    string
	// Count は取得したメッセージ数、refresh-cacheではスナップショットの件数
	Count    int
	Inserted int
	Attempt  int
	// NextDelay は再試行を予約した場合の待ち時間
	NextDelay time.Duration
	Err       error
}

// OK はステータスがエラーでも打ち切りでもないかを返す。
func (r *Result) OK() bool {
	return r.Status != StatusError && r.Status != StatusFailed
}

// Pipeline は集約パイプライン。
type Pipeline struct {
	api       MessageAPI
	channels  repository.ChannelRepository
	servers   repository.ServerRepository
	upserter  Upserter
	refresher Refresher
	queue     Enqueuer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline はPipelineを生成する。
func NewPipeline(
	api MessageAPI,
	channels repository.ChannelRepository,
	servers repository.ServerRepository,
	upserter Upserter,
	refresher Refresher,
	queue Enqueuer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		api:       api,
		channels:  channels,
		servers:   servers,
		upserter:  upserter,
		refresher: refresher,
		queue:     queue,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// FetchMessages はチャンネルの新着メッセージを取得して保存し、スナップショットを更新する。
// 前回取得時刻があればそれ以降のメッセージ、なければ最新50件を取得する。
// 失敗してもこのステージからは再投入しない。
func (p *Pipeline) FetchMessages(ctx context.Context, in job.FetchMessages) *Result {
	res := p.fetch(ctx, in.ChannelID, in.UserID, in.LastFetchedAt, false)
	res.Attempt = in.Attempt
	if res.Status == StatusFetched {
		p.logger.Info("メッセージを取得しました",
			slog.String("channel_id", in.ChannelID),
			slog.String("user_id", res.UserID),
			slog.Int("count", res.Count),
			slog.Int("inserted", res.Inserted),
			slog.Int("attempt", in.Attempt),
		)
	}
	return res
}

// PriorityFetch は閲覧中のチャンネルを閲覧ユーザーのトークンで即時取得する。
func (p *Pipeline) PriorityFetch(ctx context.Context, in job.PriorityFetch) *Result {
	res := p.fetch(ctx, in.ChannelID, in.UserID, nil, true)
	if res.Status == StatusFetched {
		res.Status = StatusPriorityFetched
		p.logger.Info("閲覧中チャンネルを即時取得しました",
			slog.String("channel_id", in.ChannelID),
			slog.String("user_id", in.UserID),
			slog.Int("count", res.Count),
			slog.Int("inserted", res.Inserted),
		)
	}
	return res
}

// RefreshCache は永続ストアの最新50件でスナップショットを上書きする。
// 失敗した場合はretry-failedをattempt=1で投入する。
func (p *Pipeline) RefreshCache(ctx context.Context, in job.RefreshCache) *Result {
	msgs, err := p.refresher.Refresh(ctx, in.ChannelID)
	if err == nil {
		return &Result{Status: StatusCacheRefreshed, ChannelID: in.ChannelID, Count: len(msgs)}
	}

	p.logger.Warn("スナップショットの再構築に失敗したため再試行を予約します",
		slog.String("channel_id", in.ChannelID),
		slog.String("error", err.Error()),
	)
	if _, qerr := p.queue.Enqueue(ctx, job.RetryFailed{ChannelID: in.ChannelID, Attempt: 1}, job.Options{}); qerr != nil {
		err = errors.Join(err, fmt.Errorf("再試行ジョブの投入に失敗しました: %w", qerr))
	}
	return &Result{Status: StatusError, ChannelID: in.ChannelID, Err: err}
}

// RetryFailed はバックオフ後にfetch-messagesをattempt+1で再投入する。
// attemptが上限を超えた場合は何も投入せずに打ち切る。
func (p *Pipeline) RetryFailed(ctx context.Context, in job.RetryFailed) *Result {
	if in.Attempt > MaxRetryAttempts {
		p.metrics.RecordRetryExhausted()
		p.logger.Error("再試行の上限に達したためメッセージ取得を打ち切りました",
			slog.String("channel_id", in.ChannelID),
			slog.Int("attempt", in.Attempt),
			slog.Int("max_attempts", MaxRetryAttempts),
		)
		return &Result{Status: StatusFailed, ChannelID: in.ChannelID, Attempt: in.Attempt}
	}

	delay := RetryDelay(in.Attempt)
	next := job.FetchMessages{ChannelID: in.ChannelID, Attempt: in.Attempt + 1}
	if _, err := p.queue.Enqueue(ctx, next, job.Options{Delay: delay}); err != nil {
		return &Result{
			Status:    StatusError,
			ChannelID: in.ChannelID,
			Attempt:   in.Attempt,
			Err:       fmt.Errorf("再取得ジョブの投入に失敗しました: %w", err),
		}
	}

	p.logger.Info("メッセージ取得の再試行を予約しました",
		slog.String("channel_id", in.ChannelID),
		slog.Int("attempt", in.Attempt),
		slog.Duration("delay", delay),
	)
	return &Result{Status: StatusRetrying, ChannelID: in.ChannelID, Attempt: in.Attempt, NextDelay: delay}
}

// fetch はトークン保持者を選んでメッセージを取得し、保存とスナップショット更新まで行う。
// strictUserがtrueの場合はuserIDのトークンのみを使う。
func (p *Pipeline) fetch(ctx context.Context, channelID, userID string, lastFetchedAt *time.Time, strictUser bool) *Result {
	res := &Result{ChannelID: channelID}

	channel, err := p.channels.FindByID(ctx, channelID)
	if err != nil {
		return p.fail(res, &model.PersistenceError{Op: "find channel", Err: err})
	}
	if channel == nil {
		return p.fail(res, fmt.Errorf("チャンネル %s が見つかりません", channelID))
	}
	if lastFetchedAt == nil {
		lastFetchedAt = channel.LastFetchedAt
	}

	candidates := []string{userID}
	if userID == "" || !strictUser {
		members, err := p.servers.ListMemberUserIDs(ctx, channel.ServerID)
		if err != nil {
			return p.fail(res, &model.PersistenceError{Op: "list members", Err: err})
		}
		candidates = holders(userID, members)
	}
	if len(candidates) == 0 {
		return p.fail(res, fmt.Errorf("チャンネル %s を取得できるユーザーがいません: %w", channelID, model.ErrAuthUnavailable))
	}

	startedAt := p.now().UTC()
	var (
		msgs   []discord.Message
		holder string
		full   bool
	)
	for _, uid := range candidates {
		msgs, full, err = p.download(ctx, uid, channelID, lastFetchedAt)
		if err == nil {
			holder = uid
			break
		}
		if !errors.Is(err, model.ErrAuthUnavailable) {
			break
		}
		p.logger.Debug("トークンが利用できないため別のメンバーで取得します",
			slog.String("channel_id", channelID),
			slog.String("user_id", uid),
		)
	}
	if err != nil {
		return p.fail(res, err)
	}
	res.UserID = holder
	res.Count = len(msgs)

	models := make([]*model.Message, 0, len(msgs))
	newest := time.Time{}
	for _, m := range msgs {
		mm := m.ToModel(channelID)
		if mm.Timestamp.After(newest) {
			newest = mm.Timestamp
		}
		models = append(models, mm)
	}
	inserted, err := p.upserter.Upsert(ctx, models)
	if err != nil {
		return p.fail(res, err)
	}
	res.Inserted = inserted

	// ページを辿りきれなかった場合は取得済みの最新メッセージから次回を再開する
	fetchedAt := startedAt
	if full && !newest.IsZero() {
		fetchedAt = newest
	}
	if err := p.channels.UpdateLastFetchedAt(ctx, channelID, fetchedAt); err != nil {
		return p.fail(res, &model.PersistenceError{Op: "update last fetched at", Err: err})
	}

	if _, err := p.refresher.Refresh(ctx, channelID); err != nil {
		var cacheErr *model.CacheError
		if !errors.As(err, &cacheErr) {
			return p.fail(res, err)
		}
		p.logger.Warn("取得後のスナップショット更新に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}

	res.Status = StatusFetched
	return res
}

// download はafterカーソルでページを辿ってメッセージを取得する。
// 前回取得時刻がない場合は最新50件のみを取得する。
// 戻り値のfullはページ上限に達して取り残しがある可能性を示す。
func (p *Pipeline) download(ctx context.Context, userID, channelID string, lastFetchedAt *time.Time) ([]discord.Message, bool, error) {
	opts := discord.MessagesOptions{Limit: discord.DefaultMessageLimit}
	if lastFetchedAt == nil {
		msgs, err := p.api.GetChannelMessages(ctx, userID, channelID, opts)
		return msgs, false, err
	}

	opts.After = discord.SnowflakeFromTime(*lastFetchedAt)
	var all []discord.Message
	for page := 0; page < maxPages; page++ {
		msgs, err := p.api.GetChannelMessages(ctx, userID, channelID, opts)
		if err != nil {
			return nil, false, err
		}
		all = append(all, msgs...)
		if len(msgs) < opts.Limit {
			return all, false, nil
		}
		opts.After = newestID(msgs)
	}
	return all, true, nil
}

func (p *Pipeline) fail(res *Result, err error) *Result {
	res.Status = StatusError
	res.Err = err
	p.logger.Warn("メッセージ取得に失敗しました",
		slog.String("channel_id", res.ChannelID),
		slog.String("error", err.Error()),
	)
	return res
}

// holders はトークン保持者の候補を並べる。指定ユーザーを先頭にし、重複は除く。
func holders(preferred string, members []string) []string {
	out := make([]string, 0, len(members)+1)
	seen := make(map[string]bool, len(members)+1)
	if preferred != "" {
		out = append(out, preferred)
		seen[preferred] = true
	}
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// newestID はページ内で最も新しいメッセージのIDを返す。
// snowflakeは桁数が揃わないため長さを先に比べる。
func newestID(msgs []discord.Message) string {
	newest := ""
	for _, m := range msgs {
		if len(m.ID) > len(newest) || (len(m.ID) == len(newest) && m.ID > newest) {
			newest = m.ID
		}
	}
	return newest
}
