// Package message はメッセージの保存、チャンネルスナップショットの更新、
// ユーザーごとの未読状態を付与した読み出しを提供する。
package message

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/discordfeed/internal/cache"
	"github.com/hitoshi/discordfeed/internal/metrics"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
	"github.com/hitoshi/discordfeed/internal/security"
)

const (
	// SnapshotSize はチャンネルスナップショットに保持するメッセージ数。
	SnapshotSize = 50

	// DefaultSnapshotTTL はスナップショットのキャッシュ保持期間。
	DefaultSnapshotTTL = time.Hour
)

// Refresher はチャンネルの最新メッセージのスナップショットを永続ストアから再構築する。
// スナップショットは新しい順のmodel.MessageのJSON配列。
type Refresher struct {
	messages repository.MessageRepository
	cache    cache.Cache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewRefresher はRefresherを生成する。ttlが0以下の場合は1時間を使用する。
func NewRefresher(messages repository.MessageRepository, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Refresher {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Refresher{messages: messages, cache: c, ttl: ttl, logger: logger}
}

// Refresh は永続ストアの最新50件でスナップショットを上書きし、その内容を返す。
func (r *Refresher) Refresh(ctx context.Context, channelID string) ([]*model.Message, error) {
	msgs, err := r.messages.ListRecentByChannel(ctx, channelID, SnapshotSize)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list recent messages", Err: err}
	}

	key := cache.ChannelMessagesKey(channelID)
	if err := cache.SetJSON(ctx, r.cache, key, msgs, r.ttl); err != nil {
		return nil, &model.CacheError{Op: "set", Key: key, Err: err}
	}

	r.logger.Debug("スナップショットを更新しました",
		slog.String("channel_id", channelID),
		slog.Int("message_count", len(msgs)),
	)
	return msgs, nil
}

// Snapshot はキャッシュ上のスナップショットを返す。存在しない場合はfalseを返す。
func (r *Refresher) Snapshot(ctx context.Context, channelID string) ([]*model.Message, bool, error) {
	key := cache.ChannelMessagesKey(channelID)
	var msgs []*model.Message
	found, err := cache.GetJSON(ctx, r.cache, key, &msgs)
	if err != nil {
		return nil, false, &model.CacheError{Op: "get", Key: key, Err: err}
	}
	return msgs, found, nil
}

// Upserter はメッセージ本文をサニタイズしてから冪等に保存する。
type Upserter struct {
	messages  repository.MessageRepository
	sanitizer security.ContentSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewUpserter はUpserterを生成する。
func NewUpserter(
	messages repository.MessageRepository,
	sanitizer security.ContentSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Upserter {
	return &Upserter{
		messages:  messages,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
	}
}

// Upsert はメッセージを順に保存し、新規作成された件数を返す。
// 途中で失敗した場合はそれまでの件数とエラーを返す。
// 同じメッセージを何度保存しても結果は1行のまま変わらない。
func (u *Upserter) Upsert(ctx context.Context, msgs []*model.Message) (int, error) {
	saved, inserted := 0, 0
	defer func() { u.metrics.RecordMessagesUpserted(saved) }()

	for _, m := range msgs {
		m.Content = u.sanitizer.Sanitize(m.Content)
		created, err := u.messages.Upsert(ctx, m)
		if err != nil {
			return inserted, &model.PersistenceError{Op: "upsert message", Err: err}
		}
		saved++
		if created {
			inserted++
		}
	}

	if len(msgs) > 0 {
		u.logger.Debug("メッセージを保存しました",
			slog.String("channel_id", msgs[0].ChannelID),
			slog.Int("total", len(msgs)),
			slog.Int("inserted", inserted),
		)
	}
	return inserted, nil
}
