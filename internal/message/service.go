package message

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
)

// Enqueuer はジョブ投入のインターフェース。queue.Queueが実装する。
type Enqueuer interface {
	Enqueue(ctx context.Context, p job.Payload, opts job.Options) (string, error)
}

// Source はメッセージ一覧の取得元。
type Source string

const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
)

// ChannelMessages はListForUserの戻り値。
type ChannelMessages struct {
	Channel     *model.Channel
	Messages    []model.MessageView
	UnreadCount int
	LastReadAt  *time.Time
	Source      Source
}

// ReadResult はMarkReadの戻り値。
type ReadResult struct {
	LastReadAt  *time.Time
	UnreadCount int
}

// Service はユーザー視点のメッセージ読み出しと既読管理を行う。
type Service struct {
	channels  repository.ChannelRepository
	servers   repository.ServerRepository
	messages  repository.MessageRepository
	lastReads repository.LastReadRepository
	refresher *Refresher
	queue     Enqueuer
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	channels repository.ChannelRepository,
	servers repository.ServerRepository,
	messages repository.MessageRepository,
	lastReads repository.LastReadRepository,
	refresher *Refresher,
	queue Enqueuer,
	logger *slog.Logger,
) *Service {
	return &Service{
		channels:  channels,
		servers:   servers,
		messages:  messages,
		lastReads: lastReads,
		refresher: refresher,
		queue:     queue,
		logger:    logger,
	}
}

// ListForUser はチャンネルの最新メッセージを未読フラグ付きで返す。
// スナップショットを優先し、なければ永続ストアから読み出してスナップショットを再構築する。
// 閲覧をきっかけに閲覧ユーザーのトークンでの即時取得を予約する。
func (s *Service) ListForUser(ctx context.Context, userID, channelID string) (*ChannelMessages, error) {
	channel, err := s.authorize(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}

	msgs, source, err := s.loadRecent(ctx, channelID)
	if err != nil {
		return nil, err
	}

	lastRead, err := s.lastReads.Find(ctx, userID, channelID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "find last read", Err: err}
	}
	var since *time.Time
	if lastRead != nil {
		since = &lastRead.LastReadAt
	}

	unreadCount, err := s.messages.CountUnreadAfter(ctx, channelID, since)
	if err != nil {
		return nil, &model.PersistenceError{Op: "count unread", Err: err}
	}

	views := make([]model.MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = model.MessageView{Message: *m, Unread: isUnread(m, since)}
	}

	s.requestPriorityFetch(ctx, userID, channelID)

	return &ChannelMessages{
		Channel:     channel,
		Messages:    views,
		UnreadCount: unreadCount,
		LastReadAt:  since,
		Source:      source,
	}, nil
}

// MarkRead は指定メッセージを既読にし、既読位置を最新の既読メッセージまで進める。
// 既読位置は後退しない。
func (s *Service) MarkRead(ctx context.Context, userID, channelID string, messageIDs []string) (*ReadResult, error) {
	if len(messageIDs) == 0 {
		return nil, model.NewInvalidRequestError("message_idsを指定してください")
	}
	if _, err := s.authorize(ctx, userID, channelID); err != nil {
		return nil, err
	}

	latest, err := s.messages.MarkRead(ctx, channelID, messageIDs)
	if err != nil {
		return nil, &model.PersistenceError{Op: "mark read", Err: err}
	}
	if latest != nil {
		if err := s.lastReads.Upsert(ctx, &model.LastRead{UserID: userID, ChannelID: channelID, LastReadAt: *latest}); err != nil {
			return nil, &model.PersistenceError{Op: "upsert last read", Err: err}
		}
	}

	if _, err := s.refresher.Refresh(ctx, channelID); err != nil {
		s.logger.Warn("既読化後のスナップショット更新に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}

	lastRead, err := s.lastReads.Find(ctx, userID, channelID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "find last read", Err: err}
	}
	var since *time.Time
	if lastRead != nil {
		since = &lastRead.LastReadAt
	}
	unreadCount, err := s.messages.CountUnreadAfter(ctx, channelID, since)
	if err != nil {
		return nil, &model.PersistenceError{Op: "count unread", Err: err}
	}

	return &ReadResult{LastReadAt: since, UnreadCount: unreadCount}, nil
}

// ServerSummaries はユーザーが参加しているサーバーとチャンネルを未読数付きで返す。
// チャンネルはposition順。
func (s *Service) ServerSummaries(ctx context.Context, userID string) ([]model.ServerSummary, error) {
	servers, err := s.servers.ListByUserID(ctx, userID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list servers", Err: err}
	}

	counts, err := s.messages.UnreadCountsByUser(ctx, userID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "unread counts", Err: err}
	}

	summaries := make([]model.ServerSummary, 0, len(servers))
	for _, srv := range servers {
		channels, err := s.channels.ListByServerID(ctx, srv.ID)
		if err != nil {
			return nil, &model.PersistenceError{Op: "list channels", Err: err}
		}
		summary := model.ServerSummary{Server: *srv, Channels: make([]model.ChannelSummary, 0, len(channels))}
		for _, ch := range channels {
			summary.Channels = append(summary.Channels, model.ChannelSummary{
				Channel:     *ch,
				UnreadCount: counts[ch.ID],
			})
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// authorize はチャンネルの存在とユーザーのサーバー参加を確認する。
func (s *Service) authorize(ctx context.Context, userID, channelID string) (*model.Channel, error) {
	if channelID == "" {
		return nil, model.NewInvalidRequestError("channel_idを指定してください")
	}

	channel, err := s.channels.FindByID(ctx, channelID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "find channel", Err: err}
	}
	if channel == nil {
		return nil, model.NewChannelNotFoundError(channelID)
	}

	member, err := s.servers.IsMember(ctx, userID, channel.ServerID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "check membership", Err: err}
	}
	if !member {
		return nil, model.NewNotMemberError()
	}
	return channel, nil
}

// loadRecent はスナップショットを読み、なければ永続ストアから再構築する。
// キャッシュ障害時は永続ストアを直接読む。
func (s *Service) loadRecent(ctx context.Context, channelID string) ([]*model.Message, Source, error) {
	msgs, found, err := s.refresher.Snapshot(ctx, channelID)
	if err == nil && found {
		return msgs, SourceCache, nil
	}
	if err != nil {
		s.logger.Warn("スナップショットの取得に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}

	msgs, err = s.refresher.Refresh(ctx, channelID)
	if err == nil {
		return msgs, SourceDatabase, nil
	}

	var cacheErr *model.CacheError
	if !errors.As(err, &cacheErr) {
		return nil, "", err
	}
	s.logger.Warn("スナップショットの再構築に失敗しました",
		slog.String("channel_id", channelID),
		slog.String("error", err.Error()),
	)
	msgs, err = s.messages.ListRecentByChannel(ctx, channelID, SnapshotSize)
	if err != nil {
		return nil, "", &model.PersistenceError{Op: "list recent messages", Err: err}
	}
	return msgs, SourceDatabase, nil
}

// requestPriorityFetch は閲覧中チャンネルの即時取得を高優先度で予約する。
// 予約の失敗は読み出し結果に影響させない。
func (s *Service) requestPriorityFetch(ctx context.Context, userID, channelID string) {
	_, err := s.queue.Enqueue(ctx,
		job.PriorityFetch{ChannelID: channelID, UserID: userID},
		job.Options{Priority: job.PriorityHigh, DedupKey: job.PriorityFetchDedupKey(channelID, userID)},
	)
	if err != nil {
		s.logger.Warn("即時取得ジョブの投入に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// isUnread は既読位置より新しいメッセージを未読とする。既読位置がなければ全て未読。
func isUnread(m *model.Message, since *time.Time) bool {
	if since == nil {
		return true
	}
	return m.Timestamp.After(*since)
}
