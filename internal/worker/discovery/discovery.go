// Package discovery はユーザーのギルドとチャンネルを段階的に取り込む探索パイプラインを提供する。
// ユーザー、ギルド、チャンネルの各ステージは独立したジョブとして投入され、
// キューの再試行（3回、5秒基準の指数バックオフ）をステージごとに受ける。
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/discordfeed/internal/discord"
	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
)

// DiscordAPI は探索に使うDiscord APIの呼び出し。discord.Clientが実装する。
type DiscordAPI interface {
	GetGuilds(ctx context.Context, userID string) ([]discord.Guild, error)
	GetGuild(ctx context.Context, userID, guildID string) (*discord.Guild, error)
	GetGuildChannels(ctx context.Context, userID, guildID string) ([]discord.Channel, error)
}

// TokenReader はトークンの存在確認に使う。token.Storeが実装する。
type TokenReader interface {
	Get(ctx context.Context, userID string) (*model.Token, error)
}

// Enqueuer は次ステージのジョブ投入先。queue.Queueが実装する。
type Enqueuer interface {
	Enqueue(ctx context.Context, p job.Payload, opts job.Options) (string, error)
}

// ChannelRegistrar は取り込んだチャンネルの定期取得を登録する。schedule.Reconcilerが実装する。
type ChannelRegistrar interface {
	RegisterChannel(ctx context.Context, ch *model.Channel) error
}

// Result はステージの処理結果。
type Result struct {
	// Count はIndexUserではギルド数、IndexChannelsでは保存したチャンネル数
	Count int
	// Skipped は取り込み対象外として捨てたチャンネル数
	Skipped int
}

// Status はユーザーの探索状態。
type Status struct {
	NeedsIndexing bool `json:"needs_indexing"`
	ServerCount   int  `json:"server_count"`
}

// Pipeline は探索パイプライン。
type Pipeline struct {
	users     repository.UserRepository
	servers   repository.ServerRepository
	channels  repository.ChannelRepository
	tokens    TokenReader
	api       DiscordAPI
	queue     Enqueuer
	scheduler ChannelRegistrar
	logger    *slog.Logger
}

// NewPipeline はPipelineを生成する。schedulerがnilの場合は定期取得を登録しない。
func NewPipeline(
	users repository.UserRepository,
	servers repository.ServerRepository,
	channels repository.ChannelRepository,
	tokens TokenReader,
	api DiscordAPI,
	queue Enqueuer,
	scheduler ChannelRegistrar,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		users:     users,
		servers:   servers,
		channels:  channels,
		tokens:    tokens,
		api:       api,
		queue:     queue,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Start はユーザーの探索を開始し、投入したジョブのIDを返す。
func (p *Pipeline) Start(ctx context.Context, userID string) (string, error) {
	id, err := p.queue.Enqueue(ctx, job.IndexUser{UserID: userID}, job.DiscoveryOptions())
	if err != nil {
		return "", fmt.Errorf("探索ジョブの投入に失敗しました: %w", err)
	}
	p.logger.Info("ユーザーの探索を開始しました",
		slog.String("user_id", userID),
		slog.String("job_id", id),
	)
	return id, nil
}

// Status はユーザーの参加サーバー数を返す。1件もなければ探索が必要。
func (p *Pipeline) Status(ctx context.Context, userID string) (*Status, error) {
	n, err := p.servers.CountByUserID(ctx, userID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "count servers", Err: err}
	}
	return &Status{NeedsIndexing: n == 0, ServerCount: n}, nil
}

// IndexUser はユーザーのギルド一覧を取得し、ギルドごとにIndexGuildを投入する。
// ユーザーまたはトークンがない場合は再試行しない。
func (p *Pipeline) IndexUser(ctx context.Context, in job.IndexUser) (*Result, error) {
	user, err := p.users.FindByID(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, job.Permanent(fmt.Errorf("ユーザー %s が見つかりません", in.UserID))
	}
	tok, err := p.tokens.Get(ctx, in.UserID)
	if err != nil || tok == nil {
		return nil, job.Permanent(fmt.Errorf("ユーザー %s のトークンがありません: %w", in.UserID, model.ErrAuthUnavailable))
	}

	guilds, err := p.api.GetGuilds(ctx, in.UserID)
	if err != nil {
		return nil, classify(err)
	}

	for _, g := range guilds {
		payload := job.IndexGuild{
			UserID:  in.UserID,
			GuildID: g.ID,
			Guild:   job.GuildInfo{ID: g.ID, Name: g.Name, Icon: g.Icon},
		}
		if _, err := p.queue.Enqueue(ctx, payload, job.DiscoveryOptions()); err != nil {
			return nil, fmt.Errorf("ギルド %s の探索ジョブ投入に失敗しました: %w", g.ID, err)
		}
	}

	p.logger.Info("ギルド一覧を取り込みました",
		slog.String("user_id", in.UserID),
		slog.Int("guild_count", len(guilds)),
	)
	return &Result{Count: len(guilds)}, nil
}

// IndexGuild はサーバーとメンバーシップを保存し、IndexChannelsを投入する。
// ペイロードにギルド名がなければAPIから取得し直す。
func (p *Pipeline) IndexGuild(ctx context.Context, in job.IndexGuild) (*Result, error) {
	info := in.Guild
	if info.Name == "" {
		g, err := p.api.GetGuild(ctx, in.UserID, in.GuildID)
		if err != nil {
			return nil, classify(err)
		}
		info = job.GuildInfo{ID: g.ID, Name: g.Name, Icon: g.Icon}
	}

	server := &model.Server{ID: in.GuildID, Name: info.Name, Icon: info.Icon}
	if err := p.servers.Upsert(ctx, server); err != nil {
		return nil, &model.PersistenceError{Op: "upsert server", Err: err}
	}
	if err := p.servers.AddMember(ctx, in.UserID, in.GuildID); err != nil {
		return nil, &model.PersistenceError{Op: "add member", Err: err}
	}

	if _, err := p.queue.Enqueue(ctx, job.IndexChannels{UserID: in.UserID, GuildID: in.GuildID}, job.DiscoveryOptions()); err != nil {
		return nil, fmt.Errorf("チャンネル探索ジョブの投入に失敗しました: %w", err)
	}

	p.logger.Info("サーバーを取り込みました",
		slog.String("user_id", in.UserID),
		slog.String("server_id", in.GuildID),
		slog.String("server_name", info.Name),
	)
	return &Result{Count: 1}, nil
}

// IndexChannels はギルドのチャンネルを取得し、テキスト・ボイス・アナウンスのみ保存する。
func (p *Pipeline) IndexChannels(ctx context.Context, in job.IndexChannels) (*Result, error) {
	remote, err := p.api.GetGuildChannels(ctx, in.UserID, in.GuildID)
	if err != nil {
		return nil, classify(err)
	}

	res := &Result{}
	for _, rc := range remote {
		ch := rc.ToModel(in.GuildID)
		if !ch.Type.IsRetained() {
			res.Skipped++
			continue
		}
		if err := p.channels.Upsert(ctx, ch); err != nil {
			return nil, &model.PersistenceError{Op: "upsert channel", Err: err}
		}
		res.Count++
		p.register(ctx, ch.ID)
	}

	p.logger.Info("チャンネルを取り込みました",
		slog.String("user_id", in.UserID),
		slog.String("server_id", in.GuildID),
		slog.Int("channel_count", res.Count),
		slog.Int("skipped_count", res.Skipped),
	)
	return res, nil
}

// register は保存済みのチャンネルを読み直して定期取得を登録する。
// 優先度とWebhookは永続ストア側の値を使う。登録の失敗は次回の再構成に任せる。
func (p *Pipeline) register(ctx context.Context, channelID string) {
	if p.scheduler == nil {
		return
	}
	ch, err := p.channels.FindByID(ctx, channelID)
	if err == nil && ch != nil {
		err = p.scheduler.RegisterChannel(ctx, ch)
	}
	if err != nil {
		p.logger.Warn("チャンネルの定期取得の登録に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}
}

// classify はAPIエラーのうち再試行しても結果が変わらないものをPermanentにする。
func classify(err error) error {
	if errors.Is(err, model.ErrAuthUnavailable) {
		return job.Permanent(err)
	}
	var apiErr *model.DiscordAPIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return job.Permanent(err)
		}
	}
	return err
}
