// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/discordfeed/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はユーザーを作成または更新する。
	Upsert(ctx context.Context, user *model.User) error
}

// TokenRepository はDiscordトークンの永続化インターフェース。
// (user_id, provider) ごとに1件のみ保持する。
type TokenRepository interface {
	// Upsert はトークンを冪等に保存する。
	Upsert(ctx context.Context, token *model.Token) error

	// FindByUserID はユーザーのトークンを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Token, error)

	// DeleteByUserID はユーザーのトークンを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ServerRepository はサーバーとメンバーシップの永続化インターフェース。
type ServerRepository interface {
	// Upsert はサーバーを作成または更新する。
	Upsert(ctx context.Context, server *model.Server) error

	// AddMember はメンバーシップを作成する。既に存在する場合は何もしない。
	AddMember(ctx context.Context, userID, serverID string) error

	// IsMember はユーザーがサーバーに参加しているかを返す。
	IsMember(ctx context.Context, userID, serverID string) (bool, error)

	// CountByUserID はユーザーが参加しているサーバー数を返す。
	CountByUserID(ctx context.Context, userID string) (int, error)

	// ListByUserID はユーザーが参加しているサーバーを名前順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Server, error)

	// ListMemberUserIDs はサーバーに参加しているユーザーIDを返す。
	ListMemberUserIDs(ctx context.Context, serverID string) ([]string, error)
}

// ChannelRepository はチャンネルの永続化インターフェース。
type ChannelRepository interface {
	// Upsert はチャンネルを作成または更新する。
	// 既存チャンネルのpriorityとwebhook_idは保持する。
	Upsert(ctx context.Context, channel *model.Channel) error

	// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Channel, error)

	// ListByServerID はサーバーのチャンネルをposition順で返す。
	ListByServerID(ctx context.Context, serverID string) ([]*model.Channel, error)

	// ListAll は全チャンネルを返す。スケジュール再構成に使用する。
	ListAll(ctx context.Context) ([]*model.Channel, error)

	// UpdateLastFetchedAt はメッセージ取得時刻を記録する。
	UpdateLastFetchedAt(ctx context.Context, id string, fetchedAt time.Time) error
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// Upsert はdiscord_msg_idをキーにメッセージを冪等に保存する。
	// 新規作成した場合はtrueを返す。
	Upsert(ctx context.Context, msg *model.Message) (bool, error)

	// ListRecentByChannel はチャンネルの最新メッセージをtimestamp降順でlimit件返す。
	ListRecentByChannel(ctx context.Context, channelID string, limit int) ([]*model.Message, error)

	// MarkRead は指定メッセージを既読にし、対象メッセージの最新timestampを返す。
	// 対象が存在しない場合はnilを返す。
	MarkRead(ctx context.Context, channelID string, discordMsgIDs []string) (*time.Time, error)

	// MarkUnread は指定メッセージを未読に戻す。
	MarkUnread(ctx context.Context, discordMsgID string) error

	// CountUnreadAfter はチャンネル内でsinceより新しいメッセージ数を返す。
	// sinceがnilの場合は全件を未読として数える。
	CountUnreadAfter(ctx context.Context, channelID string, since *time.Time) (int, error)

	// UnreadCountsByUser はユーザーが参加している全チャンネルの未読数を返す。
	UnreadCountsByUser(ctx context.Context, userID string) (map[string]int, error)
}

// LastReadRepository は既読位置の永続化インターフェース。
type LastReadRepository interface {
	// Find はユーザーとチャンネルの既読位置を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID, channelID string) (*model.LastRead, error)

	// Upsert は既読位置を保存する。既存の値より古い時刻では後退させない。
	Upsert(ctx context.Context, lastRead *model.LastRead) error

	// ListByChannel はチャンネルの全ユーザーの既読位置を返す。
	ListByChannel(ctx context.Context, channelID string) ([]*model.LastRead, error)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
