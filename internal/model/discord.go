package model

import (
	"encoding/json"
	"time"
)

// Server はDiscordのギルドを表す。IDはDiscordのスノーフレークをそのまま使う。
type Server struct {
	ID        string
	Name      string
	Icon      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership はユーザーとサーバーの所属関係を表す。
type Membership struct {
	UserID   string
	ServerID string
	JoinedAt time.Time
}

// ChannelType はDiscordのチャンネル種別。
type ChannelType int

const (
	ChannelTypeText         ChannelType = 0
	ChannelTypeVoice        ChannelType = 2
	ChannelTypeCategory     ChannelType = 4
	ChannelTypeAnnouncement ChannelType = 5
)

// IsRetained は取り込み対象のチャンネル種別（テキスト・ボイス・アナウンス）かどうかを返す。
func (t ChannelType) IsRetained() bool {
	switch t {
	case ChannelTypeText, ChannelTypeVoice, ChannelTypeAnnouncement:
		return true
	default:
		return false
	}
}

// DefaultChannelPriority はチャンネル作成時の優先度。
const DefaultChannelPriority = 1

// Channel はサーバー配下のチャンネルを表す。
type Channel struct {
	ID            string
	ServerID      string
	Name          string
	Type          ChannelType
	ParentID      string
	Position      int
	Priority      int
	WebhookID     string
	LastFetchedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasWebhook はWebhookによるプッシュ配信が設定済みかを返す。
func (c *Channel) HasWebhook() bool {
	return c.WebhookID != ""
}

// Message は取り込み済みのDiscordメッセージを表す。
// DiscordMsgIDが冪等性キーとなる。
// チャンネルのスナップショットにはこの構造体のJSON配列が保存される。
type Message struct {
	ID           string          `json:"id"`
	DiscordMsgID string          `json:"discord_msg_id"`
	ChannelID    string          `json:"channel_id"`
	AuthorID     string          `json:"author_id"`
	AuthorName   string          `json:"author_name"`
	Content      string          `json:"content"`
	Timestamp    time.Time       `json:"timestamp"`
	Attachments  json.RawMessage `json:"attachments"`
	Embeds       json.RawMessage `json:"embeds"`
	Reactions    json.RawMessage `json:"reactions"`
	IsRead       bool            `json:"is_read"`
}

// MessageView はユーザーごとの未読状態を付与したメッセージ。
type MessageView struct {
	Message
	Unread bool `json:"unread"`
}

// LastRead はユーザーがチャンネルを最後に既読にした時刻を表す。
type LastRead struct {
	UserID     string
	ChannelID  string
	LastReadAt time.Time
}

// RateLimitBucket はDiscordのレート制限ヘッダから得たバケット状態。
// 高速キャッシュにのみ保存し、永続化はしない。
type RateLimitBucket struct {
	Key       string    `json:"key"`
	BucketID  string    `json:"bucket_id,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// ServerSummary はサーバー一覧表示用の集約ビュー。
type ServerSummary struct {
	Server
	Channels []ChannelSummary
}

// ChannelSummary はチャンネルと未読数の組。
type ChannelSummary struct {
	Channel
	UnreadCount int
}
