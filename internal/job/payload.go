// Package job はバックグラウンドジョブのペイロードとキュー投入オプションを定義する。
// ペイロードはKindで識別されるタグ付きユニオンで、Decodeで具体型に復元する。
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind はジョブ種別。jobs.kindに保存される。
type Kind string

const (
	KindIndexUser     Kind = "index_user"
	KindIndexGuild    Kind = "index_guild"
	KindIndexChannels Kind = "index_channels"
	KindFetchMessages Kind = "fetch_messages"
	KindRefreshCache  Kind = "refresh_cache"
	KindRetryFailed   Kind = "retry_failed"
	KindPriorityFetch Kind = "priority_fetch"
)

// ErrInvalidPayload はペイロードの必須項目が欠けていることを示す。
var ErrInvalidPayload = errors.New("invalid job payload")

// Payload はジョブのペイロード。
type Payload interface {
	Kind() Kind
	Validate() error
}

func required(kind Kind, field, value string) error {
	if value == "" {
		return fmt.Errorf("%s: %s is required: %w", kind, field, ErrInvalidPayload)
	}
	return nil
}

// IndexUser はユーザーのギルド探索を開始する。
type IndexUser struct {
	UserID string `json:"user_id"`
}

func (IndexUser) Kind() Kind { return KindIndexUser }

func (p IndexUser) Validate() error { return required(KindIndexUser, "user_id", p.UserID) }

// GuildInfo はギルド一覧で取得したギルドの概要。
type GuildInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// IndexGuild はギルドとメンバーシップを保存する。
type IndexGuild struct {
	UserID  string    `json:"user_id"`
	GuildID string    `json:"guild_id"`
	Guild   GuildInfo `json:"guild"`
}

func (IndexGuild) Kind() Kind { return KindIndexGuild }

func (p IndexGuild) Validate() error {
	if err := required(KindIndexGuild, "user_id", p.UserID); err != nil {
		return err
	}
	return required(KindIndexGuild, "guild_id", p.GuildID)
}

// IndexChannels はギルドのチャンネルを保存する。
type IndexChannels struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
}

func (IndexChannels) Kind() Kind { return KindIndexChannels }

func (p IndexChannels) Validate() error {
	if err := required(KindIndexChannels, "user_id", p.UserID); err != nil {
		return err
	}
	return required(KindIndexChannels, "guild_id", p.GuildID)
}

// FetchMessages はチャンネルの新着メッセージを取得する。
// UserIDが空の場合はサーバーのメンバーのトークンを使う。
type FetchMessages struct {
	ChannelID     string     `json:"channel_id"`
	UserID        string     `json:"user_id,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	Priority      int        `json:"priority,omitempty"`
}

func (FetchMessages) Kind() Kind { return KindFetchMessages }

func (p FetchMessages) Validate() error { return required(KindFetchMessages, "channel_id", p.ChannelID) }

// RefreshCache はチャンネルのスナップショットを永続ストアから再構築する。
type RefreshCache struct {
	ChannelID string `json:"channel_id"`
}

func (RefreshCache) Kind() Kind { return KindRefreshCache }

func (p RefreshCache) Validate() error { return required(KindRefreshCache, "channel_id", p.ChannelID) }

// RetryFailed は失敗したチャンネルの再取得をバックオフ付きで予約する。
type RetryFailed struct {
	ChannelID string `json:"channel_id"`
	Attempt   int    `json:"attempt"`
}

func (RetryFailed) Kind() Kind { return KindRetryFailed }

func (p RetryFailed) Validate() error {
	if err := required(KindRetryFailed, "channel_id", p.ChannelID); err != nil {
		return err
	}
	if p.Attempt < 1 {
		return fmt.Errorf("%s: attempt must be >= 1: %w", KindRetryFailed, ErrInvalidPayload)
	}
	return nil
}

// PriorityFetch は閲覧中のチャンネルを閲覧ユーザーのトークンで即時取得する。
type PriorityFetch struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

func (PriorityFetch) Kind() Kind { return KindPriorityFetch }

func (p PriorityFetch) Validate() error {
	if err := required(KindPriorityFetch, "channel_id", p.ChannelID); err != nil {
		return err
	}
	return required(KindPriorityFetch, "user_id", p.UserID)
}

// Decode はjobs.kindとjobs.payloadから具体的なペイロードを復元し、検証する。
func Decode(kind Kind, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindIndexUser:
		p = &IndexUser{}
	case KindIndexGuild:
		p = &IndexGuild{}
	case KindIndexChannels:
		p = &IndexChannels{}
	case KindFetchMessages:
		p = &FetchMessages{}
	case KindRefreshCache:
		p = &RefreshCache{}
	case KindRetryFailed:
		p = &RetryFailed{}
	case KindPriorityFetch:
		p = &PriorityFetch{}
	default:
		return nil, fmt.Errorf("unknown job kind %q: %w", kind, ErrInvalidPayload)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%s のペイロードのデコードに失敗しました: %w", kind, err)
	}
	p = deref(p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// deref はデコード用のポインタを値型に戻す。
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *IndexUser:
		return *v
	case *IndexGuild:
		return *v
	case *IndexChannels:
		return *v
	case *FetchMessages:
		return *v
	case *RefreshCache:
		return *v
	case *RetryFailed:
		return *v
	case *PriorityFetch:
		return *v
	}
	return p
}
