package discord

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hitoshi/discordfeed/internal/model"
)

// Guild は /users/@me/guilds と /guilds/{id} のレスポンス要素。
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Owner       bool   `json:"owner"`
	Permissions string `json:"permissions"`
}

// ToModel はGuildをドメインモデルに変換する。
func (g Guild) ToModel() *model.Server {
	return &model.Server{ID: g.ID, Name: g.Name, Icon: g.Icon}
}

// Channel は /guilds/{id}/channels のレスポンス要素。
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Type     int    `json:"type"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Position int    `json:"position"`
}

// ToModel はChannelをドメインモデルに変換する。
// guild_idが省略されている場合はserverIDを使用する。
func (c Channel) ToModel(serverID string) *model.Channel {
	if c.GuildID != "" {
		serverID = c.GuildID
	}
	return &model.Channel{
		ID:       c.ID,
		ServerID: serverID,
		Name:     c.Name,
		Type:     model.ChannelType(c.Type),
		ParentID: c.ParentID,
		Position: c.Position,
		Priority: model.DefaultChannelPriority,
	}
}

// User はメッセージ投稿者。
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

// DisplayName は表示名を返す。global_nameがなければusernameを使う。
func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Message は /channels/{id}/messages のレスポンス要素。
// Webhookイベントのペイロードも同じ形でデコードする。
type Message struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	Author      User            `json:"author"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	Attachments json.RawMessage `json:"attachments"`
	Embeds      json.RawMessage `json:"embeds"`
	Reactions   json.RawMessage `json:"reactions"`
}

// ToModel はMessageをドメインモデルに変換する。
// channel_idが省略されている場合はchannelIDを使用する。
func (m Message) ToModel(channelID string) *model.Message {
	if m.ChannelID != "" {
		channelID = m.ChannelID
	}
	return &model.Message{
		DiscordMsgID: m.ID,
		ChannelID:    channelID,
		AuthorID:     m.Author.ID,
		AuthorName:   m.Author.DisplayName(),
		Content:      m.Content,
		Timestamp:    m.Timestamp,
		Attachments:  rawArray(m.Attachments),
		Embeds:       rawArray(m.Embeds),
		Reactions:    rawArray(m.Reactions),
	}
}

// rawArray は欠損またはnullのJSONを空配列にそろえる。
func rawArray(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("[]")
	}
	return raw
}

// MessagesOptions はメッセージ取得のクエリパラメータ。
type MessagesOptions struct {
	// After はこのsnowflakeより新しいメッセージのみを取得する。
	After string
	// Before はこのsnowflakeより古いメッセージのみを取得する。
	Before string
	// Limit は取得件数（1〜100）。0の場合は50件。
	Limit int
}
