package cache

import "fmt"

// TokenKey はユーザーのDiscordトークンを保存するキー。
func TokenKey(userID string) string {
	return "discord_token:" + userID
}

// ChannelMessagesKey はチャンネルの最新メッセージスナップショットを保存するキー。
func ChannelMessagesKey(channelID string) string {
	return fmt.Sprintf("channel:%s:messages", channelID)
}

// RateLimitKey はエンドポイントごとのレート制限バケットを保存するキー。
func RateLimitKey(method, path string) string {
	return fmt.Sprintf("ratelimit:%s:%s", method, path)
}
