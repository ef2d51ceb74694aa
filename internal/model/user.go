// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 認証基盤から受け取ったユーザーIDをそのまま主キーとして扱う。
type User struct {
	ID        string
	DiscordID string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenProviderDiscord はdiscord_tokens.providerの値。
const TokenProviderDiscord = "discord"

// Token はユーザーごとのDiscord OAuthトークンを表す。
// 高速キャッシュにはこの構造体のJSONがそのまま保存される。
type Token struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}
