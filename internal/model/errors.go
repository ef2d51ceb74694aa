package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, discord, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeChannelNotFound  = "CHANNEL_NOT_FOUND"
	ErrCodeNotMember        = "NOT_MEMBER"
	ErrCodeTokenUnavailable = "TOKEN_UNAVAILABLE"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewChannelNotFoundError はチャンネル未検出エラーを生成する。
func NewChannelNotFoundError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  fmt.Sprintf("指定されたチャンネルが見つかりません: %s", channelID),
		Category: "discord",
		Action:   "チャンネルIDを確認するか、サーバー情報の再取得を実行してください。",
	}
}

// NewNotMemberError はチャンネルの所属サーバーにユーザーが参加していない場合のエラーを生成する。
func NewNotMemberError() *APIError {
	return &APIError{
		Code:     ErrCodeNotMember,
		Message:  "このチャンネルへのアクセス権がありません。",
		Category: "auth",
		Action:   "サーバーに参加しているか確認してください。",
	}
}

// NewTokenUnavailableError はDiscordトークンが利用できない場合のエラーを生成する。
func NewTokenUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenUnavailable,
		Message:  "Discordの認証情報が見つかりません。",
		Category: "auth",
		Action:   "Discordで再ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitedError は受信側のレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// --- パイプライン内部のエラー分類 ---

var (
	// ErrAuthUnavailable はユーザーの有効なトークンが存在しないことを示す。
	ErrAuthUnavailable = errors.New("discord auth unavailable")

	// ErrRateLimitExceeded は429のリトライ上限に達したことを示す。
	ErrRateLimitExceeded = errors.New("discord rate limit exceeded")

	// ErrRefreshFailed はトークンのリフレッシュに失敗したことを示す。
	// 呼び出し側には「トークンなし」として扱われ、ログにのみ記録される。
	ErrRefreshFailed = errors.New("discord token refresh failed")
)

// DiscordAPIError はDiscord APIが2xx以外を返したことを表す。
type DiscordAPIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *DiscordAPIError) Error() string {
	return fmt.Sprintf("discord api %s %s returned status %d", e.Method, e.Path, e.StatusCode)
}

// PersistenceError は永続ストアへの読み書き失敗を表す。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CacheError は高速キャッシュへの読み書き失敗を表す。
// 永続ストアが正である経路では記録のみで処理を継続する。
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// StatusCodeOf はerrがDiscordAPIErrorを含む場合にそのステータスコードを返す。
func StatusCodeOf(err error) (int, bool) {
	var apiErr *DiscordAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
