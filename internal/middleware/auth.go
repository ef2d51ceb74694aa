// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/discordfeed/internal/model"
)

// UserIDHeader は上流の認証プロキシが認証済みユーザーIDを設定するヘッダー。
const UserIDHeader = "X-User-ID"

// maxUserIDLength はユーザーIDとして受け付ける最大長。
const maxUserIDLength = 128

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// NewAuthMiddleware はX-User-IDヘッダーから認証済みユーザーIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// 認証自体は上流のプロキシが行うため、ここでは値の有無と形式のみ検証する。
// ヘッダーがない、または不正な場合は401 Unauthorizedを返す。
func NewAuthMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if !validUserID(userID) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validUserID は空でなく、長さ上限以内で、制御文字を含まないIDかを判定する。
func validUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLength {
		return false
	}
	for _, c := range id {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
