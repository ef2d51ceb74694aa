package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/discordfeed/internal/model"
)

// TokenService はトークンの受け渡し。token.Storeが実装する。
type TokenService interface {
	Store(ctx context.Context, userID string, tok *model.Token) error
	Delete(ctx context.Context, userID string) error
	Purge(ctx context.Context, userID string) error
}

// UserUpserter はユーザーの作成・更新。repository.UserRepositoryが実装する。
type UserUpserter interface {
	Upsert(ctx context.Context, user *model.User) error
}

// TokenHandler は認証基盤から渡されたDiscordトークンを保存・削除する。
type TokenHandler struct {
	tokens TokenService
	users  UserUpserter
	now    func() time.Time
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(tokens TokenService, users UserUpserter) *TokenHandler {
	return &TokenHandler{tokens: tokens, users: users, now: time.Now}
}

// storeTokenRequest はトークン保存リクエスト。
// expires_atとexpires_in（秒）のどちらかで有効期限を指定する。
type storeTokenRequest struct {
	AccessToken  string     `json:"access_token" validate:"required"`
	RefreshToken string     `json:"refresh_token" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ExpiresIn    int64      `json:"expires_in,omitempty" validate:"gte=0"`
	DiscordID    string     `json:"discord_id,omitempty" validate:"omitempty,max=32"`
	Username     string     `json:"username,omitempty" validate:"omitempty,max=100"`
}

type storeTokenResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store はユーザーを登録し、トークンを保存する。
// PUT /api/tokens
func (h *TokenHandler) Store(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req storeTokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var expiresAt time.Time
	switch {
	case req.ExpiresAt != nil:
		expiresAt = *req.ExpiresAt
	case req.ExpiresIn > 0:
		expiresAt = h.now().Add(time.Duration(req.ExpiresIn) * time.Second)
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("expires_atまたはexpires_inを指定してください"))
		return
	}

	// トークンはusersを参照するため、先にユーザーを作成する
	if err := h.users.Upsert(r.Context(), &model.User{ID: userID, DiscordID: req.DiscordID, Username: req.Username}); err != nil {
		handleServiceError(w, &model.PersistenceError{Op: "upsert user", Err: err})
		return
	}

	tok := &model.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	if err := h.tokens.Store(r.Context(), userID, tok); err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("トークンを受け取りました",
		slog.String("user_id", userID),
		slog.Time("expires_at", expiresAt),
	)
	writeJSON(w, http.StatusOK, storeTokenResponse{Success: true, ExpiresAt: expiresAt})
}

// Delete はキャッシュ上のトークンを削除する（ログアウト）。
// DELETE /api/tokens
//
// purge=trueを指定すると永続ストアからも削除する（連携解除）。
func (h *TokenHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	purge := false
	if v := r.URL.Query().Get("purge"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("purgeはtrueまたはfalseで指定してください"))
			return
		}
		purge = b
	}

	var err error
	if purge {
		err = h.tokens.Purge(r.Context(), userID)
	} else {
		err = h.tokens.Delete(r.Context(), userID)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
