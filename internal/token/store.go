// Package token はユーザーごとのDiscord OAuthトークンを管理する。
package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/discordfeed/internal/cache"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
)

const (
	// DefaultCacheTTL はキャッシュ上のトークンの保持期間。
	DefaultCacheTTL = 24 * time.Hour

	// refreshWindow は有効期限までの残り時間がこの値以下になったらリフレッシュする閾値。
	refreshWindow = 5 * time.Minute
)

// NeedsRefresh はトークンの有効期限がnowから5分以内（期限切れを含む）かを返す。
func NeedsRefresh(tok *model.Token, now time.Time) bool {
	return tok.ExpiresAt.Sub(now) <= refreshWindow
}

// Store はトークンを高速キャッシュと永続ストアの両方に保存する。
// 読み出しはキャッシュのみを参照し、キャッシュにない場合は「セッションなし」として扱う。
type Store struct {
	cache  cache.Cache
	repo   repository.TokenRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore はStoreを生成する。ttlが0以下の場合は24時間を使用する。
func NewStore(c cache.Cache, repo repository.TokenRepository, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		cache:  c,
		repo:   repo,
		ttl:    ttl,
		logger: logger,
	}
}

// Store はトークンを永続ストアとキャッシュ（TTL付き）の順に書き込む。
// 永続ストアへの書き込みに失敗した場合はキャッシュに触れずにエラーを返す。
// 引数のトークンは変更しない。
func (s *Store) Store(ctx context.Context, userID string, tok *model.Token) error {
	stamped := *tok
	stamped.UserID = userID

	if err := s.repo.Upsert(ctx, &stamped); err != nil {
		return &model.PersistenceError{Op: "upsert token", Err: err}
	}

	key := cache.TokenKey(userID)
	if err := cache.SetJSON(ctx, s.cache, key, &stamped, s.ttl); err != nil {
		return &model.CacheError{Op: "set", Key: key, Err: err}
	}

	s.logger.Debug("トークンを保存しました",
		slog.String("user_id", userID),
		slog.Time("expires_at", stamped.ExpiresAt),
	)
	return nil
}

// Get はキャッシュからトークンを取得する。存在しない場合は(nil, nil)を返す。
func (s *Store) Get(ctx context.Context, userID string) (*model.Token, error) {
	key := cache.TokenKey(userID)

	var tok model.Token
	found, err := cache.GetJSON(ctx, s.cache, key, &tok)
	if err != nil {
		return nil, &model.CacheError{Op: "get", Key: key, Err: err}
	}
	if !found {
		return nil, nil
	}
	if tok.UserID == "" {
		tok.UserID = userID
	}
	return &tok, nil
}

// Delete はキャッシュからトークンを削除する。ログアウト時に使用する。
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := cache.TokenKey(userID)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("トークンの削除に失敗しました: %w", &model.CacheError{Op: "delete", Key: key, Err: err})
	}
	return nil
}

// Purge はキャッシュと永続ストアの両方からトークンを削除する。
// 連携解除時に使用し、以後のリフレッシュも行われなくなる。
func (s *Store) Purge(ctx context.Context, userID string) error {
	if err := s.Delete(ctx, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteByUserID(ctx, userID); err != nil {
		return &model.PersistenceError{Op: "delete token", Err: err}
	}
	s.logger.Info("トークンを削除しました", slog.String("user_id", userID))
	return nil
}
