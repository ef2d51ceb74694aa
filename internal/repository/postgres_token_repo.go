package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/discordfeed/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したDiscordトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Upsert はUNIQUE(user_id, provider)制約を利用してトークンを冪等に保存する。
func (r *PostgresTokenRepo) Upsert(ctx context.Context, token *model.Token) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO discord_tokens (user_id, provider, access_token, refresh_token, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		     access_token  = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     expires_at    = EXCLUDED.expires_at,
		     updated_at    = now()`,
		token.UserID, model.TokenProviderDiscord, token.AccessToken, token.RefreshToken, token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByUserID はユーザーのトークンを取得する。見つからない場合はnilを返す。
func (r *PostgresTokenRepo) FindByUserID(ctx context.Context, userID string) (*model.Token, error) {
	token := &model.Token{}

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at
		 FROM discord_tokens WHERE user_id = $1 AND provider = $2`,
		userID, model.TokenProviderDiscord,
	).Scan(&token.UserID, &token.AccessToken, &token.RefreshToken, &token.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}
	return token, nil
}

// DeleteByUserID はユーザーのトークンを削除する。
func (r *PostgresTokenRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM discord_tokens WHERE user_id = $1 AND provider = $2`,
		userID, model.TokenProviderDiscord,
	)
	if err != nil {
		return fmt.Errorf("トークンの削除に失敗しました: %w", err)
	}
	return nil
}
