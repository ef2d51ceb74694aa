package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/discordfeed/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var discordID sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, discord_id, username, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &discordID, &user.Username, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	user.DiscordID = nullStringValue(discordID)
	return user, nil
}

// Upsert はユーザーを作成または更新する。
// 空のdiscord_idやusernameで既存値を上書きしない。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, discord_id, username)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		     discord_id = COALESCE(EXCLUDED.discord_id, users.discord_id),
		     username   = CASE WHEN EXCLUDED.username = '' THEN users.username ELSE EXCLUDED.username END,
		     updated_at = now()`,
		user.ID, nullString(user.DiscordID), user.Username,
	)
	if err != nil {
		return fmt.Errorf("ユーザーの保存に失敗しました: %w", err)
	}
	return nil
}
