package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/discordfeed/internal/model"
)

// PostgresLastReadRepo はPostgreSQLを使用した既読位置リポジトリ。
type PostgresLastReadRepo struct {
	db *sql.DB
}

// NewPostgresLastReadRepo はPostgresLastReadRepoを生成する。
func NewPostgresLastReadRepo(db *sql.DB) *PostgresLastReadRepo {
	return &PostgresLastReadRepo{db: db}
}

// Find はユーザーとチャンネルの既読位置を取得する。見つからない場合はnilを返す。
func (r *PostgresLastReadRepo) Find(ctx context.Context, userID, channelID string) (*model.LastRead, error) {
	lr := &model.LastRead{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, channel_id, last_read_at FROM last_reads WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID,
	).Scan(&lr.UserID, &lr.ChannelID, &lr.LastReadAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("既読位置の取得に失敗しました: %w", err)
	}
	return lr, nil
}

// Upsert は既読位置を保存する。既存の値より古い時刻では後退させない。
func (r *PostgresLastReadRepo) Upsert(ctx context.Context, lr *model.LastRead) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO last_reads (user_id, channel_id, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, channel_id) DO UPDATE SET
		     last_read_at = GREATEST(last_reads.last_read_at, EXCLUDED.last_read_at),
		     updated_at   = now()`,
		lr.UserID, lr.ChannelID, lr.LastReadAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("既読位置の保存に失敗しました: %w", err)
	}
	return nil
}

// ListByChannel はチャンネルの全ユーザーの既読位置を返す。
func (r *PostgresLastReadRepo) ListByChannel(ctx context.Context, channelID string) ([]*model.LastRead, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, channel_id, last_read_at FROM last_reads WHERE channel_id = $1`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("既読位置一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.LastRead
	for rows.Next() {
		lr := &model.LastRead{}
		if err := rows.Scan(&lr.UserID, &lr.ChannelID, &lr.LastReadAt); err != nil {
			return nil, fmt.Errorf("既読位置のスキャンに失敗しました: %w", err)
		}
		list = append(list, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既読位置一覧の読み込みに失敗しました: %w", err)
	}
	return list, nil
}
