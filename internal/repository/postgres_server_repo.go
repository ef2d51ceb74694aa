package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/discordfeed/internal/model"
)

// PostgresServerRepo はPostgreSQLを使用したサーバー・メンバーシップリポジトリ。
type PostgresServerRepo struct {
	db *sql.DB
}

// NewPostgresServerRepo はPostgresServerRepoを生成する。
func NewPostgresServerRepo(db *sql.DB) *PostgresServerRepo {
	return &PostgresServerRepo{db: db}
}

// Upsert はサーバーを作成または更新する。
func (r *PostgresServerRepo) Upsert(ctx context.Context, server *model.Server) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, icon)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		     name       = EXCLUDED.name,
		     icon       = EXCLUDED.icon,
		     updated_at = now()`,
		server.ID, server.Name, nullString(server.Icon),
	)
	if err != nil {
		return fmt.Errorf("サーバーの保存に失敗しました: %w", err)
	}
	return nil
}

// AddMember はメンバーシップを作成する。既に存在する場合は何もしない。
func (r *PostgresServerRepo) AddMember(ctx context.Context, userID, serverID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO server_members (user_id, server_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, server_id) DO NOTHING`,
		userID, serverID,
	)
	if err != nil {
		return fmt.Errorf("メンバーシップの保存に失敗しました: %w", err)
	}
	return nil
}

// IsMember はユーザーがサーバーに参加しているかを返す。
func (r *PostgresServerRepo) IsMember(ctx context.Context, userID, serverID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM server_members WHERE user_id = $1 AND server_id = $2)`,
		userID, serverID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CountByUserID はユーザーが参加しているサーバー数を返す。
func (r *PostgresServerRepo) CountByUserID(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM server_members WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("サーバー数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListByUserID はユーザーが参加しているサーバーを名前順で返す。
func (r *PostgresServerRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Server, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.icon, s.created_at, s.updated_at
		 FROM servers s
		 JOIN server_members m ON m.server_id = s.id
		 WHERE m.user_id = $1
		 ORDER BY s.name, s.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("サーバー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		s := &model.Server{}
		var icon sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &icon, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("サーバーのスキャンに失敗しました: %w", err)
		}
		s.Icon = nullStringValue(icon)
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("サーバー一覧の読み込みに失敗しました: %w", err)
	}
	return servers, nil
}

// ListMemberUserIDs はサーバーに参加しているユーザーIDを参加が古い順に返す。
func (r *PostgresServerRepo) ListMemberUserIDs(ctx context.Context, serverID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM server_members WHERE server_id = $1 ORDER BY joined_at, user_id`,
		serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("メンバー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("メンバーのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メンバー一覧の読み込みに失敗しました: %w", err)
	}
	return ids, nil
}
