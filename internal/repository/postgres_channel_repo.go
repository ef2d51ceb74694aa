package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/discordfeed/internal/model"
)

// PostgresChannelRepo はPostgreSQLを使用したチャンネルリポジトリ。
type PostgresChannelRepo struct {
	db *sql.DB
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
func NewPostgresChannelRepo(db *sql.DB) *PostgresChannelRepo {
	return &PostgresChannelRepo{db: db}
}

const channelColumns = `id, server_id, name, type, parent_id, position, priority, webhook_id,
	last_fetched_at, created_at, updated_at`

// Upsert はチャンネルを作成または更新する。
// Discordから取得できる属性のみ更新し、priorityとwebhook_idは既存値を維持する。
func (r *PostgresChannelRepo) Upsert(ctx context.Context, ch *model.Channel) error {
	priority := ch.Priority
	if priority <= 0 {
		priority = model.DefaultChannelPriority
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, server_id, name, type, parent_id, position, priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     server_id  = EXCLUDED.server_id,
		     name       = EXCLUDED.name,
		     type       = EXCLUDED.type,
		     parent_id  = EXCLUDED.parent_id,
		     position   = EXCLUDED.position,
		     updated_at = now()`,
		ch.ID, ch.ServerID, ch.Name, int(ch.Type), nullString(ch.ParentID), ch.Position, priority,
	)
	if err != nil {
		return fmt.Errorf("チャンネルの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`,
		id,
	)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	return ch, nil
}

// ListByServerID はサーバーのチャンネルをposition順で返す。
func (r *PostgresChannelRepo) ListByServerID(ctx context.Context, serverID string) ([]*model.Channel, error) {
	return r.list(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE server_id = $1 ORDER BY position, id`,
		serverID,
	)
}

// ListAll は全チャンネルを返す。
func (r *PostgresChannelRepo) ListAll(ctx context.Context) ([]*model.Channel, error) {
	return r.list(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
}

// UpdateLastFetchedAt はメッセージ取得時刻を記録する。
func (r *PostgresChannelRepo) UpdateLastFetchedAt(ctx context.Context, id string, fetchedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels SET last_fetched_at = $2, updated_at = now() WHERE id = $1`,
		id, fetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("チャンネル取得時刻の更新に失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresChannelRepo) list(ctx context.Context, query string, args ...any) ([]*model.Channel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("チャンネル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("チャンネルのスキャンに失敗しました: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チャンネル一覧の読み込みに失敗しました: %w", err)
	}
	return channels, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(s rowScanner) (*model.Channel, error) {
	ch := &model.Channel{}
	var typ int
	var parentID, webhookID sql.NullString
	var lastFetchedAt sql.NullTime

	if err := s.Scan(
		&ch.ID, &ch.ServerID, &ch.Name, &typ, &parentID, &ch.Position, &ch.Priority, &webhookID,
		&lastFetchedAt, &ch.CreatedAt, &ch.UpdatedAt,
	); err != nil {
		return nil, err
	}

	ch.Type = model.ChannelType(typ)
	ch.ParentID = nullStringValue(parentID)
	ch.WebhookID = nullStringValue(webhookID)
	if lastFetchedAt.Valid {
		t := lastFetchedAt.Time
		ch.LastFetchedAt = &t
	}
	return ch, nil
}
