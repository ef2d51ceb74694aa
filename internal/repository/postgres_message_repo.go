package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/discordfeed/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Upsert はdiscord_msg_idをキーにメッセージを冪等に保存する。
// 本文・添付・埋め込み・リアクションは上書きし、既読フラグは変更しない。
// xmaxが0の行は今回INSERTされた行であることを利用して新規作成かを判定する。
func (r *PostgresMessageRepo) Upsert(ctx context.Context, msg *model.Message) (bool, error) {
	var inserted bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (discord_msg_id, channel_id, author_id, author_name, content, timestamp,
		                       attachments, embeds, reactions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (discord_msg_id) DO UPDATE SET
		     content     = EXCLUDED.content,
		     author_name = EXCLUDED.author_name,
		     attachments = EXCLUDED.attachments,
		     embeds      = EXCLUDED.embeds,
		     reactions   = EXCLUDED.reactions,
		     updated_at  = now()
		 RETURNING id, is_read, (xmax = 0)`,
		msg.DiscordMsgID, msg.ChannelID, msg.AuthorID, msg.AuthorName, msg.Content, msg.Timestamp.UTC(),
		jsonOrEmptyArray(msg.Attachments), jsonOrEmptyArray(msg.Embeds), jsonOrEmptyArray(msg.Reactions),
	).Scan(&msg.ID, &msg.IsRead, &inserted)
	if err != nil {
		return false, fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}
	return inserted, nil
}

// ListRecentByChannel はチャンネルの最新メッセージをtimestamp降順でlimit件返す。
func (r *PostgresMessageRepo) ListRecentByChannel(ctx context.Context, channelID string, limit int) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, discord_msg_id, channel_id, author_id, author_name, content, timestamp,
		        attachments, embeds, reactions, is_read
		 FROM messages
		 WHERE channel_id = $1
		 ORDER BY timestamp DESC, discord_msg_id DESC
		 LIMIT $2`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	messages := make([]*model.Message, 0, limit)
	for rows.Next() {
		m := &model.Message{}
		var attachments, embeds, reactions []byte
		if err := rows.Scan(
			&m.ID, &m.DiscordMsgID, &m.ChannelID, &m.AuthorID, &m.AuthorName, &m.Content, &m.Timestamp,
			&attachments, &embeds, &reactions, &m.IsRead,
		); err != nil {
			return nil, fmt.Errorf("メッセージのスキャンに失敗しました: %w", err)
		}
		m.Attachments = json.RawMessage(attachments)
		m.Embeds = json.RawMessage(embeds)
		m.Reactions = json.RawMessage(reactions)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の読み込みに失敗しました: %w", err)
	}
	return messages, nil
}

// MarkRead は指定メッセージを既読にし、対象メッセージの最新timestampを返す。
func (r *PostgresMessageRepo) MarkRead(ctx context.Context, channelID string, discordMsgIDs []string) (*time.Time, error) {
	if len(discordMsgIDs) == 0 {
		return nil, nil
	}

	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`WITH updated AS (
		     UPDATE messages SET is_read = true, updated_at = now()
		     WHERE channel_id = $1 AND discord_msg_id = ANY($2)
		     RETURNING timestamp
		 )
		 SELECT max(timestamp) FROM updated`,
		channelID, pq.Array(discordMsgIDs),
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("メッセージの既読更新に失敗しました: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

// MarkUnread は指定メッセージを未読に戻す。
func (r *PostgresMessageRepo) MarkUnread(ctx context.Context, discordMsgID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET is_read = false, updated_at = now() WHERE discord_msg_id = $1`,
		discordMsgID,
	)
	if err != nil {
		return fmt.Errorf("メッセージの未読更新に失敗しました: %w", err)
	}
	return nil
}

// CountUnreadAfter はチャンネル内でsinceより新しいメッセージ数を返す。
func (r *PostgresMessageRepo) CountUnreadAfter(ctx context.Context, channelID string, since *time.Time) (int, error) {
	var sinceArg sql.NullTime
	if since != nil {
		sinceArg = sql.NullTime{Time: since.UTC(), Valid: true}
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM messages
		 WHERE channel_id = $1 AND ($2::timestamptz IS NULL OR timestamp > $2)`,
		channelID, sinceArg,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// UnreadCountsByUser はユーザーが参加している全チャンネルの未読数を返す。
// 既読位置がないチャンネルは全メッセージを未読として数える。
func (r *PostgresMessageRepo) UnreadCountsByUser(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, count(m.id)
		 FROM server_members sm
		 JOIN channels c ON c.server_id = sm.server_id
		 LEFT JOIN last_reads lr ON lr.channel_id = c.id AND lr.user_id = sm.user_id
		 LEFT JOIN messages m ON m.channel_id = c.id
		     AND (lr.last_read_at IS NULL OR m.timestamp > lr.last_read_at)
		 WHERE sm.user_id = $1
		 GROUP BY c.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("未読数一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var channelID string
		var count int
		if err := rows.Scan(&channelID, &count); err != nil {
			return nil, fmt.Errorf("未読数のスキャンに失敗しました: %w", err)
		}
		counts[channelID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未読数一覧の読み込みに失敗しました: %w", err)
	}
	return counts, nil
}

// jsonOrEmptyArray はJSONB列に渡す値を返す。空の場合は空配列とする。
func jsonOrEmptyArray(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "[]"
	}
	return string(raw)
}
