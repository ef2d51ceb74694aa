// Package webhook はDiscordからプッシュされたイベントを取り込む。
// MESSAGE_CREATEは即時に保存とスナップショット更新を行い、
// それ以外のイベントはスナップショットの再構築ジョブに委ねる。
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/discordfeed/internal/discord"
	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/metrics"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/repository"
)

// EventMessageCreate は新規メッセージのイベント種別。
const EventMessageCreate = "MESSAGE_CREATE"

var (
	// ErrMissingChannelID はイベントにchannel_idがないことを示す。
	ErrMissingChannelID = errors.New("channel_id is required")
	// ErrMissingMessageID はMESSAGE_CREATEにidがないことを示す。
	ErrMissingMessageID = errors.New("id is required for MESSAGE_CREATE")
)

// Event はWebhookで受信するイベント。
// イベント種別は文字列のtype、なければtから取る。
// Discordのメッセージオブジェクトをそのまま転送した場合、typeは数値のメッセージ種別になる。
type Event struct {
	Type string `json:"-"`
	T    string `json:"t"`

	// MessageType は数値で送られたtype。tもない場合のみ種別として使う。
	MessageType *int `json:"-"`
	discord.Message
}

// EventType はイベント種別を返す。
func (e *Event) EventType() string {
	if e.Type != "" {
		return e.Type
	}
	if e.T != "" {
		return e.T
	}
	if e.MessageType != nil {
		return strconv.Itoa(*e.MessageType)
	}
	return ""
}

// ParseEvent はリクエストボディをスキーマで検証してからイベントとしてデコードする。
// フィールドの型が合わない場合はErrInvalidEventを返す。
func ParseEvent(body []byte) (*Event, error) {
	if err := validateEvent(body); err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("イベントのデコードに失敗しました: %w", err)
	}
	if err := ev.decodeType(body); err != nil {
		return nil, err
	}
	return &ev, nil
}

// decodeType は文字列または数値のtypeを振り分ける。
func (e *Event) decodeType(body []byte) error {
	var raw struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("イベントのデコードに失敗しました: %w", err)
	}
	if len(raw.Type) == 0 || string(raw.Type) == "null" {
		return nil
	}
	if raw.Type[0] == '"' {
		return json.Unmarshal(raw.Type, &e.Type)
	}
	var code float64
	if err := json.Unmarshal(raw.Type, &code); err != nil {
		return fmt.Errorf("イベントのデコードに失敗しました: %w", err)
	}
	n := int(code)
	e.MessageType = &n
	return nil
}

// Upserter はメッセージ保存のインターフェース。message.Upserterが実装する。
type Upserter interface {
	Upsert(ctx context.Context, msgs []*model.Message) (int, error)
}

// Refresher はスナップショット更新のインターフェース。message.Refresherが実装する。
type Refresher interface {
	Refresh(ctx context.Context, channelID string) ([]*model.Message, error)
}

// Enqueuer はジョブ投入のインターフェース。
type Enqueuer interface {
	Enqueue(ctx context.Context, p job.Payload, opts job.Options) (string, error)
}

// Result は取り込み結果。
type Result struct {
	EventType string `json:"event_type"`
	ChannelID string `json:"channel_id"`
	// Inserted は新規メッセージとして保存されたか
	Inserted bool `json:"inserted,omitempty"`
	// UnreadFor はこのメッセージが未読となるユーザー数
	UnreadFor int `json:"unread_for,omitempty"`
	// JobID は再構築ジョブを投入した場合のID
	JobID string `json:"job_id,omitempty"`
}

// Ingestor はWebhookイベントを取り込む。
type Ingestor struct {
	upserter  Upserter
	refresher Refresher
	messages  repository.MessageRepository
	lastReads repository.LastReadRepository
	queue     Enqueuer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestor はIngestorを生成する。
func NewIngestor(
	upserter Upserter,
	refresher Refresher,
	messages repository.MessageRepository,
	lastReads repository.LastReadRepository,
	queue Enqueuer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		upserter:  upserter,
		refresher: refresher,
		messages:  messages,
		lastReads: lastReads,
		queue:     queue,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle はイベントを種別に応じて処理する。
func (i *Ingestor) Handle(ctx context.Context, ev *Event) (*Result, error) {
	if ev.ChannelID == "" {
		return nil, ErrMissingChannelID
	}
	eventType := ev.EventType()
	i.metrics.RecordWebhookEvent(eventType)

	if eventType == EventMessageCreate {
		return i.handleMessageCreate(ctx, ev)
	}

	id, err := i.queue.Enqueue(ctx, job.RefreshCache{ChannelID: ev.ChannelID}, job.Options{})
	if err != nil {
		return nil, &model.PersistenceError{Op: "enqueue refresh cache", Err: err}
	}
	i.logger.Info("イベントを受信したためスナップショット再構築を予約しました",
		slog.String("event_type", eventType),
		slog.String("channel_id", ev.ChannelID),
		slog.String("job_id", id),
	)
	return &Result{EventType: eventType, ChannelID: ev.ChannelID, JobID: id}, nil
}

func (i *Ingestor) handleMessageCreate(ctx context.Context, ev *Event) (*Result, error) {
	if ev.ID == "" {
		return nil, ErrMissingMessageID
	}

	msg := ev.Message.ToModel(ev.ChannelID)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = i.timestampFromID(ev.ID)
	}

	inserted, err := i.upserter.Upsert(ctx, []*model.Message{msg})
	if err != nil {
		return nil, err
	}

	if _, err := i.refresher.Refresh(ctx, ev.ChannelID); err != nil {
		var perr *model.PersistenceError
		if errors.As(err, &perr) {
			return nil, err
		}
		i.logger.Warn("Webhook受信後のスナップショット更新に失敗しました",
			slog.String("channel_id", ev.ChannelID),
			slog.String("error", err.Error()),
		)
	}

	unreadFor, err := i.markUnreadForReaders(ctx, msg)
	if err != nil {
		return nil, err
	}

	i.logger.Info("Webhookメッセージを取り込みました",
		slog.String("channel_id", ev.ChannelID),
		slog.String("message_id", ev.ID),
		slog.Bool("inserted", inserted > 0),
		slog.Int("unread_for", unreadFor),
	)
	return &Result{
		EventType: EventMessageCreate,
		ChannelID: ev.ChannelID,
		Inserted:  inserted > 0,
		UnreadFor: unreadFor,
	}, nil
}

// markUnreadForReaders は既読位置がメッセージより古いユーザーがいれば、メッセージを未読に戻す。
func (i *Ingestor) markUnreadForReaders(ctx context.Context, msg *model.Message) (int, error) {
	reads, err := i.lastReads.ListByChannel(ctx, msg.ChannelID)
	if err != nil {
		return 0, &model.PersistenceError{Op: "list last reads", Err: err}
	}

	n := 0
	for _, lr := range reads {
		if lr.LastReadAt.Before(msg.Timestamp) {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := i.messages.MarkUnread(ctx, msg.DiscordMsgID); err != nil {
		return 0, &model.PersistenceError{Op: "mark unread", Err: err}
	}
	return n, nil
}

// timestampFromID はtimestampのないイベントの時刻をsnowflakeから復元する。
func (i *Ingestor) timestampFromID(id string) time.Time {
	if ts, err := discord.TimeFromSnowflake(id); err == nil && ts.Unix() > 0 {
		return ts
	}
	return i.now().UTC()
}
