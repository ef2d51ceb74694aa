package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/discordfeed/internal/message"
	"github.com/hitoshi/discordfeed/internal/model"
)

// MessageService はユーザー視点のメッセージ参照と既読管理。message.Serviceが実装する。
type MessageService interface {
	ListForUser(ctx context.Context, userID, channelID string) (*message.ChannelMessages, error)
	MarkRead(ctx context.Context, userID, channelID string, messageIDs []string) (*message.ReadResult, error)
	ServerSummaries(ctx context.Context, userID string) ([]model.ServerSummary, error)
}

// MessageHandler はメッセージ一覧、既読化、サーバー一覧を提供する。
type MessageHandler struct {
	service MessageService
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

// --- レスポンス型 ---

type messageResponse struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	AuthorID    string          `json:"author_id"`
	AuthorName  string          `json:"author_name"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Embeds      json.RawMessage `json:"embeds,omitempty"`
	Reactions   json.RawMessage `json:"reactions,omitempty"`
	Unread      bool            `json:"unread"`
}

type messageListResponse struct {
	ChannelID   string            `json:"channel_id"`
	ChannelName string            `json:"channel_name"`
	Messages    []messageResponse `json:"messages"`
	UnreadCount int               `json:"unread_count"`
	LastReadAt  *time.Time        `json:"last_read_at,omitempty"`
	Source      string            `json:"source"`
}

type markReadRequest struct {
	ChannelID  string   `json:"channel_id" validate:"required"`
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=100,dive,required"`
}

type markReadResponse struct {
	Success     bool       `json:"success"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
	UnreadCount int        `json:"unread_count"`
}

type channelResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        int    `json:"type"`
	ParentID    string `json:"parent_id,omitempty"`
	Position    int    `json:"position"`
	UnreadCount int    `json:"unread_count"`
}

type serverResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Icon        string            `json:"icon,omitempty"`
	UnreadCount int               `json:"unread_count"`
	Channels    []channelResponse `json:"channels"`
}

type serverListResponse struct {
	Servers []serverResponse `json:"servers"`
}

// ListMessages はチャンネルの最新メッセージを未読フラグ付きで返す。
// GET /api/messages?channel_id=xxx
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("channel_idを指定してください"))
		return
	}

	result, err := h.service.ListForUser(r.Context(), userID, channelID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := messageListResponse{
		ChannelID:   result.Channel.ID,
		ChannelName: result.Channel.Name,
		Messages:    make([]messageResponse, 0, len(result.Messages)),
		UnreadCount: result.UnreadCount,
		LastReadAt:  result.LastReadAt,
		Source:      string(result.Source),
	}
	for _, m := range result.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkRead は指定メッセージを既読にする。
// POST /api/messages
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.MarkRead(r.Context(), userID, req.ChannelID, req.MessageIDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, markReadResponse{
		Success:     true,
		LastReadAt:  result.LastReadAt,
		UnreadCount: result.UnreadCount,
	})
}

// ListServers は参加サーバーとチャンネルを未読数付きで返す。
// GET /api/servers
func (h *MessageHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	summaries, err := h.service.ServerSummaries(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := serverListResponse{Servers: make([]serverResponse, 0, len(summaries))}
	for _, s := range summaries {
		srv := serverResponse{
			ID:       s.ID,
			Name:     s.Name,
			Icon:     s.Icon,
			Channels: make([]channelResponse, 0, len(s.Channels)),
		}
		for _, ch := range s.Channels {
			srv.UnreadCount += ch.UnreadCount
			srv.Channels = append(srv.Channels, channelResponse{
				ID:          ch.ID,
				Name:        ch.Name,
				Type:        int(ch.Type),
				ParentID:    ch.ParentID,
				Position:    ch.Position,
				UnreadCount: ch.UnreadCount,
			})
		}
		resp.Servers = append(resp.Servers, srv)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toMessageResponse(m model.MessageView) messageResponse {
	return messageResponse{
		ID:          m.DiscordMsgID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		Attachments: m.Attachments,
		Embeds:      m.Embeds,
		Reactions:   m.Reactions,
		Unread:      m.Unread,
	}
}
