package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/webhook"
)

// WebhookIngestor はWebhookイベントの取り込み。webhook.Ingestorが実装する。
type WebhookIngestor interface {
	Handle(ctx context.Context, ev *webhook.Event) (*webhook.Result, error)
}

// WebhookHandler はDiscordからプッシュされたイベントを受け付ける。
type WebhookHandler struct {
	ingestor WebhookIngestor
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

type webhookResponse struct {
	Success bool            `json:"success"`
	Result  *webhook.Result `json:"result,omitempty"`
}

// Receive はイベントを取り込む。
// POST /api/webhook/discord
//
// channel_idがない場合は400、保存に失敗した場合は500、それ以外は200を返す。
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディが大きすぎます"))
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("イベントの形式が不正です"))
		return
	}

	result, err := h.ingestor.Handle(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Result: result})
	case errors.Is(err, webhook.ErrMissingChannelID):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("channel_idを指定してください"))
	case errors.Is(err, webhook.ErrMissingMessageID):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("MESSAGE_CREATEにはidが必要です"))
	default:
		slog.Error("webhookイベントの取り込みに失敗しました",
			slog.String("channel_id", ev.ChannelID),
			slog.String("event_type", ev.EventType()),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, err)
	}
}
