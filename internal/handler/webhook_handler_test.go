package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/webhook"
)

func TestWebhookHandler_MessageCreate_Returns200(t *testing.T) {
	ing := &mockIngestor{
		handleFn: func(ctx context.Context, ev *webhook.Event) (*webhook.Result, error) {
			return &webhook.Result{EventType: ev.EventType(), ChannelID: ev.ChannelID, Inserted: true, UnreadFor: 2}, nil
		},
	}
	h := NewWebhookHandler(ing)

	body := `{"type":"MESSAGE_CREATE","channel_id":"c1","id":"m1","content":"hi","author":{"id":"a1","username":"alice"},"timestamp":"2024-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(ing.events) != 1 {
		t.Fatalf("Handle calls = %d, want 1", len(ing.events))
	}
	ev := ing.events[0]
	if ev.EventType() != "MESSAGE_CREATE" || ev.ChannelID != "c1" || ev.ID != "m1" {
		t.Errorf("event = %+v", ev)
	}

	var resp struct {
		Success bool           `json:"success"`
		Result  webhook.Result `json:"result"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || !resp.Result.Inserted || resp.Result.UnreadFor != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestWebhookHandler_TFieldFallback(t *testing.T) {
	ing := &mockIngestor{}
	h := NewWebhookHandler(ing)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", strings.NewReader(`{"t":"MESSAGE_UPDATE","channel_id":"c1"}`))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := ing.events[0].EventType(); got != "MESSAGE_UPDATE" {
		t.Errorf("event type = %q, want MESSAGE_UPDATE", got)
	}
}

func TestWebhookHandler_NumericType_Returns200(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{"通常メッセージ(type=0)", `{"t":"MESSAGE_CREATE","type":0,"channel_id":"c1","id":"m1","content":"hi","author":{"id":"a1","username":"alice"},"timestamp":"2024-01-01T00:00:00Z"}`, "MESSAGE_CREATE"},
		{"返信(type=19)", `{"t":"MESSAGE_CREATE","type":19,"channel_id":"c1","id":"m1","content":"re","author":{"id":"a1","username":"alice"},"timestamp":"2024-01-01T00:00:00Z"}`, "MESSAGE_CREATE"},
		{"tなしの数値type", `{"type":19,"channel_id":"c1"}`, "19"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &mockIngestor{}
			h := NewWebhookHandler(ing)

			req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Receive(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d; body=%s", w.Code, http.StatusOK, w.Body.String())
			}
			if len(ing.events) != 1 {
				t.Fatalf("Handle calls = %d, want 1", len(ing.events))
			}
			if got := ing.events[0].EventType(); got != tt.wantType {
				t.Errorf("event type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestWebhookHandler_MissingChannelID_Returns400(t *testing.T) {
	ing := &mockIngestor{
		handleFn: func(ctx context.Context, ev *webhook.Event) (*webhook.Result, error) {
			return nil, webhook.ErrMissingChannelID
		},
	}
	h := NewWebhookHandler(ing)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", strings.NewReader(`{"type":"MESSAGE_CREATE"}`))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidRequest)
	}
}

func TestWebhookHandler_InvalidJSON_Returns400(t *testing.T) {
	ing := &mockIngestor{}
	h := NewWebhookHandler(ing)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(ing.events) != 0 {
		t.Error("ingestor should not be called for invalid JSON")
	}
}

func TestWebhookHandler_BodyTooLarge_Returns400(t *testing.T) {
	ing := &mockIngestor{}
	h := NewWebhookHandler(ing)

	large := bytes.Repeat([]byte("a"), maxRequestBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", bytes.NewReader(large))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestWebhookHandler_PersistenceFailure_Returns500(t *testing.T) {
	ing := &mockIngestor{
		handleFn: func(ctx context.Context, ev *webhook.Event) (*webhook.Result, error) {
			return nil, &model.PersistenceError{Op: "upsert message", Err: errors.New("fk violation")}
		},
	}
	h := NewWebhookHandler(ing)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/discord", strings.NewReader(`{"type":"MESSAGE_CREATE","channel_id":"unknown","id":"m1"}`))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInternal)
	}
}
