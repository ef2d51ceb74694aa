package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/discordfeed/internal/message"
	"github.com/hitoshi/discordfeed/internal/middleware"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/webhook"
	"github.com/hitoshi/discordfeed/internal/worker/discovery"
)

// --- モック定義 ---

type mockIngestor struct {
	handleFn func(ctx context.Context, ev *webhook.Event) (*webhook.Result, error)
	events   []*webhook.Event
}

func (m *mockIngestor) Handle(ctx context.Context, ev *webhook.Event) (*webhook.Result, error) {
	m.events = append(m.events, ev)
	if m.handleFn != nil {
		return m.handleFn(ctx, ev)
	}
	return &webhook.Result{EventType: ev.EventType(), ChannelID: ev.ChannelID}, nil
}

type mockIndexingService struct {
	startFn  func(ctx context.Context, userID string) (string, error)
	statusFn func(ctx context.Context, userID string) (*discovery.Status, error)
}

func (m *mockIndexingService) Start(ctx context.Context, userID string) (string, error) {
	if m.startFn != nil {
		return m.startFn(ctx, userID)
	}
	return "job-1", nil
}

func (m *mockIndexingService) Status(ctx context.Context, userID string) (*discovery.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID)
	}
	return &discovery.Status{NeedsIndexing: true}, nil
}

type mockMessageService struct {
	listFn    func(ctx context.Context, userID, channelID string) (*message.ChannelMessages, error)
	markFn    func(ctx context.Context, userID, channelID string, ids []string) (*message.ReadResult, error)
	serversFn func(ctx context.Context, userID string) ([]model.ServerSummary, error)
}

func (m *mockMessageService) ListForUser(ctx context.Context, userID, channelID string) (*message.ChannelMessages, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, channelID)
	}
	return &message.ChannelMessages{Channel: &model.Channel{ID: channelID}}, nil
}

func (m *mockMessageService) MarkRead(ctx context.Context, userID, channelID string, ids []string) (*message.ReadResult, error) {
	if m.markFn != nil {
		return m.markFn(ctx, userID, channelID, ids)
	}
	return &message.ReadResult{}, nil
}

func (m *mockMessageService) ServerSummaries(ctx context.Context, userID string) ([]model.ServerSummary, error) {
	if m.serversFn != nil {
		return m.serversFn(ctx, userID)
	}
	return nil, nil
}

type mockTokenService struct {
	storeErr  error
	deleteErr error
	stored    map[string]*model.Token
	deleted   []string
	purged    []string
}

func (m *mockTokenService) Store(ctx context.Context, userID string, tok *model.Token) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	if m.stored == nil {
		m.stored = map[string]*model.Token{}
	}
	m.stored[userID] = tok
	return nil
}

func (m *mockTokenService) Delete(ctx context.Context, userID string) error {
	m.deleted = append(m.deleted, userID)
	return m.deleteErr
}

func (m *mockTokenService) Purge(ctx context.Context, userID string) error {
	m.purged = append(m.purged, userID)
	return m.deleteErr
}

type mockUserUpserter struct {
	err   error
	users []*model.User
}

func (m *mockUserUpserter) Upsert(ctx context.Context, user *model.User) error {
	m.users = append(m.users, user)
	return m.err
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
