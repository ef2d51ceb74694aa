package message

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/discordfeed/internal/cache"
	"github.com/hitoshi/discordfeed/internal/job"
	"github.com/hitoshi/discordfeed/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *cache.RedisCache) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return s, cache.NewRedisCache(rdb)
}

// --- メッセージリポジトリのモック ---

type mockMessageRepo struct {
	mu        sync.Mutex
	byID      map[string]*model.Message
	upsertErr error
	listErr   error
	listCalls int
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{byID: make(map[string]*model.Message)}
}

func (m *mockMessageRepo) Upsert(_ context.Context, msg *model.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	existing, ok := m.byID[msg.DiscordMsgID]
	if ok {
		isRead := existing.IsRead
		cp := *msg
		cp.IsRead = isRead
		m.byID[msg.DiscordMsgID] = &cp
		return false, nil
	}
	cp := *msg
	m.byID[msg.DiscordMsgID] = &cp
	return true, nil
}

func (m *mockMessageRepo) ListRecentByChannel(_ context.Context, channelID string, limit int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Message
	for _, msg := range m.byID {
		if msg.ChannelID == channelID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMessageRepo) MarkRead(_ context.Context, channelID string, ids []string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, id := range ids {
		msg, ok := m.byID[id]
		if !ok || msg.ChannelID != channelID {
			continue
		}
		msg.IsRead = true
		if latest == nil || msg.Timestamp.After(*latest) {
			ts := msg.Timestamp
			latest = &ts
		}
	}
	return latest, nil
}

func (m *mockMessageRepo) MarkUnread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.byID[id]; ok {
		msg.IsRead = false
	}
	return nil
}

func (m *mockMessageRepo) CountUnreadAfter(_ context.Context, channelID string, since *time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.byID {
		if msg.ChannelID == channelID && (since == nil || msg.Timestamp.After(*since)) {
			n++
		}
	}
	return n, nil
}

func (m *mockMessageRepo) UnreadCountsByUser(_ context.Context, _ string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, msg := range m.byID {
		counts[msg.ChannelID]++
	}
	return counts, nil
}

// --- チャンネル・サーバー・既読位置のモック ---

type mockChannelRepo struct {
	channels map[string]*model.Channel
}

func (m *mockChannelRepo) Upsert(_ context.Context, ch *model.Channel) error {
	m.channels[ch.ID] = ch
	return nil
}

func (m *mockChannelRepo) FindByID(_ context.Context, id string) (*model.Channel, error) {
	return m.channels[id], nil
}

func (m *mockChannelRepo) ListByServerID(_ context.Context, serverID string) ([]*model.Channel, error) {
	var out []*model.Channel
	for _, ch := range m.channels {
		if ch.ServerID == serverID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *mockChannelRepo) ListAll(_ context.Context) ([]*model.Channel, error) {
	var out []*model.Channel
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (m *mockChannelRepo) UpdateLastFetchedAt(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type mockServerRepo struct {
	servers map[string]*model.Server
	members map[string]bool // userID + "/" + serverID
}

func (m *mockServerRepo) Upsert(_ context.Context, s *model.Server) error {
	m.servers[s.ID] = s
	return nil
}

func (m *mockServerRepo) AddMember(_ context.Context, userID, serverID string) error {
	m.members[userID+"/"+serverID] = true
	return nil
}

func (m *mockServerRepo) IsMember(_ context.Context, userID, serverID string) (bool, error) {
	return m.members[userID+"/"+serverID], nil
}

func (m *mockServerRepo) CountByUserID(_ context.Context, userID string) (int, error) {
	servers, _ := m.ListByUserID(context.Background(), userID)
	return len(servers), nil
}

func (m *mockServerRepo) ListByUserID(_ context.Context, userID string) ([]*model.Server, error) {
	var out []*model.Server
	for id, s := range m.servers {
		if m.members[userID+"/"+id] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockServerRepo) ListMemberUserIDs(_ context.Context, serverID string) ([]string, error) {
	return nil, errors.New("not implemented")
}

type mockLastReadRepo struct {
	reads map[string]*model.LastRead // userID + "/" + channelID
}

func (m *mockLastReadRepo) Find(_ context.Context, userID, channelID string) (*model.LastRead, error) {
	return m.reads[userID+"/"+channelID], nil
}

func (m *mockLastReadRepo) Upsert(_ context.Context, lr *model.LastRead) error {
	key := lr.UserID + "/" + lr.ChannelID
	if existing, ok := m.reads[key]; ok && existing.LastReadAt.After(lr.LastReadAt) {
		return nil
	}
	cp := *lr
	m.reads[key] = &cp
	return nil
}

func (m *mockLastReadRepo) ListByChannel(_ context.Context, channelID string) ([]*model.LastRead, error) {
	var out []*model.LastRead
	for _, lr := range m.reads {
		if lr.ChannelID == channelID {
			out = append(out, lr)
		}
	}
	return out, nil
}

// --- ジョブ投入のモック ---

type mockEnqueuer struct {
	enqueued []job.Payload
	options  []job.Options
	err      error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, p job.Payload, opts job.Options) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.enqueued = append(m.enqueued, p)
	m.options = append(m.options, opts)
	return "job-1", nil
}

// passthroughSanitizer は入力をそのまま返すサニタイザー。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(s string) string { return s }
