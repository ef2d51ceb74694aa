package discord

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/discordfeed/internal/model"
)

// defaultRetryAfter はRetry-Afterが読み取れない429で待機する時間。
const defaultRetryAfter = time.Second

// parseBucket はX-RateLimit-*ヘッダーからバケット状態を組み立てる。
// X-RateLimit-Remainingがない場合はfalseを返す。
func parseBucket(h http.Header, key string, now time.Time) (*model.RateLimitBucket, bool) {
	remainingRaw := h.Get("X-RateLimit-Remaining")
	if remainingRaw == "" {
		return nil, false
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(remainingRaw))
	if err != nil {
		return nil, false
	}

	b := &model.RateLimitBucket{
		Key:       key,
		BucketID:  h.Get("X-RateLimit-Bucket"),
		Remaining: remaining,
	}
	if limit, err := strconv.Atoi(strings.TrimSpace(h.Get("X-RateLimit-Limit"))); err == nil {
		b.Limit = limit
	}

	// Reset-Afterは時計のずれに影響されないため優先する
	if after, ok := parseSeconds(h.Get("X-RateLimit-Reset-After")); ok {
		b.ResetAt = now.Add(after)
	} else if reset, err := strconv.ParseFloat(strings.TrimSpace(h.Get("X-RateLimit-Reset")), 64); err == nil {
		sec, frac := math.Modf(reset)
		b.ResetAt = time.Unix(int64(sec), int64(frac*1e9))
	} else {
		return nil, false
	}
	return b, true
}

// retryAfter は429レスポンスの待機時間を返す。
// Retry-Afterヘッダー、ボディのretry_afterの順に参照し、どちらもなければ1秒。
func retryAfter(h http.Header, body []byte) time.Duration {
	if d, ok := parseSeconds(h.Get("Retry-After")); ok {
		return d
	}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return defaultRetryAfter
}

// parseSeconds は小数を含む秒数の文字列をDurationに変換する。
func parseSeconds(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return time.Duration(v * float64(time.Second)), true
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
