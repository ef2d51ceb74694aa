package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := NewChannelNotFoundError("c1")
	if got := err.Error(); got != "[CHANNEL_NOT_FOUND] 指定されたチャンネルが見つかりません: c1" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAPIErrorConstructors_Categories(t *testing.T) {
	tests := []struct {
		err          *APIError
		wantCode     string
		wantCategory string
	}{
		{NewUnauthorizedError(), ErrCodeUnauthorized, "auth"},
		{NewInvalidRequestError("x"), ErrCodeInvalidRequest, "validation"},
		{NewTokenUnavailableError(), ErrCodeTokenUnavailable, "auth"},
		{NewRateLimitedError(), ErrCodeRateLimited, "system"},
		{NewInternalError(), ErrCodeInternal, "system"},
	}

	for _, tt := range tests {
		if tt.err.Code != tt.wantCode {
			t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
		}
		if tt.err.Category != tt.wantCategory {
			t.Errorf("%s: Category = %q, want %q", tt.wantCode, tt.err.Category, tt.wantCategory)
		}
		if tt.err.Action == "" {
			t.Errorf("%s: Action should not be empty", tt.wantCode)
		}
	}
}

func TestStatusCodeOf_WrappedDiscordAPIError(t *testing.T) {
	wrapped := fmt.Errorf("ギルド一覧の取得に失敗しました: %w", &DiscordAPIError{StatusCode: 404, Method: "GET", Path: "/guilds/1"})

	code, ok := StatusCodeOf(wrapped)
	if !ok {
		t.Fatal("StatusCodeOf should find DiscordAPIError in chain")
	}
	if code != 404 {
		t.Errorf("code = %d, want 404", code)
	}

	if _, ok := StatusCodeOf(errors.New("plain")); ok {
		t.Error("StatusCodeOf should return false for plain errors")
	}
}

func TestPersistenceError_Unwrap(t *testing.T) {
	base := errors.New("connection reset")
	err := &PersistenceError{Op: "upsert message", Err: base}

	if !errors.Is(err, base) {
		t.Error("errors.Is should see through PersistenceError")
	}
}

func TestCacheError_Unwrap(t *testing.T) {
	err := fmt.Errorf("snapshot: %w", &CacheError{Op: "set", Key: "channel:1:messages", Err: ErrAuthUnavailable})

	var cacheErr *CacheError
	if !errors.As(err, &cacheErr) {
		t.Fatal("errors.As should find CacheError")
	}
	if cacheErr.Key != "channel:1:messages" {
		t.Errorf("Key = %q", cacheErr.Key)
	}
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Error("errors.Is should reach the wrapped sentinel")
	}
}

func TestChannelType_IsRetained(t *testing.T) {
	tests := []struct {
		typ  ChannelType
		want bool
	}{
		{ChannelTypeText, true},
		{ChannelTypeVoice, true},
		{ChannelTypeAnnouncement, true},
		{ChannelTypeCategory, false},
		{ChannelType(11), false},
	}
	for _, tt := range tests {
		if got := tt.typ.IsRetained(); got != tt.want {
			t.Errorf("ChannelType(%d).IsRetained() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}
