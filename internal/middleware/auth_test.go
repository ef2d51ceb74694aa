package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthMiddleware_ValidHeader_InjectsUserID(t *testing.T) {
	var capturedUserID string
	handler := NewAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Fatalf("UserIDFromContext returned error: %v", err)
		}
		capturedUserID = userID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set(UserIDHeader, "user-123")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
}

func TestAuthMiddleware_TrimsWhitespace(t *testing.T) {
	var capturedUserID string
	handler := NewAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID, _ = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set(UserIDHeader, "  user-trim  ")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if capturedUserID != "user-trim" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-trim")
	}
}

func TestAuthMiddleware_RejectsInvalidHeader(t *testing.T) {
	tests := []struct {
		name  string
		value string
		set   bool
	}{
		{name: "ヘッダーなし", set: false},
		{name: "空文字", value: "", set: true},
		{name: "空白のみ", value: "   ", set: true},
		{name: "長すぎる", value: strings.Repeat("a", maxUserIDLength+1), set: true},
		{name: "制御文字", value: "user\x01", set: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
			if tt.set {
				req.Header.Set(UserIDHeader, tt.value)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Code != "UNAUTHORIZED" {
				t.Errorf("code = %q, want %q", body.Code, "UNAUTHORIZED")
			}
			if body.Category != "auth" {
				t.Errorf("category = %q, want %q", body.Category, "auth")
			}
		})
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	_, err := UserIDFromContext(context.Background())
	if err == nil {
		t.Error("expected error when user ID is not in context")
	}
}

func TestContextWithUserID_RoundTrip(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")

	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-456" {
		t.Errorf("userID = %q, want %q", userID, "user-456")
	}
}
