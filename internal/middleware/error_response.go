package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/discordfeed/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// RetryAfterはレート制限応答でのみ設定される。
type ErrorResponseBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func newErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

func writeErrorBody(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to write error response", slog.String("code", body.Code), slog.String("error", err.Error()))
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeErrorBody(w, statusCode, newErrorResponseBody(apiErr))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細は呼び出し側でログに記録し、クライアントには一般的なメッセージだけを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteRateLimitExceeded は429をRetry-Afterヘッダー付きで書き込む。
// retryAfterSecが1未満の場合は1秒として扱う。
func WriteRateLimitExceeded(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))

	body := newErrorResponseBody(model.NewRateLimitedError())
	body.RetryAfter = retryAfterSec
	writeErrorBody(w, http.StatusTooManyRequests, body)
}
