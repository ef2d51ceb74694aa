// Package handler はHTTPエンドポイントを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/discordfeed/internal/middleware"
	"github.com/hitoshi/discordfeed/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（1MB）。
const maxRequestBodySize = 1 << 20

// validate はリクエストDTOのvalidateタグを検証する。エラーのフィールド名にはjsonタグ名を使う。
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// decodeJSONBody はボディを上限付きでデコードする。
// デコードできない場合は400を書き込んでfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		reason := "リクエストボディの解析に失敗しました"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			reason = "リクエストボディが大きすぎます"
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}

// decodeAndValidate はボディをデコードし、validateタグで検証する。
// 検証に失敗した場合は最初の違反フィールドを理由に400を書き込んでfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decodeJSONBody(w, r, v) {
		return false
	}
	if err := validate.Struct(v); err != nil {
		reason := "リクエストの形式が正しくありません"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			reason = validationReason(verrs[0])
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%sを指定してください", fe.Field())
	case "min":
		return fmt.Sprintf("%sは%s件以上指定してください", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%sは%s件以下で指定してください", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%sの値が正しくありません", fe.Field())
	}
}

// requireUserID は認証済みユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if errors.Is(err, model.ErrAuthUnavailable) {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewTokenUnavailableError())
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	var persistErr *model.PersistenceError
	if errors.As(err, &persistErr) {
		slog.Error("persistence failure", slog.String("op", persistErr.Op), slog.String("error", err.Error()))
	} else {
		slog.Error("internal server error", slog.String("error", err.Error()))
	}
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeTokenUnavailable:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeNotMember:
		return http.StatusForbidden
	case model.ErrCodeChannelNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
