package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/discordfeed/internal/worker/discovery"
)

// IndexingService はサーバー情報の探索の開始と状態取得。discovery.Pipelineが実装する。
type IndexingService interface {
	Start(ctx context.Context, userID string) (string, error)
	Status(ctx context.Context, userID string) (*discovery.Status, error)
}

// IndexingHandler は探索の開始と状態確認を受け付ける。
type IndexingHandler struct {
	service IndexingService
}

// NewIndexingHandler はIndexingHandlerを生成する。
func NewIndexingHandler(service IndexingService) *IndexingHandler {
	return &IndexingHandler{service: service}
}

type indexingStartResponse struct {
	JobID string `json:"job_id"`
}

// Status は探索が必要かどうかを返す。
// GET /api/indexing
func (h *IndexingHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Start は探索ジョブを投入してジョブIDを返す。
// POST /api/indexing
func (h *IndexingHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	jobID, err := h.service.Start(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("探索ジョブを受け付けました",
		slog.String("user_id", userID),
		slog.String("job_id", jobID),
	)
	writeJSON(w, http.StatusAccepted, indexingStartResponse{JobID: jobID})
}
