package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldhub/outreach/internal/storage"
)

type taskResponse struct {
	ID          string          `json:"id"`
	VendorID    string          `json:"vendor_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	RetryCount  int             `json:"retry_count"`
	Metadata    json.RawMessage `json:"metadata"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func taskToResponse(t storage.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		VendorID:    t.VendorID,
		Type:        t.Type,
		Status:      t.Status,
		ScheduledAt: t.ScheduledAt,
		RetryCount:  t.RetryCount,
		Metadata:    json.RawMessage(t.Metadata),
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// handleListTasks is the visibility surface for the queue; FAILED tasks and
// their last error are found here.
func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := parseIntParam(r, "limit", 20, 100)

		tasks, err := deps.Store.ListTasks(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		results := make([]taskResponse, len(tasks))
		for i, t := range tasks {
			results[i] = taskToResponse(t)
		}
		writeJSON(w, results)
	}
}

// handleRequeueTask clones a FAILED task as a fresh PENDING one, the manual
// follow-up path after retries are exhausted.
func handleRequeueTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		task, err := deps.Store.RequeueTask(id, time.Now().UTC())
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}

		writeJSONStatus(w, http.StatusCreated, taskToResponse(task))
	}
}
