package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldhub/outreach/internal/engage"
	"github.com/fieldhub/outreach/internal/lifecycle"
	"github.com/fieldhub/outreach/internal/storage"
)

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Store  *storage.Store
	Engage *engage.Service
	Token  string
}

// NewHandler returns the outreach service's HTTP API: vendor CRUD, the
// engagement triggers (approve, reject, activate, inbound reply), the
// activity timeline, and the task queue's operator surface.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/vendors", handleCreateVendor(deps))
		r.Get("/vendors", handleListVendors(deps))
		r.Get("/vendors/{id}", handleGetVendor(deps))
		r.Put("/vendors/{id}", handleUpdateVendorContact(deps))
		r.Post("/vendors/{id}/approve", handleApprove(deps))
		r.Post("/vendors/{id}/reject", handleReject(deps))
		r.Post("/vendors/{id}/activate", handleActivate(deps))
		r.Post("/vendors/{id}/replies", handleReply(deps))
		r.Get("/vendors/{id}/activities", handleActivities(deps))

		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks/{id}/requeue", handleRequeueTask(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type createVendorRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
	Notes string `json:"notes"`
}

func handleCreateVendor(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createVendorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		now := time.Now().UTC()
		v := storage.Vendor{
			ID:              uuid.New().String(),
			Name:            req.Name,
			Phone:           req.Phone,
			Email:           req.Email,
			Notes:           req.Notes,
			Status:          lifecycle.StatusPendingReview,
			StatusUpdatedAt: now,
			CreatedAt:       now,
		}
		if err := deps.Store.CreateVendor(v); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create vendor: %v", err)
			return
		}

		writeJSONStatus(w, http.StatusCreated, v)
	}
}

func handleListVendors(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := parseIntParam(r, "limit", 20, 100)

		vendors, err := deps.Store.ListVendors(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list vendors: %v", err)
			return
		}
		if vendors == nil {
			vendors = []storage.Vendor{}
		}
		writeJSON(w, vendors)
	}
}

func handleGetVendor(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		v, err := deps.Store.GetVendor(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "vendor not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get vendor: %v", err)
			return
		}
		writeJSON(w, v)
	}
}

type updateContactRequest struct {
	Phone *string `json:"phone"`
	Email *string `json:"email"`
	Notes *string `json:"notes"`
}

func handleUpdateVendorContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req updateContactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Phone == nil && req.Email == nil && req.Notes == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of phone, email, notes is required")
			return
		}

		v, err := deps.Engage.UpdateContact(r.Context(), id, storage.ContactUpdate{
			Phone: req.Phone,
			Email: req.Email,
			Notes: req.Notes,
		})
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

type approveRequest struct {
	Urgent bool `json:"urgent"`
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req approveRequest
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		v, err := deps.Engage.Approve(r.Context(), id, req.Urgent)
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

func handleReject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Engage.Reject(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

func handleActivate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Engage.Activate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "vendor not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "invalid_transition", "%v", err)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

type replyRequest struct {
	Message string `json:"message"`
}

func handleReply(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req replyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		res, err := deps.Engage.RecordReply(r.Context(), id, req.Message)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "vendor not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record reply: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

type activityResponse struct {
	Seq         int64           `json:"seq"`
	VendorID    string          `json:"vendor_id"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

func handleActivities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 50, 200)

		activities, err := deps.Store.ListActivities(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list activities: %v", err)
			return
		}

		results := make([]activityResponse, len(activities))
		for i, a := range activities {
			results[i] = activityResponse{
				Seq:         a.Seq,
				VendorID:    a.VendorID,
				Type:        a.Type,
				Description: a.Description,
				Metadata:    json.RawMessage(a.Metadata),
				CreatedAt:   a.CreatedAt,
			}
		}
		writeJSON(w, results)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
