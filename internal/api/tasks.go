package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/service"
)

const maxBodyBytes = 1 << 20

type createTaskRequest struct {
	Name         string         `json:"name"`
	TemplateRef  string         `json:"templateRef"`
	TransportRef string         `json:"transportRef"`
	Audience     model.Audience `json:"audience"`
	ScheduledAt  *time.Time     `json:"scheduledAt,omitempty"`
}

type retryRequest struct {
	LogIDs []uuid.UUID `json:"logIds"`
}

type taskResponse struct {
	ID           uuid.UUID        `json:"id"`
	Name         string           `json:"name,omitempty"`
	TemplateRef  string           `json:"templateRef"`
	TransportRef string           `json:"transportRef"`
	Audience     model.Audience   `json:"audience"`
	Status       model.TaskStatus `json:"status"`
	TotalCount   int              `json:"totalCount"`
	SentCount    int              `json:"sentCount"`
	SuccessCount int              `json:"successCount"`
	FailedCount  int              `json:"failedCount"`
	Progress     float64          `json:"progress"`
	ScheduledAt  *time.Time       `json:"scheduledAt,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
}

func toTaskResponse(t model.Task) taskResponse {
	return taskResponse{
		ID:           t.ID,
		Name:         t.Name,
		TemplateRef:  t.TemplateRef,
		TransportRef: t.TransportRef,
		Audience:     t.Audience,
		Status:       t.Status,
		TotalCount:   t.TotalCount,
		SentCount:    t.SentCount,
		SuccessCount: t.SuccessCount,
		FailedCount:  t.FailedCount,
		Progress:     t.Progress(),
		ScheduledAt:  t.ScheduledAt,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

type logResponse struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   string          `json:"customerId,omitempty"`
	Address      string          `json:"address"`
	Name         string          `json:"name,omitempty"`
	Subject      string          `json:"subject"`
	Body         string          `json:"body"`
	Status       model.LogStatus `json:"status"`
	RetryCount   int             `json:"retryCount"`
	ErrorCode    *string         `json:"errorCode,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	SentAt       *time.Time      `json:"sentAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func toLogResponse(l model.RecipientLog) logResponse {
	return logResponse{
		ID:           l.ID,
		CustomerID:   l.Recipient.CustomerID,
		Address:      l.Recipient.Address,
		Name:         l.Recipient.Name,
		Subject:      l.Subject,
		Body:         l.Body,
		Status:       l.Status,
		RetryCount:   l.RetryCount,
		ErrorCode:    l.ErrorCode,
		ErrorMessage: l.ErrorMessage,
		SentAt:       l.SentAt,
		CreatedAt:    l.CreatedAt,
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	res, err := h.tasks.Create(r.Context(), ownerID, service.CreateRequest{
		Name:         req.Name,
		TemplateRef:  req.TemplateRef,
		TransportRef: req.TransportRef,
		Audience:     req.Audience,
		ScheduledAt:  req.ScheduledAt,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"taskId":     res.TaskID,
		"totalCount": res.TotalCount,
		"status":     res.Status,
	})
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	items, total, err := h.tasks.List(r.Context(), ownerID, model.TaskFilter{
		Status: model.TaskStatus(q.Get("status")),
		Limit:  parseInt(q.Get("limit"), 0),
		Offset: parseInt(q.Get("offset"), 0),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]taskResponse, len(items))
	for i, t := range items {
		out[i] = toTaskResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	t, err := h.tasks.Get(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	if err := h.tasks.Delete(r.Context(), ownerID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	items, total, err := h.tasks.ListLogs(r.Context(), ownerID, model.LogFilter{
		TaskID: id,
		Status: model.LogStatus(q.Get("status")),
		Limit:  parseInt(q.Get("limit"), 0),
		Offset: parseInt(q.Get("offset"), 0),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]logResponse, len(items))
	for i, l := range items {
		out[i] = toLogResponse(l)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

// Transition handles start, pause, resume and cancel. The action comes from
// the route pattern.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var err error
	action := r.PathValue("action")
	switch action {
	case "start":
		err = h.tasks.Start(r.Context(), ownerID, id)
	case "pause":
		err = h.tasks.Pause(r.Context(), ownerID, id)
	case "resume":
		err = h.tasks.Resume(r.Context(), ownerID, id)
	case "cancel":
		err = h.tasks.Cancel(r.Context(), ownerID, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	t, err := h.tasks.Get(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var req retryRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	res, err := h.tasks.Retry(r.Context(), ownerID, id, req.LogIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": res.Reset, "reopened": res.Reopened})
}
