package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("DELETE /v1/tasks/{id}", h.DeleteTask)
	mux.HandleFunc("GET /v1/tasks/{id}/logs", h.ListLogs)
	mux.HandleFunc("POST /v1/tasks/{id}/retry", h.RetryTask)
	mux.HandleFunc("POST /v1/tasks/{id}/{action}", h.Transition)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("bulk-dispatch"))
	})

	return mux
}
