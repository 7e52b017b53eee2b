package transport

import "net/http"

type Handler interface {
	index(w http.ResponseWriter, r *http.Request)
	transcribe(w http.ResponseWriter, r *http.Request)
	transcribeSync(w http.ResponseWriter, r *http.Request)
	tasks(w http.ResponseWriter, r *http.Request)
	taskByID(w http.ResponseWriter, r *http.Request)
	taskByExternalID(w http.ResponseWriter, r *http.Request)
	status(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("GET /{$}", r.h.index)
	mux.HandleFunc("POST /transcribe", r.h.transcribe)
	mux.HandleFunc("POST /transcribe/sync", r.h.transcribeSync)
	mux.HandleFunc("GET /tasks", r.h.tasks)
	mux.HandleFunc("GET /tasks/{id}", r.h.taskByID)
	mux.HandleFunc("GET /tasks/by-task-id/{task_id}", r.h.taskByExternalID)
	mux.HandleFunc("GET /status/{task_id}", r.h.status)

	return mux
}
