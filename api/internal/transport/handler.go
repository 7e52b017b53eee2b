package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/you-humble/asrtask/api/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type Usecase interface {
	Submit(ctx context.Context, sourceURL, idempotencyKey string) (domain.Task, error)
	TranscribeSync(ctx context.Context, sourceURL string, maxAttempts, intervalSeconds *int) (domain.Task, string, error)
	Task(ctx context.Context, id int64) (domain.Task, error)
	TaskByExternalID(ctx context.Context, externalID string) (domain.Task, error)
	Lookup(ctx context.Context, ref string) (domain.Task, error)
	List(ctx context.Context, status string, limit, offset int) (domain.TaskList, error)
	FormatMessage(text string) domain.OpenAIMessage
}

type handler struct {
	usecase  Usecase
	validate *validator.Validate
}

func NewHandler(uc Usecase) *handler {
	return &handler{
		usecase:  uc,
		validate: validator.New(),
	}
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "ASR transcription service",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"POST /transcribe":                "Submit transcription task (async, saved to database)",
			"POST /transcribe/sync":           "Synchronous transcription (wait for result)",
			"GET /tasks":                      "Get all tasks list",
			"GET /tasks/{id}":                 "Get task by database ID",
			"GET /tasks/by-task-id/{task_id}": "Get task by ASR service task_id",
			"GET /status/{task_id}":           "Get task status (legacy endpoint)",
		},
	})
}

func (h *handler) transcribe(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "transcribe")

	var req domain.SubmitRequest
	if !h.decode(w, r, logger, &req) {
		return
	}
	logger = logger.With(slog.String("audio_url", req.AudioURL))

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" {
		logger = logger.With(slog.String("idempotency_key", idempotencyKey))
	}

	task, err := h.usecase.Submit(r.Context(), req.AudioURL, idempotencyKey)
	if err != nil {
		logger.Error("Submit usecase", slog.String("error", err.Error()))
		writeUsecaseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.TranscribeResponse{
		Success: true,
		Message: "Task submitted successfully, processing in background",
		TaskID:  task.ExternalTaskID,
		DBID:    task.ID,
	})
}

func (h *handler) transcribeSync(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "transcribe_sync")

	var req domain.TranscribeSyncRequest
	if !h.decode(w, r, logger, &req) {
		return
	}
	logger = logger.With(slog.String("audio_url", req.AudioURL))

	task, text, err := h.usecase.TranscribeSync(r.Context(), req.AudioURL, req.MaxRetries, req.RetryInterval)
	if err != nil {
		logger.Error("TranscribeSync usecase",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		writeUsecaseError(w, err)
		return
	}

	msg := h.usecase.FormatMessage(text)
	writeJSON(w, http.StatusOK, domain.TranscribeResponse{
		Success: true,
		Message: "Transcription completed successfully",
		TaskID:  task.ExternalTaskID,
		DBID:    task.ID,
		Data:    &msg,
	})
}

func (h *handler) tasks(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "tasks")

	q := r.URL.Query()
	lq := domain.ListQuery{Status: q.Get("status")}
	var err error
	if lq.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if lq.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if err := h.validate.Struct(lq); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	list, err := h.usecase.List(r.Context(), lq.Status, lq.Limit, lq.Offset)
	if err != nil {
		logger.Error("List usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot list tasks")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) taskByID(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "task id must be an integer")
		return
	}
	task, err := h.usecase.Task(r.Context(), id)
	h.writeTask(w, r, "task_by_id", raw, task, err)
}

func (h *handler) taskByExternalID(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("task_id")
	task, err := h.usecase.TaskByExternalID(r.Context(), ref)
	h.writeTask(w, r, "task_by_external_id", ref, task, err)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("task_id")
	task, err := h.usecase.Lookup(r.Context(), ref)
	h.writeTask(w, r, "status", ref, task, err)
}

func (h *handler) writeTask(w http.ResponseWriter, r *http.Request, name, ref string, task domain.Task, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Task %s not found", ref))
			return
		}
		requestLogger(r, name).Error("get task", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, task.Summary())
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any) bool {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Warn("decode body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		logger.Warn("validate body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// writeUsecaseError maps the domain error taxonomy to HTTP statuses.
func writeUsecaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStillProcessing):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request cancelled before the transcript was ready")
	case errors.Is(err, domain.ErrSubmission),
		errors.Is(err, domain.ErrExternalTask),
		errors.Is(err, domain.ErrRetryBudgetExceeded),
		errors.Is(err, domain.ErrInternal):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Error occurred while processing the task")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
