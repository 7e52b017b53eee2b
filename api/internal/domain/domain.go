package domain

import (
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is one submission to the speech recognition service.
// Transcript is non-nil only for completed tasks, ErrorMessage only for failed ones.
// An empty Transcript means the audio contained no recognizable speech.
type Task struct {
	ID             int64      `json:"id"`
	ExternalTaskID string     `json:"task_id"`
	SourceURL      string     `json:"audio_url"`
	Status         TaskStatus `json:"status"`
	Transcript     *string    `json:"transcript"`
	ErrorMessage   *string    `json:"error_message"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

type CreateTaskParams struct {
	ExternalTaskID string
	SourceURL      string
	Status         TaskStatus

	// ErrorMessage is required when Status is StatusFailed.
	ErrorMessage string
}

type ListFilter struct {
	Status *TaskStatus
	Limit  int
	Offset int
}

type TaskList struct {
	Total int           `json:"total"`
	Tasks []TaskSummary `json:"tasks"`
}

// TaskSummary is the wire shape of a task snapshot.
type TaskSummary struct {
	ID             int64      `json:"id"`
	ExternalTaskID string     `json:"task_id"`
	SourceURL      string     `json:"audio_url"`
	Status         TaskStatus `json:"status"`
	Transcript     *string    `json:"transcript"`
	ErrorMessage   *string    `json:"error_message"`
	CreatedAt      *string    `json:"created_at"`
	UpdatedAt      *string    `json:"updated_at"`
	CompletedAt    *string    `json:"completed_at"`
}

func (t Task) Summary() TaskSummary {
	s := TaskSummary{
		ID:             t.ID,
		ExternalTaskID: t.ExternalTaskID,
		SourceURL:      t.SourceURL,
		Status:         t.Status,
		Transcript:     t.Transcript,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      isoTime(&t.CreatedAt),
		UpdatedAt:      isoTime(&t.UpdatedAt),
		CompletedAt:    isoTime(t.CompletedAt),
	}
	return s
}

func isoTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

type SubmitRequest struct {
	AudioURL string `json:"audio_url" validate:"required,http_url,max=2048"`
}

type TranscribeSyncRequest struct {
	AudioURL      string `json:"audio_url" validate:"required,http_url,max=2048"`
	MaxRetries    *int   `json:"max_retries,omitempty" validate:"omitempty,min=1"`
	RetryInterval *int   `json:"retry_interval,omitempty" validate:"omitempty,min=0,max=60"`
}

type ListQuery struct {
	Status string `validate:"omitempty,oneof=pending processing completed failed"`
	Limit  int    `validate:"min=0"`
	Offset int    `validate:"min=0"`
}

type TranscribeResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    *OpenAIMessage `json:"data,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	DBID    int64          `json:"db_id,omitempty"`
}

type OpenAIMessage struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Content []OpenAIContent `json:"content"`
}

type OpenAIContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
