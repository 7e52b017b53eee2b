package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"

	"github.com/nats-io/nats.go"
)

type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// TaskEvent is published once per terminal transition.
type TaskEvent struct {
	ID               int64             `json:"id"`
	ExternalTaskID   string            `json:"task_id"`
	SourceURL        string            `json:"audio_url"`
	Status           domain.TaskStatus `json:"status"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	TranscriptLength int               `json:"transcript_length"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// DefaultPublishTimeout matches the JetStream client's own ack wait.
const DefaultPublishTimeout = 5 * time.Second

type Publisher struct {
	js      jetStream
	subject string
	timeout time.Duration
}

func New(js jetStream, subject string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Publisher{
		js:      js,
		subject: subject,
		timeout: timeout,
	}
}

func (p *Publisher) Publish(ctx context.Context, t domain.Task) error {
	if t.ID == 0 {
		return fmt.Errorf("publish task event: empty task id")
	}

	ev := TaskEvent{
		ID:             t.ID,
		ExternalTaskID: t.ExternalTaskID,
		SourceURL:      t.SourceURL,
		Status:         t.Status,
		ErrorMessage:   t.ErrorMessage,
		CompletedAt:    t.CompletedAt,
	}
	if t.Transcript != nil {
		ev.TranscriptLength = len(*t.Transcript)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode task event %d: %w", t.ID, err)
	}

	msg := &nats.Msg{
		Subject: p.subject + "." + string(t.Status),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, strconv.FormatInt(t.ID, 10)+"-"+string(t.Status))

	// callers pass contexts without a deadline; an unanswered ack must not
	// hold a store transition forever
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ack, err := p.js.PublishMsg(msg, nats.Context(pubCtx))
	if err != nil {
		return fmt.Errorf("publish task %d: %w", t.ID, err)
	}

	slog.Debug(
		"task event published",
		slog.Int64("task_id", t.ID),
		slog.String("subject", msg.Subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)

	return nil
}

// Hook adapts Publish to the task store hook signature; failures are logged.
func (p *Publisher) Hook(ctx context.Context, t domain.Task) {
	if err := p.Publish(ctx, t); err != nil {
		slog.Warn("task event not published",
			slog.Int64("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}
