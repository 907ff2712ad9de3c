package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// TaskTypeSendEmail is the asynq task type for outbound billing emails.
const TaskTypeSendEmail = "mail:send"

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	StudioID int64  `json:"studio_id"`
	FamilyID int64  `json:"family_id"`
	Kind     string `json:"kind"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// NewSendEmailTask constructs the asynq task for a notification.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks on the worker.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// SMTP delivery is handled by the communications service; the billing
	// worker only logs the handoff.
	slog.Info("send email",
		slog.String("to", payload.To),
		slog.String("kind", payload.Kind),
		slog.String("subject", payload.Subject))
	return nil
}

// QueueNotifier enqueues notifications onto asynq for the worker to send.
type QueueNotifier struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewQueueNotifier builds a QueueNotifier.
func NewQueueNotifier(client *asynq.Client, logger *slog.Logger) *QueueNotifier {
	return &QueueNotifier{client: client, logger: logger}
}

// Notify implements Notifier. Enqueue failures are logged and swallowed.
func (n *QueueNotifier) Notify(ctx context.Context, note Notification) {
	if n == nil || n.client == nil {
		return
	}
	task, err := NewSendEmailTask(SendEmailPayload{
		StudioID: note.StudioID,
		FamilyID: note.FamilyID,
		Kind:     string(note.Kind),
		To:       note.Recipient,
		Subject:  note.Subject,
		Body:     note.Body,
	})
	if err != nil {
		n.log(note, err)
		return
	}
	if _, err := n.client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		n.log(note, err)
	}
}

func (n *QueueNotifier) log(note Notification, err error) {
	if n.logger == nil {
		return
	}
	n.logger.Warn("enqueue notification failed",
		slog.Int64("studio_id", note.StudioID),
		slog.Int64("family_id", note.FamilyID),
		slog.String("kind", string(note.Kind)),
		slog.Any("error", err),
	)
}
