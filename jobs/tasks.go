// Package jobs wires the billing engine's background work onto asynq: the
// nightly overdue sweep and outbound notification delivery.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueSweep marks past-due invoices overdue and applies late
	// fees across all billing studios.
	TaskOverdueSweep = "billing:overdue_sweep"
)

// OverdueSweepPayload scopes a sweep. StudioID zero means every studio.
type OverdueSweepPayload struct {
	StudioID int64 `json:"studio_id"`
}

// NewOverdueSweepTask constructs the asynq task for an overdue sweep.
func NewOverdueSweepTask(payload OverdueSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, data), nil
}
