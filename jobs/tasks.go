package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverrideCleanup deletes user permission overrides whose expiry has passed.
	TaskOverrideCleanup = "rbac:override_cleanup"
)

// OverrideCleanupPayload describes one cleanup run.
type OverrideCleanupPayload struct {
	// RequestedBy names the operator or scheduler that queued the run.
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewOverrideCleanupTask constructs the cleanup task.
func NewOverrideCleanupTask(requestedBy string) (*asynq.Task, error) {
	data, err := json.Marshal(OverrideCleanupPayload{RequestedBy: requestedBy})
	if err != nil {
		return nil, fmt.Errorf("jobs: encode override cleanup payload: %w", err)
	}
	return asynq.NewTask(TaskOverrideCleanup, data, asynq.Queue(QueueDefault)), nil
}
