package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeGenerate      = "generate"
	JobTimeoutMinutes = 5
)

var taskTimeout = asynq.Timeout(JobTimeoutMinutes * time.Minute)

// GeneratePayload carries one validated submission to the worker. JobID is
// the client-facing tracking id; the provider request id only exists after
// the worker enqueues remotely.
type GeneratePayload struct {
	JobID    uuid.UUID `json:"job_id"`
	UserID   uuid.UUID `json:"user_id"`
	ModelKey string    `json:"model"`
	ImageRef string    `json:"image_ref"`
	Prompt   string    `json:"prompt,omitempty"`
}

// NewGenerateTask builds the asynq task for one submission. MaxRetry is zero:
// a failed generation is reported to the user, never silently retried.
func NewGenerateTask(p GeneratePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeGenerate, payload, asynq.Queue("default"), asynq.MaxRetry(0), taskTimeout), nil
}
