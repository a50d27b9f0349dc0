package deferred

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Status is the lifecycle state of one deferred execution.
//
//	queued ──claim──▶ processing ──▶ started
//	                      │
//	                      └──▶ failed ──(retry)──▶ processing
//	                              └──(attempts exhausted)──▶ abandoned
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusStarted    Status = "started"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// DefaultMaxAttempts bounds retries before a record is abandoned.
const DefaultMaxAttempts = 5

// Execution is one workflow start that could not happen inline and is
// owed to the user. Terminal states are started and abandoned.
type Execution struct {
	bun.BaseModel `bun:"table:deferred_workflow_executions,alias:dwe"`

	ID          string         `bun:"id,pk"`
	UserID      string         `bun:"user_id,notnull"`
	RoomID      string         `bun:"room_id"`
	WorkflowID  string         `bun:"workflow_id,notnull"`
	TriggerData map[string]any `bun:"trigger_data,type:jsonb"`

	Status      Status `bun:"status,notnull"`
	Attempts    int    `bun:"attempts,notnull,default:0"`
	MaxAttempts int    `bun:"max_attempts,notnull"`
	LastError   string `bun:"last_error"`

	NextRetryAt   time.Time `bun:"next_retry_at,notnull"`
	LastAttemptAt time.Time `bun:"last_attempt_at,nullzero"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// NewExecution builds a queued record due immediately.
func NewExecution(userID, roomID, workflowID string, triggerData map[string]any, now time.Time) *Execution {
	return &Execution{
		ID:          uuid.NewString(),
		UserID:      userID,
		RoomID:      roomID,
		WorkflowID:  workflowID,
		TriggerData: triggerData,
		Status:      StatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Terminal reports whether the record will never be attempted again.
func (e *Execution) Terminal() bool {
	return e.Status == StatusStarted || e.Status == StatusAbandoned
}
