package connectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

// Reminder is a persisted note the user asked to be pinged about.
type Reminder struct {
	bun.BaseModel `bun:"table:reminders,alias:rem"`

	ID        string    `bun:"id,pk"`
	UserID    string    `bun:"user_id,notnull"`
	RoomID    string    `bun:"room_id"`
	Title     string    `bun:"title,notnull"`
	DueAt     time.Time `bun:"due_at,nullzero"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// ReminderConnector handles the reminder.create action: validate the
// extracted parameters, insert the row, hand back the reminder id.
type ReminderConnector struct {
	db  *bun.DB
	now func() time.Time
}

func NewReminderConnector(db *bun.DB) *ReminderConnector {
	return &ReminderConnector{db: db, now: time.Now}
}

// EnsureSchema creates the reminders table when it does not exist.
func (c *ReminderConnector) EnsureSchema(ctx context.Context) error {
	_, err := c.db.NewCreateTable().
		Model((*Reminder)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create reminders table: %w", err)
	}
	return nil
}

func (c *ReminderConnector) Execute(ctx context.Context, params map[string]any, actx contractx.ActionContext) (contractx.RouterResult, error) {
	title, _ := params["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		return contractx.RouterResult{}, fmt.Errorf("%w: reminder title is required", contractx.ErrValidation)
	}

	reminder := &Reminder{
		ID:        uuid.NewString(),
		UserID:    actx.UserID,
		RoomID:    actx.RoomID,
		Title:     title,
		CreatedAt: c.now(),
	}
	if due, ok := params["due"].(string); ok && due != "" {
		at, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return contractx.RouterResult{}, fmt.Errorf("%w: due time %q is not RFC 3339", contractx.ErrValidation, due)
		}
		reminder.DueAt = at
	}

	if _, err := c.db.NewInsert().Model(reminder).Exec(ctx); err != nil {
		return contractx.RouterResult{}, fmt.Errorf("insert reminder: %w", err)
	}

	message := fmt.Sprintf("Reminder saved: %s", title)
	if !reminder.DueAt.IsZero() {
		message = fmt.Sprintf("Reminder saved: %s (due %s)", title, reminder.DueAt.Format(time.RFC1123))
	}
	return contractx.RouterResult{
		Status:     contractx.StatusSuccess,
		Message:    message,
		ReminderID: reminder.ID,
	}, nil
}
