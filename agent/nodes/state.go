package nodes

import (
	"context"
	"errors"
	"strings"
	"time"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
	"github.com/bedah-kym/chatcore/agent/quota"
	routerx "github.com/bedah-kym/chatcore/agent/router"
)

var (
	ErrInvalidUser    = errors.New("user id is empty")
	ErrInvalidRoom    = errors.New("room id is empty")
	ErrInvalidMessage = errors.New("message is empty")
)

// MessageGate is the slice of the quota ledger the pipeline needs.
type MessageGate interface {
	Gate(ctx context.Context, userID string, resource quota.Resource) quota.Decision
	Increment(ctx context.Context, userID string, resource quota.Resource) error
}

// Classifier turns a raw message into an intent.
type Classifier interface {
	Classify(ctx context.Context, text string) contractx.Intent
}

// Dispatcher routes a classified intent.
type Dispatcher interface {
	Route(ctx context.Context, intent contractx.Intent, actx contractx.ActionContext) routerx.Routed
}

// Streamer delivers one reply's fragments to a room.
type Streamer interface {
	Push(fragment string) error
	Finish() error
}

type GraphInput struct {
	UserID string
	RoomID string
	Text   string
}

type GraphOutput struct {
	Reply string
}

// GraphState is the per-message pipeline state. It is owned by the one
// task processing the message; nodes mutate it in sequence.
type GraphState struct {
	UserID string
	RoomID string
	Text   string
	Now    time.Time

	QuotaDenied  bool
	QuotaMessage string

	Intent contractx.Intent
	Routed routerx.Routed

	Reply string
}

func (s *GraphState) actionContext() contractx.ActionContext {
	return contractx.ActionContext{UserID: s.UserID, RoomID: s.RoomID}
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" {
		return nil, ErrInvalidRoom
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}

	return &GraphState{
		UserID: userID,
		RoomID: roomID,
		Text:   text,
		Now:    nowFn().UTC(),
	}, nil
}
