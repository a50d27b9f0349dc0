package deferred

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

const (
	// DefaultPollInterval is how often the engine scans for due work.
	DefaultPollInterval = 5 * time.Second

	// DefaultBackoffBase and DefaultBackoffCap bound the retry delay:
	// base·2^attempts, never past the cap.
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 15 * time.Minute

	// DefaultBatchSize limits how many records one poll picks up.
	DefaultBatchSize = 20
)

type EngineOption func(*Engine)

func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

func WithBackoff(base, cap time.Duration) EngineOption {
	return func(e *Engine) {
		if base > 0 {
			e.backoffBase = base
		}
		if cap > 0 {
			e.backoffCap = cap
		}
	}
}

func WithBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine drains deferred executions: it polls for due records, claims
// them one at a time, and retries the workflow start until it succeeds
// or the attempt budget runs out. Several engine instances can share a
// store; the claim keeps them from doubling up.
type Engine struct {
	store       Store
	starter     contractx.WorkflowStarter
	broadcaster contractx.Broadcaster

	pollInterval time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	batchSize    int
	now          func() time.Time
}

func NewEngine(store Store, starter contractx.WorkflowStarter, broadcaster contractx.Broadcaster, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		starter:      starter,
		broadcaster:  broadcaster,
		pollInterval: DefaultPollInterval,
		backoffBase:  DefaultBackoffBase,
		backoffCap:   DefaultBackoffCap,
		batchSize:    DefaultBatchSize,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Defer records a workflow start owed to the user and returns the
// execution id. The poll loop picks it up on its next pass.
func (e *Engine) Defer(ctx context.Context, userID, roomID, workflowID string, triggerData map[string]any) (string, error) {
	ex := NewExecution(userID, roomID, workflowID, triggerData, e.now())
	if err := e.store.Create(ctx, ex); err != nil {
		return "", fmt.Errorf("defer workflow %s: %w", workflowID, err)
	}
	log.Info().
		Str("execution_id", ex.ID).
		Str("workflow_id", workflowID).
		Str("user_id", userID).
		Msg("workflow start deferred")
	return ex.ID, nil
}

// Run polls until ctx is cancelled. It returns ctx.Err() on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("deferred sweep failed")
			}
		}
	}
}

// Sweep processes one batch of due records.
func (e *Engine) Sweep(ctx context.Context) error {
	due, err := e.store.Due(ctx, e.now(), e.batchSize)
	if err != nil {
		return fmt.Errorf("query due executions: %w", err)
	}
	for _, ex := range due {
		claimed, err := e.store.Claim(ctx, ex.ID, e.now())
		if err != nil {
			log.Error().Err(err).Str("execution_id", ex.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			continue
		}
		e.attempt(ctx, ex)
	}
	return nil
}

func (e *Engine) attempt(ctx context.Context, ex *Execution) {
	_, err := e.starter.StartWorkflow(ctx, ex.WorkflowID, ex.TriggerData)
	now := e.now()
	if err == nil {
		if markErr := e.store.MarkStarted(ctx, ex.ID, now); markErr != nil {
			log.Error().Err(markErr).Str("execution_id", ex.ID).Msg("mark started failed")
			return
		}
		log.Info().
			Str("execution_id", ex.ID).
			Str("workflow_id", ex.WorkflowID).
			Int("attempts", ex.Attempts).
			Msg("deferred workflow started")
		return
	}

	attempts := ex.Attempts + 1
	if attempts > ex.MaxAttempts {
		if markErr := e.store.Abandon(ctx, ex.ID, attempts, err.Error(), now); markErr != nil {
			log.Error().Err(markErr).Str("execution_id", ex.ID).Msg("abandon failed")
			return
		}
		log.Warn().
			Str("execution_id", ex.ID).
			Str("workflow_id", ex.WorkflowID).
			Int("attempts", attempts).
			Err(err).
			Msg("deferred workflow abandoned")
		e.notifyAbandoned(ex)
		return
	}

	retryAt := now.Add(e.backoff(attempts))
	if markErr := e.store.MarkFailed(ctx, ex.ID, attempts, err.Error(), retryAt, now); markErr != nil {
		log.Error().Err(markErr).Str("execution_id", ex.ID).Msg("mark failed failed")
		return
	}
	log.Warn().
		Str("execution_id", ex.ID).
		Str("workflow_id", ex.WorkflowID).
		Int("attempts", attempts).
		Time("next_retry_at", retryAt).
		Err(err).
		Msg("deferred workflow attempt failed")
}

// notifyAbandoned tells the room, out of band, that the owed workflow
// will not run. A room that is gone stays silent.
func (e *Engine) notifyAbandoned(ex *Execution) {
	if e.broadcaster == nil || ex.RoomID == "" {
		return
	}
	event := contractx.StreamEvent{
		Type:    contractx.EventStreamChunk,
		Chunk:   fmt.Sprintf("I wasn't able to start the %q workflow after several retries. Please try again later.", ex.WorkflowID),
		IsFinal: true,
	}
	if err := e.broadcaster.Broadcast(ex.RoomID, event); err != nil {
		log.Debug().Err(err).Str("room_id", ex.RoomID).Msg("abandon notice not delivered")
	}
}

func (e *Engine) backoff(attempts int) time.Duration {
	delay := e.backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= e.backoffCap {
			return e.backoffCap
		}
	}
	return delay
}
