package contract

import (
	"context"
	"time"
)

// Connector executes one action kind behind the uniform dispatch
// contract. Implementations must be safe for concurrent use; faults are
// reported through the error return, never by panicking (the router
// still guards against panics).
type Connector interface {
	Execute(ctx context.Context, params map[string]any, actx ActionContext) (RouterResult, error)
}

// ConnectorFunc adapts a plain function to the Connector interface.
type ConnectorFunc func(ctx context.Context, params map[string]any, actx ActionContext) (RouterResult, error)

func (f ConnectorFunc) Execute(ctx context.Context, params map[string]any, actx ActionContext) (RouterResult, error) {
	return f(ctx, params, actx)
}

// Deferrable marks a connector whose faults must survive the request:
// the router escalates them into a durable workflow execution instead
// of returning a hard failure. Deferral reports the workflow identity
// and trigger payload to persist for the given call; ok is false when
// the call cannot be replayed (e.g. the workflow name is missing).
type Deferrable interface {
	Deferral(params map[string]any, actx ActionContext) (workflowID string, triggerData map[string]any, ok bool)
}

type GenerateRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	// JSONMode requests (but cannot guarantee) a single JSON object.
	JSONMode bool
}

type StreamRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
}

// LanguageModel is the backend boundary for text synthesis. Stream
// invokes onFragment for each token fragment in order; a non-nil return
// from onFragment aborts the stream.
type LanguageModel interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Stream(ctx context.Context, req StreamRequest, onFragment func(fragment string) error) error
}

// KVStore is the durable counter store with per-key expiry used for
// quota accounting and ephemeral result caching. Absent keys read as
// (zero, false, nil), never as an error.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) error
}

// Broadcaster delivers ordered stream events to every client attached
// to a group. ErrChannelClosed reports a group with no live receivers.
type Broadcaster interface {
	Broadcast(group string, event StreamEvent) error
}

// WorkflowStarter starts a run on the external workflow engine and
// returns its execution id.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, workflowID string, triggerData map[string]any) (string, error)
}
