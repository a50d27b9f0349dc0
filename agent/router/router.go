package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
	"github.com/bedah-kym/chatcore/agent/quota"
	"github.com/bedah-kym/chatcore/agent/resultcache"
)

const (
	// DefaultThreshold: intents scored below this never reach a
	// connector.
	DefaultThreshold = 0.7

	// DefaultConnectorTimeout bounds one connector call. A timeout is
	// handled like any other connector fault.
	DefaultConnectorTimeout = 10 * time.Second
)

// refParams are the parameter names that may point back into a prior
// result set and get resolved before dispatch.
var refParams = []string{"reference", "selection", "option"}

// Ledger is the slice of the quota ledger the router needs.
type Ledger interface {
	Gate(ctx context.Context, userID string, resource quota.Resource) quota.Decision
	Increment(ctx context.Context, userID string, resource quota.Resource) error
}

// ResultCache resolves references against, and stores, per-user result
// sets.
type ResultCache interface {
	Resolve(ctx context.Context, userID, action, reference string) (map[string]any, bool, error)
	Store(ctx context.Context, userID, action string, env resultcache.Envelope) error
}

// Deferrer persists a workflow start that could not happen inline.
type Deferrer interface {
	Defer(ctx context.Context, userID, roomID, workflowID string, triggerData map[string]any) (string, error)
}

// Routed is one dispatch outcome. Fallback set means the intent did not
// qualify for a connector and the caller should stream a free-form chat
// reply instead.
type Routed struct {
	Fallback bool
	Result   contractx.RouterResult
}

type Option func(*Router)

func WithThreshold(threshold float64) Option {
	return func(r *Router) {
		if threshold > 0 {
			r.threshold = threshold
		}
	}
}

func WithConnectorTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Router dispatches classified intents to registered connectors behind
// quota gating, reference resolution, and fault normalization. No
// connector fault, panic included, escapes Route.
type Router struct {
	connectors map[string]contractx.Connector
	ledger     Ledger
	cache      ResultCache
	deferrer   Deferrer
	threshold  float64
	timeout    time.Duration
}

func New(ledger Ledger, cache ResultCache, deferrer Deferrer, opts ...Option) *Router {
	r := &Router{
		connectors: make(map[string]contractx.Connector),
		ledger:     ledger,
		cache:      cache,
		deferrer:   deferrer,
		threshold:  DefaultThreshold,
		timeout:    DefaultConnectorTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register binds a connector to an action tag. Registration happens at
// wiring time, before any Route call; duplicates are a wiring bug.
func (r *Router) Register(action string, connector contractx.Connector) error {
	if action == "" || connector == nil {
		return fmt.Errorf("%w: action and connector are required", contractx.ErrValidation)
	}
	if _, exists := r.connectors[action]; exists {
		return fmt.Errorf("%w: connector for %q already registered", contractx.ErrValidation, action)
	}
	r.connectors[action] = connector
	return nil
}

// Route dispatches one intent. Every path returns a Routed; errors from
// connectors are normalized into error results, never propagated.
func (r *Router) Route(ctx context.Context, intent contractx.Intent, actx contractx.ActionContext) Routed {
	if intent.Action == contractx.ActionChat || intent.Confidence < r.threshold {
		return Routed{Fallback: true}
	}

	connector, known := r.connectors[intent.Action]
	if !known {
		log.Warn().Err(fmt.Errorf("%w: %s", contractx.ErrUnknownAction, intent.Action)).Msg("dispatch refused")
		return errored(fmt.Sprintf("I don't know how to handle %q yet.", intent.Action))
	}

	decision := r.ledger.Gate(ctx, actx.UserID, quota.ResourceActions)
	if !decision.Allowed {
		return Routed{Result: contractx.RouterResult{
			Status:  contractx.StatusError,
			Message: "You've used up your action quota for now. It will reset shortly.",
			Data: map[string]any{
				"quota": map[string]any{
					"resource": string(quota.ResourceActions),
					"used":     decision.Used,
					"limit":    decision.Limit,
					"status":   string(decision.Status),
					"color":    decision.Color,
				},
			},
		}}
	}

	params, refErr := r.resolveReferences(ctx, intent, actx)
	if refErr != nil {
		log.Info().Err(refErr).Str("action", intent.Action).Msg("reference did not resolve")
		return errored("I couldn't find the item you're referring to. Try running the search again.")
	}

	result, err := r.invoke(ctx, connector, params, actx)
	if err != nil {
		return r.escalate(ctx, connector, intent, params, actx, err)
	}
	if result.Status != contractx.StatusSuccess {
		return Routed{Result: result}
	}

	r.cacheResults(ctx, intent.Action, actx, result)

	if err := r.ledger.Increment(ctx, actx.UserID, quota.ResourceActions); err != nil {
		log.Error().Err(err).Str("user_id", actx.UserID).Msg("actions counter increment failed")
	}
	return Routed{Result: result}
}

// resolveReferences swaps reference-style parameters for the cached
// records they point at. A reference that resolves to nothing is an
// error; a guess would act on the wrong record.
func (r *Router) resolveReferences(ctx context.Context, intent contractx.Intent, actx contractx.ActionContext) (map[string]any, error) {
	params := make(map[string]any, len(intent.Parameters))
	for k, v := range intent.Parameters {
		params[k] = v
	}
	for _, name := range refParams {
		raw, present := params[name]
		if !present {
			continue
		}
		reference, _ := raw.(string)
		if reference == "" {
			continue
		}
		record, found, err := r.cache.Resolve(ctx, actx.UserID, intent.Action, reference)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", reference, err)
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", contractx.ErrUnresolvedRef, reference)
		}
		params[name] = record
	}
	return params, nil
}

// invoke runs the connector under the timeout with a panic guard.
func (r *Router) invoke(ctx context.Context, connector contractx.Connector, params map[string]any, actx contractx.ActionContext) (result contractx.RouterResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("connector panic: %v", rec)
		}
	}()
	return connector.Execute(ctx, params, actx)
}

// escalate turns a connector fault into either a deferred execution
// (for deferrable connectors with a replayable call) or an error
// result.
func (r *Router) escalate(ctx context.Context, connector contractx.Connector, intent contractx.Intent, params map[string]any, actx contractx.ActionContext, cause error) Routed {
	log.Error().Err(cause).Str("action", intent.Action).Str("user_id", actx.UserID).Msg("connector fault")

	deferrable, ok := connector.(contractx.Deferrable)
	if !ok || r.deferrer == nil {
		return errored("Something went wrong handling that. Please try again.")
	}
	workflowID, triggerData, replayable := deferrable.Deferral(params, actx)
	if !replayable {
		return errored("Something went wrong handling that. Please try again.")
	}

	executionID, err := r.deferrer.Defer(ctx, actx.UserID, actx.RoomID, workflowID, triggerData)
	if err != nil {
		log.Error().Err(err).Str("workflow_id", workflowID).Msg("deferral failed")
		return errored("Something went wrong handling that. Please try again.")
	}
	return Routed{Result: contractx.RouterResult{
		Status:  contractx.StatusSuccess,
		Message: "That didn't go through on the first try, so I've queued it and will keep retrying.",
		Data:    map[string]any{"deferred_execution_id": executionID},
	}}
}

// cacheResults stores search-style payloads for later reference
// resolution. Caching is best effort.
func (r *Router) cacheResults(ctx context.Context, action string, actx contractx.ActionContext, result contractx.RouterResult) {
	if result.Data == nil {
		return
	}
	raw, present := result.Data["results"]
	if !present {
		return
	}
	results, ok := asRecords(raw)
	if !ok || len(results) == 0 {
		return
	}
	env := resultcache.Envelope{Results: results}
	if meta, ok := result.Data["metadata"].(map[string]any); ok {
		env.Metadata = meta
	}
	if err := r.cache.Store(ctx, actx.UserID, action, env); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("result set not cached")
	}
}

func asRecords(raw any) ([]map[string]any, bool) {
	switch v := raw.(type) {
	case []map[string]any:
		return v, true
	case []any:
		records := make([]map[string]any, 0, len(v))
		for _, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			records = append(records, record)
		}
		return records, true
	default:
		return nil, false
	}
}

func errored(message string) Routed {
	return Routed{Result: contractx.ErrorResult(message)}
}
