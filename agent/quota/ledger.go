package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

// Resource names one independently metered usage budget.
type Resource string

const (
	ResourceSearch   Resource = "search"
	ResourceActions  Resource = "actions"
	ResourceMessages Resource = "messages"
	ResourceUploads  Resource = "uploads"
)

// Granularity is the bucketing applied to the clock when deriving a
// window key. Windows expire at the boundary; counters are never
// deleted explicitly.
type Granularity string

const (
	WindowDay     Granularity = "day"
	WindowHour    Granularity = "hour"
	WindowMinute  Granularity = "minute"
	WindowTenHour Granularity = "10h"
)

type Status string

const (
	StatusGood      Status = "good"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
	StatusExhausted Status = "exhausted"
)

// Policy is one resource's budget. FailOpen decides the gate outcome
// when the counter store is unreachable.
type Policy struct {
	Limit    int64
	Window   Granularity
	FailOpen bool
}

// Config carries the per-resource limits. Window granularities and
// fail-open policy are fixed by design, not configuration.
type Config struct {
	SearchLimit  int64 `envconfig:"SEARCH_LIMIT" split_words:"true" default:"10"`
	ActionLimit  int64 `envconfig:"ACTION_LIMIT" split_words:"true" default:"20"`
	MessageLimit int64 `envconfig:"MESSAGE_LIMIT" split_words:"true" default:"30"`
	UploadLimit  int64 `envconfig:"UPLOAD_LIMIT" split_words:"true" default:"5"`
}

// DefaultPolicies returns the standard budget set. search and uploads
// are read-weight resources and fail open on store outage; actions and
// messages fail closed.
func DefaultPolicies(cfg Config) map[Resource]Policy {
	return map[Resource]Policy{
		ResourceSearch:   {Limit: cfg.SearchLimit, Window: WindowDay, FailOpen: true},
		ResourceActions:  {Limit: cfg.ActionLimit, Window: WindowTenHour, FailOpen: false},
		ResourceMessages: {Limit: cfg.MessageLimit, Window: WindowMinute, FailOpen: false},
		ResourceUploads:  {Limit: cfg.UploadLimit, Window: WindowHour, FailOpen: true},
	}
}

// Decision is one gate outcome. Used/Limit describe the window the
// decision was made against.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	Status  Status
	Color   string
}

// Usage is one row of a user's quota snapshot.
type Usage struct {
	Resource Resource `json:"resource"`
	Used     int64    `json:"used"`
	Limit    int64    `json:"limit"`
	Status   Status   `json:"status"`
	Color    string   `json:"color"`
	Resets   string   `json:"resets"`
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithPolicies(policies map[Resource]Policy) Option {
	return func(l *Ledger) {
		if len(policies) > 0 {
			l.policies = policies
		}
	}
}

// Ledger gates and accounts usage against four independent counter
// windows. All state lives in the injected store; one Ledger serves
// all users.
type Ledger struct {
	store    contractx.KVStore
	policies map[Resource]Policy
	now      func() time.Time
}

func NewLedger(store contractx.KVStore, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		policies: DefaultPolicies(cfg),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Gate reports whether one more use of resource is allowed. Denial
// means the window is exhausted; store outage follows the resource's
// fail policy and never returns an error.
func (l *Ledger) Gate(ctx context.Context, userID string, resource Resource) Decision {
	policy, ok := l.policies[resource]
	if !ok {
		return Decision{Allowed: false, Status: StatusExhausted, Color: colorFor(StatusExhausted)}
	}

	used, err := l.used(ctx, userID, resource, policy)
	if err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("resource", string(resource)).
			Bool("fail_open", policy.FailOpen).
			Msg("quota counter read failed")
		if policy.FailOpen {
			return Decision{Allowed: true, Used: 0, Limit: policy.Limit, Status: StatusGood, Color: colorFor(StatusGood)}
		}
		return Decision{Allowed: false, Used: policy.Limit, Limit: policy.Limit, Status: StatusExhausted, Color: colorFor(StatusExhausted)}
	}

	status := statusFor(used, policy.Limit)
	return Decision{
		Allowed: used < policy.Limit,
		Used:    used,
		Limit:   policy.Limit,
		Status:  status,
		Color:   colorFor(status),
	}
}

// Increment records one use of resource in the current window. The
// counter is created on first use and expires with the window.
func (l *Ledger) Increment(ctx context.Context, userID string, resource Resource) error {
	policy, ok := l.policies[resource]
	if !ok {
		return fmt.Errorf("%w: unknown quota resource %q", contractx.ErrValidation, resource)
	}
	key := l.key(userID, resource, policy.Window)
	if _, err := l.store.Incr(ctx, key, windowLength(policy.Window)); err != nil {
		return fmt.Errorf("increment %s quota: %w", resource, err)
	}
	return nil
}

// Snapshot reports current usage across all resources. It always fails
// open: unreadable counters report as zero usage.
func (l *Ledger) Snapshot(ctx context.Context, userID string) []Usage {
	usages := make([]Usage, 0, len(l.policies))
	for _, resource := range []Resource{ResourceSearch, ResourceActions, ResourceMessages, ResourceUploads} {
		policy, ok := l.policies[resource]
		if !ok {
			continue
		}
		used, err := l.used(ctx, userID, resource, policy)
		if err != nil {
			log.Warn().Err(err).Str("resource", string(resource)).Msg("quota snapshot read failed")
			used = 0
		}
		status := statusFor(used, policy.Limit)
		usages = append(usages, Usage{
			Resource: resource,
			Used:     used,
			Limit:    policy.Limit,
			Status:   status,
			Color:    colorFor(status),
			Resets:   resetDescription(policy.Window),
		})
	}
	return usages
}

func (l *Ledger) used(ctx context.Context, userID string, resource Resource, policy Policy) (int64, error) {
	key := l.key(userID, resource, policy.Window)
	value, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	used, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return used, nil
}

// key derives the window identity. Every resource, messages included,
// uses the same user+time-bucket scheme.
func (l *Ledger) key(userID string, resource Resource, window Granularity) string {
	return fmt.Sprintf("quota:%s:%s:%s", resource, userID, windowBucket(l.now().UTC(), window))
}

func windowBucket(t time.Time, window Granularity) string {
	switch window {
	case WindowDay:
		return t.Format("2006-01-02")
	case WindowHour:
		return t.Format("2006-01-02-15")
	case WindowMinute:
		return t.Format("2006-01-02-15-04")
	case WindowTenHour:
		return strconv.FormatInt(t.Unix()/int64(36000), 10)
	default:
		return t.Format("2006-01-02")
	}
}

func windowLength(window Granularity) time.Duration {
	switch window {
	case WindowDay:
		return 24 * time.Hour
	case WindowHour:
		return time.Hour
	case WindowMinute:
		return time.Minute
	case WindowTenHour:
		return 10 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func resetDescription(window Granularity) string {
	switch window {
	case WindowDay:
		return "resets daily"
	case WindowHour:
		return "resets hourly"
	case WindowMinute:
		return "resets every minute"
	case WindowTenHour:
		return "resets every 10 hours"
	default:
		return "resets daily"
	}
}

func statusFor(used, limit int64) Status {
	if limit <= 0 {
		return StatusExhausted
	}
	percent := used * 100 / limit
	switch {
	case percent >= 100:
		return StatusExhausted
	case percent >= 80:
		return StatusCritical
	case percent >= 50:
		return StatusWarning
	default:
		return StatusGood
	}
}

func colorFor(status Status) string {
	switch status {
	case StatusExhausted:
		return "red"
	case StatusCritical:
		return "orange"
	case StatusWarning:
		return "yellow"
	default:
		return "green"
	}
}
