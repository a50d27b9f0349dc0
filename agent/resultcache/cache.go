package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

// DefaultTTL bounds how long a cached result set stays resolvable.
const DefaultTTL = time.Hour

// altFields are checked, in order, when a reference does not match any
// result's primary id.
var altFields = []string{"provider_id", "code", "sequence_number"}

// Envelope is the stored shape: the result set plus whatever context
// the producing action wants to keep alongside it.
type Envelope struct {
	Results  []map[string]any `json:"results"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Cache keeps the most recent result set per user+action so follow-up
// messages can point back into it. Each Store fully replaces the
// previous set for that slot.
type Cache struct {
	store contractx.KVStore
	ttl   time.Duration
}

func New(store contractx.KVStore, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Store replaces the cached result set for user+action.
func (c *Cache) Store(ctx context.Context, userID, action string, env Envelope) error {
	if env.Results == nil {
		env.Results = []map[string]any{}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode result set: %w", err)
	}
	if err := c.store.Set(ctx, key(userID, action), string(raw), c.ttl); err != nil {
		return fmt.Errorf("store result set: %w", err)
	}
	return nil
}

// Load returns the cached envelope for user+action, reporting absence
// separately from store failure.
func (c *Cache) Load(ctx context.Context, userID, action string) (Envelope, bool, error) {
	raw, ok, err := c.store.Get(ctx, key(userID, action))
	if err != nil {
		return Envelope{}, false, fmt.Errorf("load result set: %w", err)
	}
	if !ok {
		return Envelope{}, false, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, false, fmt.Errorf("decode result set: %w", err)
	}
	return env, true, nil
}

// Resolve maps a user-supplied reference to one result from the cached
// set. References are tried as a primary id (case-insensitive), then
// against the alternate identifier fields, then as a 1-based position.
// A reference that matches nothing reports absence, not an error.
func (c *Cache) Resolve(ctx context.Context, userID, action, reference string) (map[string]any, bool, error) {
	env, ok, err := c.Load(ctx, userID, action)
	if err != nil || !ok {
		return nil, false, err
	}

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, false, nil
	}

	if result, ok := matchField(env.Results, "id", reference); ok {
		return result, true, nil
	}
	for _, field := range altFields {
		if result, ok := matchField(env.Results, field, reference); ok {
			return result, true, nil
		}
	}
	if index, err := strconv.Atoi(reference); err == nil {
		if index >= 1 && index <= len(env.Results) {
			return env.Results[index-1], true, nil
		}
	}
	return nil, false, nil
}

func matchField(results []map[string]any, field, reference string) (map[string]any, bool) {
	for _, result := range results {
		value, ok := result[field]
		if !ok {
			continue
		}
		if strings.EqualFold(stringify(value), reference) {
			return result, true
		}
	}
	return nil, false
}

// stringify normalises identifier values that arrive as JSON numbers.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func key(userID, action string) string {
	return fmt.Sprintf("cache:results:%s:%s", userID, action)
}
