package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

const (
	// DefaultMaxChars flushes once the buffer holds this many bytes.
	DefaultMaxChars = 120
	// DefaultMaxInterval flushes a non-empty buffer that has waited
	// this long, so slow models still read as live typing.
	DefaultMaxInterval = 1500 * time.Millisecond
)

type Option func(*Synthesizer)

func WithMaxChars(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

func WithMaxInterval(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d > 0 {
			s.maxInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		if now != nil {
			s.now = now
		}
	}
}

// Synthesizer batches model fragments into chunk events sized for a
// chat client. It holds no per-response state itself; call Begin for
// each response.
type Synthesizer struct {
	broadcaster contractx.Broadcaster
	maxChars    int
	maxInterval time.Duration
	now         func() time.Time
}

func NewSynthesizer(broadcaster contractx.Broadcaster, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		broadcaster: broadcaster,
		maxChars:    DefaultMaxChars,
		maxInterval: DefaultMaxInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Begin opens a response stream toward group. The returned Response is
// not safe for concurrent use; one goroutine owns a response.
func (s *Synthesizer) Begin(group string) *Response {
	return &Response{
		synth:     s,
		group:     group,
		lastFlush: s.now(),
	}
}

// Response accumulates one reply's fragments. Push may flush; Finish
// always emits exactly one final chunk and ends the response.
type Response struct {
	synth     *Synthesizer
	group     string
	buffer    strings.Builder
	lastFlush time.Time
	closed    bool
	finished  bool
}

// Push appends a fragment, flushing when the buffer crosses the size
// threshold or has aged past the interval. A disconnected group stops
// the stream silently; later pushes are no-ops.
func (r *Response) Push(fragment string) error {
	if r.finished {
		return fmt.Errorf("%w: response already finished", contractx.ErrValidation)
	}
	if r.closed || fragment == "" {
		return nil
	}
	r.buffer.WriteString(fragment)

	due := r.buffer.Len() >= r.synth.maxChars ||
		r.synth.now().Sub(r.lastFlush) >= r.synth.maxInterval
	if !due {
		return nil
	}
	return r.flush(false)
}

// Finish flushes whatever remains and emits the final chunk. The final
// chunk is sent even when no content was ever pushed, so clients always
// see the response close.
func (r *Response) Finish() error {
	if r.finished {
		return nil
	}
	r.finished = true
	if r.closed {
		return nil
	}
	return r.flush(true)
}

func (r *Response) flush(final bool) error {
	if !final && r.buffer.Len() == 0 {
		return nil
	}
	event := contractx.StreamEvent{
		Type:    contractx.EventStreamChunk,
		Chunk:   r.buffer.String(),
		IsFinal: final,
	}
	r.buffer.Reset()
	r.lastFlush = r.synth.now()

	if err := r.synth.broadcaster.Broadcast(r.group, event); err != nil {
		if errors.Is(err, contractx.ErrChannelClosed) {
			r.closed = true
			return nil
		}
		return fmt.Errorf("broadcast chunk: %w", err)
	}
	return nil
}
