package contract

// Intent is the structured interpretation of one user utterance. It is
// produced once per message and never persisted.
type Intent struct {
	Action     string         `json:"action"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActionChat is the free-form conversation fallback. The classifier
// degrades to it whenever it cannot produce a trustworthy intent.
const ActionChat = "chat"

type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// RouterResult is the single outcome shape every dispatch resolves to.
// Nothing past the router boundary surfaces as a raw error.
type RouterResult struct {
	Status     ResultStatus   `json:"status"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	ReminderID string         `json:"reminder_id,omitempty"`
}

func ErrorResult(message string) RouterResult {
	return RouterResult{Status: StatusError, Message: message}
}

// ActionContext carries the per-request identity a connector may need.
// UserID is always set; RoomID is set when the request originated from
// a realtime room.
type ActionContext struct {
	UserID string
	RoomID string
	Vars   map[string]any
}

// StreamEvent is one delivery event on the realtime channel. Events for
// one group are delivered in emission order.
type StreamEvent struct {
	Type    string `json:"type"`
	Chunk   string `json:"chunk"`
	IsFinal bool   `json:"is_final"`
}

const EventStreamChunk = "stream_chunk"
