package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino/compose"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
	nodex "github.com/bedah-kym/chatcore/agent/nodes"
	"github.com/bedah-kym/chatcore/agent/stream"
)

var (
	ErrInvalidUser    = nodex.ErrInvalidUser
	ErrInvalidRoom    = nodex.ErrInvalidRoom
	ErrInvalidMessage = nodex.ErrInvalidMessage
)

// Orchestrator runs the message pipeline: validate, meter, classify,
// dispatch, stream. One orchestrator serves all rooms; each HandleMessage
// call owns its own pipeline state.
type Orchestrator struct {
	gate        nodex.MessageGate
	classifier  nodex.Classifier
	dispatcher  nodex.Dispatcher
	model       contractx.LanguageModel
	synthesizer *stream.Synthesizer
	chatPrompt  string

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	now func() time.Time
}

func New(
	gate nodex.MessageGate,
	classifier nodex.Classifier,
	dispatcher nodex.Dispatcher,
	model contractx.LanguageModel,
	synthesizer *stream.Synthesizer,
	chatPrompt string,
) (*Orchestrator, error) {
	if gate == nil {
		return nil, errors.New("quota gate is required")
	}
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if model == nil {
		return nil, errors.New("language model is required")
	}
	if synthesizer == nil {
		return nil, errors.New("stream synthesizer is required")
	}

	o := &Orchestrator{
		gate:        gate,
		classifier:  classifier,
		dispatcher:  dispatcher,
		model:       model,
		synthesizer: synthesizer,
		chatPrompt:  chatPrompt,
		now:         time.Now,
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleMessage runs one inbound message through the pipeline and
// returns the full reply text that was streamed to the room.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, roomID, text string) (string, error) {
	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		UserID: userID,
		RoomID: roomID,
		Text:   text,
	})
	if err != nil {
		return "", err
	}
	return out.Reply, nil
}
