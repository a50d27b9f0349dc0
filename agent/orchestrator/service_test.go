package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
	"github.com/bedah-kym/chatcore/agent/quota"
	routerx "github.com/bedah-kym/chatcore/agent/router"
	"github.com/bedah-kym/chatcore/agent/stream"
)

type fakeGate struct {
	allowed    bool
	increments int
}

func (g *fakeGate) Gate(context.Context, string, quota.Resource) quota.Decision {
	if g.allowed {
		return quota.Decision{Allowed: true, Limit: 30, Status: quota.StatusGood, Color: "green"}
	}
	return quota.Decision{Allowed: false, Used: 30, Limit: 30, Status: quota.StatusExhausted, Color: "red"}
}

func (g *fakeGate) Increment(context.Context, string, quota.Resource) error {
	g.increments++
	return nil
}

type fakeClassifier struct {
	intent contractx.Intent
	calls  int
}

func (c *fakeClassifier) Classify(context.Context, string) contractx.Intent {
	c.calls++
	return c.intent
}

type fakeDispatcher struct {
	routed routerx.Routed
	calls  int
}

func (d *fakeDispatcher) Route(context.Context, contractx.Intent, contractx.ActionContext) routerx.Routed {
	d.calls++
	return d.routed
}

type fakeModel struct {
	fragments []string
	err       error
}

func (m *fakeModel) Generate(context.Context, contractx.GenerateRequest) (string, error) {
	return "", errors.New("not used")
}

func (m *fakeModel) Stream(_ context.Context, _ contractx.StreamRequest, onFragment func(string) error) error {
	for _, frag := range m.fragments {
		if err := onFragment(frag); err != nil {
			return err
		}
	}
	return m.err
}

type captureBroadcaster struct {
	events []contractx.StreamEvent
}

func (b *captureBroadcaster) Broadcast(_ string, event contractx.StreamEvent) error {
	b.events = append(b.events, event)
	return nil
}

type fixture struct {
	orch       *Orchestrator
	gate       *fakeGate
	classifier *fakeClassifier
	dispatcher *fakeDispatcher
	sink       *captureBroadcaster
}

func newFixture(t *testing.T, gate *fakeGate, classifier *fakeClassifier, dispatcher *fakeDispatcher, model *fakeModel) *fixture {
	t.Helper()
	sink := &captureBroadcaster{}
	synth := stream.NewSynthesizer(sink)
	orch, err := New(gate, classifier, dispatcher, model, synth, "you are a helpful assistant")
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{orch: orch, gate: gate, classifier: classifier, dispatcher: dispatcher, sink: sink}
}

func TestHandleMessageValidatesInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeGate{allowed: true}, &fakeClassifier{}, &fakeDispatcher{}, &fakeModel{})
	ctx := context.Background()

	if _, err := f.orch.HandleMessage(ctx, "", "room-1", "hi"); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("empty user err = %v", err)
	}
	if _, err := f.orch.HandleMessage(ctx, "u1", "", "hi"); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("empty room err = %v", err)
	}
	if _, err := f.orch.HandleMessage(ctx, "u1", "room-1", "   "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("blank text err = %v", err)
	}
}

func TestHandleMessageChatFallbackStreamsModel(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intent: contractx.Intent{Action: contractx.ActionChat, Confidence: 0.4}}
	dispatcher := &fakeDispatcher{routed: routerx.Routed{Fallback: true}}
	model := &fakeModel{fragments: []string{"Hello", " there!"}}
	f := newFixture(t, &fakeGate{allowed: true}, classifier, dispatcher, model)

	reply, err := f.orch.HandleMessage(context.Background(), "u1", "room-1", "hey")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "Hello there!" {
		t.Fatalf("reply = %q", reply)
	}
	if classifier.calls != 1 || dispatcher.calls != 1 {
		t.Fatalf("pipeline calls: classify=%d route=%d", classifier.calls, dispatcher.calls)
	}
	if f.gate.increments != 1 {
		t.Fatalf("message increments = %d, want 1", f.gate.increments)
	}

	last := f.sink.events[len(f.sink.events)-1]
	if !last.IsFinal {
		t.Fatal("stream did not close with a final event")
	}
}

func TestHandleMessageRoutedResultIsStreamed(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intent: contractx.Intent{Action: "reminder.create", Confidence: 0.9}}
	dispatcher := &fakeDispatcher{routed: routerx.Routed{Result: contractx.RouterResult{
		Status:  contractx.StatusSuccess,
		Message: "Reminder saved: standup",
	}}}
	f := newFixture(t, &fakeGate{allowed: true}, classifier, dispatcher, &fakeModel{})

	reply, err := f.orch.HandleMessage(context.Background(), "u1", "room-1", "remind me about standup")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "Reminder saved: standup" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHandleMessageQuotaDenialShortCircuits(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{}
	dispatcher := &fakeDispatcher{}
	f := newFixture(t, &fakeGate{allowed: false}, classifier, dispatcher, &fakeModel{})

	reply, err := f.orch.HandleMessage(context.Background(), "u1", "room-1", "hey")
	if err != nil {
		t.Fatalf("denial should not be an error: %v", err)
	}
	if !strings.Contains(reply, "plan allows") {
		t.Fatalf("reply = %q, want quota denial text", reply)
	}
	if classifier.calls != 0 || dispatcher.calls != 0 {
		t.Fatal("denied message still ran the pipeline")
	}
	if f.gate.increments != 0 {
		t.Fatal("denied message was counted")
	}
	if last := f.sink.events[len(f.sink.events)-1]; !last.IsFinal {
		t.Fatal("denial stream did not close")
	}
}

func TestHandleMessageModelFailureApologizes(t *testing.T) {
	t.Parallel()

	classifier := &fakeClassifier{intent: contractx.Intent{Action: contractx.ActionChat, Confidence: 0}}
	dispatcher := &fakeDispatcher{routed: routerx.Routed{Fallback: true}}
	model := &fakeModel{err: errors.New("backend 500")}
	f := newFixture(t, &fakeGate{allowed: true}, classifier, dispatcher, model)

	reply, err := f.orch.HandleMessage(context.Background(), "u1", "room-1", "hey")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(reply, "try again") {
		t.Fatalf("reply = %q, want apology", reply)
	}
}
