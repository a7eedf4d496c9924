package conversation

import (
	"context"
	"testing"

	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/events"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

type fakeCallEvents struct {
	bus *events.Bus[signaling.Event]
}

func (f *fakeCallEvents) Subscribe(fn func(signaling.Event)) func() { return f.bus.Subscribe(fn) }

func (f *fakeCallEvents) publish(kind signaling.EventKind, id string, dir calls.Direction) {
	f.bus.Publish(signaling.Event{Kind: kind, Call: calls.Snapshot{ID: id, Direction: dir, Number: "+15550100"}})
}

func newAttachFixture(t *testing.T, cfg AttachConfig) (*fixture, *fakeCallEvents, *Attacher) {
	t.Helper()
	f := newFixture(t)
	src := &fakeCallEvents{bus: events.NewBus[signaling.Event]()}
	a := NewAttacher(f.orch, src, cfg, quietLogger())
	t.Cleanup(func() {
		src.bus.Close()
		a.Close()
	})
	return f, src, a
}

func TestAttacher_InboundAgentHandlesAnsweredCall(t *testing.T) {
	f, src, _ := newAttachFixture(t, AttachConfig{InboundAgentID: "agent-1"})

	src.publish(signaling.EventIncomingCall, "in-1", calls.Inbound)
	src.publish(signaling.EventCallAnswered, "in-1", calls.Inbound)
	eventually(t, func() bool { return f.orch.Active("in-1") })

	history, _ := f.orch.History("in-1")
	if len(history) != 1 || history[0].Content != "Hi, thanks for calling." {
		t.Fatalf("history = %+v", history)
	}
	conv, err := f.store.FindByCallID(context.Background(), "in-1")
	if err != nil || conv.AgentID != "agent-1" || conv.Direction != "inbound" {
		t.Fatalf("conversation = %+v err = %v", conv, err)
	}

	src.publish(signaling.EventCallEnded, "in-1", calls.Inbound)
	eventually(t, func() bool { return !f.orch.Active("in-1") })
	eventually(t, func() bool {
		c, _ := f.store.FindByCallID(context.Background(), "in-1")
		return c != nil && c.Transcript == "assistant: Hi, thanks for calling."
	})
}

func TestAttacher_OnlyAssignedCallsGetSessions(t *testing.T) {
	f, src, a := newAttachFixture(t, AttachConfig{})
	f.conversation(t, "out-1")
	f.conversation(t, "out-2")

	a.Assign("out-1", "agent-1")
	src.publish(signaling.EventCallAnswered, "out-2", calls.Outbound)
	src.publish(signaling.EventCallAnswered, "out-1", calls.Outbound)
	eventually(t, func() bool { return f.orch.Active("out-1") })

	history, _ := f.orch.History("out-1")
	if len(history) != 1 || history[0].Content != "Hello, this is the clinic." {
		t.Fatalf("history = %+v", history)
	}
	if f.orch.Active("out-2") {
		t.Fatalf("unassigned call got a session")
	}

	src.publish(signaling.EventCallFailed, "out-1", calls.Outbound)
	eventually(t, func() bool { return !f.orch.Active("out-1") })
	if _, ok := a.Assigned("out-1"); ok {
		t.Fatalf("assignment kept after call failed")
	}
}

func TestAttacher_UnknownAgentMarksConversationFailed(t *testing.T) {
	f, src, a := newAttachFixture(t, AttachConfig{})
	f.conversation(t, "out-3")

	a.Assign("out-3", "missing")
	src.publish(signaling.EventCallAnswered, "out-3", calls.Outbound)

	eventually(t, func() bool {
		c, _ := f.store.FindByCallID(context.Background(), "out-3")
		return c != nil && c.Status == store.ConversationFailed
	})
	if f.orch.Active("out-3") {
		t.Fatalf("session started for unknown agent")
	}
}

func TestAttacher_AssignAfterAnswerStartsImmediately(t *testing.T) {
	f, src, a := newAttachFixture(t, AttachConfig{})
	f.conversation(t, "out-4")

	src.publish(signaling.EventCallAnswered, "out-4", calls.Outbound)
	eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, ok := a.answered["out-4"]
		return ok
	})

	a.Assign("out-4", "agent-1")
	eventually(t, func() bool { return f.orch.Active("out-4") })
}

func TestAttacher_CallEndedDuringGreetingLeavesNoSession(t *testing.T) {
	f, src, _ := newAttachFixture(t, AttachConfig{InboundAgentID: "agent-1"})
	f.engine.synthGate = make(chan struct{})

	src.publish(signaling.EventCallAnswered, "in-1", calls.Inbound)
	eventually(t, func() bool { return f.orch.Active("in-1") })

	src.publish(signaling.EventCallEnded, "in-1", calls.Inbound)
	eventually(t, func() bool { return !f.orch.Active("in-1") })
	close(f.engine.synthGate)

	eventually(t, func() bool {
		_, registered := f.orch.History("in-1")
		return !registered
	})
	if f.orch.Active("in-1") {
		t.Fatal("session revived after the call ended")
	}
}
