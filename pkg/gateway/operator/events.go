package operator

import (
	"github.com/vango-go/vai-callcenter/pkg/core/conversation"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
)

// onCallEvent runs on the signaling event goroutine.
func (g *Gateway) onCallEvent(ev signaling.Event) {
	callID := ev.Call.ID
	switch ev.Kind {
	case signaling.EventIncomingCall:
		g.broadcast(Notification{Type: TypeIncomingCall, CallID: callID, From: ev.Call.Number, Number: ev.Call.From})
	case signaling.EventCallAnswered:
		if s := g.ownerOf(callID); s != nil {
			s.notify(Notification{Type: TypeCallAnswered, CallID: callID})
		}
	case signaling.EventCallFailed:
		s := g.ownerOf(callID)
		if s == nil {
			return
		}
		s.detach(callID)
		s.notify(Notification{Type: TypeCallFailed, CallID: callID, Reason: ev.Reason, Message: errText(ev.Err)})
	case signaling.EventCallEnded:
		s := g.ownerOf(callID)
		if s == nil {
			return
		}
		chunks, ok := s.detach(callID)
		if !ok {
			return
		}
		s.notify(Notification{Type: TypeCallEnded, CallID: callID, Reason: ev.Reason})
		g.startPostProcess(s, callID, chunks)
	}
}

// onAIEvent relays orchestrator output to the operator on the call.
func (g *Gateway) onAIEvent(ev conversation.Event) {
	s := g.ownerOf(ev.CallID)
	if s == nil {
		return
	}
	n := Notification{CallID: ev.CallID, Role: ev.Role, Text: ev.Text, Audio: ev.Audio, Format: ev.Format, MIMEType: ev.MIMEType}
	switch ev.Kind {
	case conversation.EventTranscriptDelta:
		n.Type = TypeTranscriptDelta
	case conversation.EventAudioReady:
		n.Type = TypeAudioReady
	case conversation.EventInterrupted:
		n.Type = TypeInterrupted
	case conversation.EventTurn:
		n.Type = TypeAITurn
	case conversation.EventStreamClosed:
		n.Type = TypeAIStreamClosed
		n.Message, n.Text = ev.Text, ""
	default:
		return
	}
	s.notify(n)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
