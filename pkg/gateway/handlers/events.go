package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/conversation"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/gateway/sse"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
)

// CallEvents is a source of call lifecycle events.
type CallEvents interface {
	Subscribe(fn func(signaling.Event)) (unsubscribe func())
}

// AIEvents is a source of orchestrator events.
type AIEvents interface {
	Subscribe(fn func(conversation.Event)) (unsubscribe func())
}

// EventsHandler streams call and AI events as server-sent events. The
// optional callId query parameter filters to one call. Audio is not streamed.
type EventsHandler struct {
	Calls     CallEvents
	AI        AIEvents
	Lifecycle *lifecycle.Lifecycle
	KeepAlive time.Duration
}

type callEventData struct {
	Call   calls.Snapshot `json:"call"`
	Reason string         `json:"reason,omitempty"`
}

type streamFrame struct {
	event string
	data  any
}

const eventsBuffer = 256

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")

	frames := make(chan streamFrame, eventsBuffer)
	push := func(f streamFrame) {
		select {
		case frames <- f:
		default:
			// Slow reader; drop rather than stall the bus.
		}
	}

	sw, err := sse.New(w)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	if h.Calls != nil {
		unsub := h.Calls.Subscribe(func(ev signaling.Event) {
			if callID != "" && ev.Call.ID != callID {
				return
			}
			push(streamFrame{event: string(ev.Kind), data: callEventData{Call: ev.Call, Reason: ev.Reason}})
		})
		defer unsub()
	}
	if h.AI != nil {
		unsub := h.AI.Subscribe(func(ev conversation.Event) {
			if ev.Kind == conversation.EventAudioReady || (callID != "" && ev.CallID != callID) {
				return
			}
			ev.Audio = nil
			push(streamFrame{event: "ai-" + string(ev.Kind), data: ev})
		})
		defer unsub()
	}

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.Lifecycle.Drained():
			_ = sw.Send("draining", map[string]bool{"draining": true})
			return
		case <-ticker.C:
			if err := sw.Comment("keepalive"); err != nil {
				return
			}
		case f := <-frames:
			if err := sw.Send(f.event, f.data); err != nil {
				return
			}
		}
	}
}
