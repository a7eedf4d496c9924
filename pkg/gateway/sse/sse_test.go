package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type noFlushWriter struct{ http.ResponseWriter }

func TestNew_RequiresFlusher(t *testing.T) {
	if _, err := New(noFlushWriter{httptest.NewRecorder()}); err == nil {
		t.Fatalf("expected error for writer without Flush")
	}
}

func TestWriter_SendAndComment(t *testing.T) {
	rr := httptest.NewRecorder()
	sw, err := New(rr)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sw.Send("call-answered", map[string]string{"callId": "c1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := sw.Comment("keep\nalive"); err != nil {
		t.Fatalf("Comment() error = %v", err)
	}
	if err := sw.Send("call-ended", map[string]string{"callId": "c1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := "id: 1\nevent: call-answered\ndata: {\"callId\":\"c1\"}\n\n" +
		": keep alive\n\n" +
		"id: 2\nevent: call-ended\ndata: {\"callId\":\"c1\"}\n\n"
	if got := rr.Body.String(); got != want {
		t.Fatalf("body = %q\nwant %q", got, want)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
}
