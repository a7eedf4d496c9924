package operator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/vango-go/vai-callcenter/pkg/core/voice/stt"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// startPostProcess runs the recording pipeline for a finished call in the
// background. Nothing here touches call state.
func (g *Gateway) startPostProcess(s *Session, callID string, chunks [][]byte) {
	if len(chunks) == 0 {
		s.notify(Notification{Type: TypeCallProcessingFailed, CallID: callID, Stage: StageRecording, Message: "no audio recorded"})
		return
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		g.logger.Warn("post-processing skipped during shutdown", "call_id", callID)
		return
	}
	g.jobs.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.jobs.Done()
		ctx, cancel := context.WithTimeout(g.baseCtx, g.cfg.PostProcessTimeout)
		defer cancel()
		g.postProcess(ctx, s, callID, bytes.Join(chunks, nil))
	}()
}

func (g *Gateway) postProcess(ctx context.Context, s *Session, callID string, audio []byte) {
	fail := func(stage string, err error) {
		g.logger.Error("call post-processing failed", "call_id", callID, "operator_id", s.id, "stage", stage, "error", err)
		s.notify(Notification{Type: TypeCallProcessingFailed, CallID: callID, Stage: stage, Message: errMessage(err)})
	}

	contentType, ext := recordingType(g.cfg.AudioFormat)
	url, err := g.deps.Uploader.Upload(ctx, audio, fmt.Sprintf("recordings/%s%s", callID, ext), contentType)
	if err != nil {
		fail(StageUpload, err)
		return
	}

	transcript, err := g.deps.Analyzer.Transcribe(ctx, audio, stt.TranscribeOptions{
		Language:   g.cfg.Language,
		Format:     g.cfg.AudioFormat,
		SampleRate: g.cfg.SampleRate,
	})
	if err != nil {
		g.saveRecordingURL(ctx, callID, url)
		fail(StageTranscribe, err)
		return
	}

	review, err := g.deps.Analyzer.Analyze(ctx, transcript, g.cfg.Language)
	if err != nil {
		g.saveRecordingURL(ctx, callID, url)
		fail(StageAnalyze, err)
		return
	}
	analysis := &store.Analysis{
		Summary:   review.Summary,
		Sentiment: review.Sentiment,
		Outcome:   review.Outcome,
		NextSteps: review.NextSteps,
	}

	status := store.ConversationCompleted
	err = g.deps.Conversations.UpdateConversation(ctx, callID, store.ConversationUpdate{
		Status:       &status,
		Transcript:   &transcript,
		RecordingURL: &url,
		Analysis:     analysis,
	})
	if err != nil {
		fail(StageUpdate, err)
		return
	}

	g.logger.Info("call processed", "call_id", callID, "operator_id", s.id, "bytes", len(audio))
	s.notify(Notification{
		Type:         TypeCallProcessed,
		CallID:       callID,
		RecordingURL: url,
		Transcript:   transcript,
		Analysis:     analysis,
	})
}

// saveRecordingURL keeps the uploaded recording reachable when a later
// stage fails.
func (g *Gateway) saveRecordingURL(ctx context.Context, callID, url string) {
	if err := g.deps.Conversations.UpdateConversation(ctx, callID, store.ConversationUpdate{RecordingURL: &url}); err != nil {
		g.logger.Warn("save recording url failed", "call_id", callID, "error", err)
	}
}

func recordingType(format string) (contentType, ext string) {
	switch format {
	case "mulaw":
		return "audio/basic", ".ulaw"
	case "pcm", "pcm_s16le":
		return "audio/L16", ".pcm"
	case "wav":
		return "audio/wav", ".wav"
	case "mp3":
		return "audio/mpeg", ".mp3"
	default:
		return "application/octet-stream", ".bin"
	}
}
