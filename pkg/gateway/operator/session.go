package operator

import "sync"

// Session is one registered operator. The current call is held by
// identifier only and resolved through signaling when needed.
type Session struct {
	id     string
	name   string
	client *client

	mu          sync.Mutex
	currentCall string
	recording   bool
	audio       [][]byte
	dropped     int
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Name() string { return s.name }

func (s *Session) CurrentCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentCall
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// DroppedChunks counts audio chunks discarded because nothing was recording.
func (s *Session) DroppedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) beginCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCall = callID
	s.recording = true
	s.audio = nil
}

func (s *Session) stopRecording(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentCall == callID {
		s.recording = false
	}
}

// appendAudio buffers chunk when callID is the recording call. Anything
// else is dropped.
func (s *Session) appendAudio(callID string, chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording || callID != s.currentCall || len(chunk) == 0 {
		s.dropped++
		return false
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return true
}

// detach clears the current call if it is callID and hands back the
// buffered audio.
func (s *Session) detach(callID string) ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentCall == "" || s.currentCall != callID {
		return nil, false
	}
	chunks := s.audio
	s.currentCall = ""
	s.recording = false
	s.audio = nil
	return chunks, true
}

func (s *Session) notify(n Notification) bool {
	if s.client == nil {
		return false
	}
	return s.client.send(n)
}
