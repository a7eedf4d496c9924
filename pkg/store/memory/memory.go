// Package memory is an in-process store for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-callcenter/pkg/store"
)

// Store keeps records in maps. It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	agents        map[string]store.Agent
	conversations map[string]*store.Conversation // by call id
	knowledge     map[string][]string
	appointments  []store.Appointment
	now           func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		agents:        make(map[string]store.Agent),
		conversations: make(map[string]*store.Conversation),
		knowledge:     make(map[string][]string),
		now:           time.Now,
	}
}

// PutAgent adds or replaces an agent.
func (s *Store) PutAgent(a store.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

// AddKnowledge appends documents to a knowledge base.
func (s *Store) AddKnowledge(knowledgeBaseID string, docs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[knowledgeBaseID] = append(s.knowledge[knowledgeBaseID], docs...)
}

func (s *Store) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) CreateConversation(_ context.Context, c *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = store.ConversationActive
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.conversations[c.CallID] = &cp
	return nil
}

func (s *Store) FindByCallID(_ context.Context, callID string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateConversation(_ context.Context, callID string, u store.ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[callID]
	if !ok {
		return store.ErrNotFound
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Transcript != nil {
		c.Transcript = *u.Transcript
	}
	if u.RecordingURL != nil {
		c.RecordingURL = *u.RecordingURL
	}
	if u.Analysis != nil {
		a := *u.Analysis
		c.Analysis = &a
	}
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) KnowledgeContext(_ context.Context, knowledgeBaseID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, ok := s.knowledge[knowledgeBaseID]
	if !ok {
		return "", store.ErrNotFound
	}
	text := strings.Join(docs, "\n\n")
	return store.TruncateKnowledge(text), nil
}

// SearchKnowledge ranks documents by how many query terms they contain.
func (s *Store) SearchKnowledge(_ context.Context, knowledgeBaseID, query string, limit int) ([]string, error) {
	s.mu.RLock()
	docs := append([]string(nil), s.knowledge[knowledgeBaseID]...)
	s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		doc   string
		score int
	}
	var hits []scored
	for _, d := range docs {
		lower := strings.ToLower(d)
		score := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{d, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	out := make([]string, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, h.doc)
	}
	return out, nil
}

func (s *Store) BookAppointment(_ context.Context, a store.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.appointments = append(s.appointments, a)
	return nil
}

// Appointments returns booked appointments for callID in booking order.
func (s *Store) Appointments(callID string) []store.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Appointment
	for _, a := range s.appointments {
		if a.CallID == callID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Close() error { return nil }
