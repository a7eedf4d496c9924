// Package postgres persists agents, conversations, knowledge documents and
// appointments in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-callcenter/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	var a store.Agent
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, prompt, language, model, temperature, max_tokens, voice,
		       inbound_greeting, outbound_greeting, knowledge_base_id, live_stream
		FROM agents WHERE id = $1`, id).Scan(
		&a.ID, &a.Name, &a.Prompt, &a.Language, &a.Model, &a.Temperature, &a.MaxTokens, &a.Voice,
		&a.InboundGreeting, &a.OutboundGreeting, &a.KnowledgeBaseID, &a.LiveStream,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return &a, nil
}

// PutAgent inserts or replaces an agent.
func (s *Store) PutAgent(ctx context.Context, a store.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, prompt, language, model, temperature, max_tokens, voice,
		                    inbound_greeting, outbound_greeting, knowledge_base_id, live_stream)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, prompt = EXCLUDED.prompt, language = EXCLUDED.language,
			model = EXCLUDED.model, temperature = EXCLUDED.temperature, max_tokens = EXCLUDED.max_tokens,
			voice = EXCLUDED.voice, inbound_greeting = EXCLUDED.inbound_greeting,
			outbound_greeting = EXCLUDED.outbound_greeting, knowledge_base_id = EXCLUDED.knowledge_base_id,
			live_stream = EXCLUDED.live_stream`,
		a.ID, a.Name, a.Prompt, a.Language, a.Model, a.Temperature, a.MaxTokens, a.Voice,
		a.InboundGreeting, a.OutboundGreeting, a.KnowledgeBaseID, a.LiveStream,
	)
	if err != nil {
		return fmt.Errorf("postgres: put agent: %w", err)
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, c *store.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = store.ConversationActive
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, call_id, agent_id, lead_id, operator_id, direction, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		c.ID, c.CallID, c.AgentID, c.LeadID, c.OperatorID, c.Direction, c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

func (s *Store) FindByCallID(ctx context.Context, callID string) (*store.Conversation, error) {
	var c store.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, call_id, agent_id, lead_id, operator_id, direction, status,
		       transcript, recording_url, analysis, created_at, updated_at
		FROM conversations WHERE call_id = $1`, callID).Scan(
		&c.ID, &c.CallID, &c.AgentID, &c.LeadID, &c.OperatorID, &c.Direction, &c.Status,
		&c.Transcript, &c.RecordingURL, &c.Analysis, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find conversation: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, callID string, u store.ConversationUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			status        = COALESCE($2, status),
			transcript    = COALESCE($3, transcript),
			recording_url = COALESCE($4, recording_url),
			analysis      = COALESCE($5, analysis),
			updated_at    = $6
		WHERE call_id = $1`,
		callID, u.Status, u.Transcript, u.RecordingURL, u.Analysis, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddKnowledge appends documents to a knowledge base.
func (s *Store) AddKnowledge(ctx context.Context, knowledgeBaseID string, docs ...string) error {
	batch := &pgx.Batch{}
	for _, d := range docs {
		batch.Queue(`INSERT INTO knowledge_documents (knowledge_base_id, content) VALUES ($1, $2)`, knowledgeBaseID, d)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: add knowledge: %w", err)
	}
	return nil
}

func (s *Store) KnowledgeContext(ctx context.Context, knowledgeBaseID string) (string, error) {
	var text *string
	err := s.pool.QueryRow(ctx, `
		SELECT string_agg(content, E'\n\n' ORDER BY id)
		FROM knowledge_documents WHERE knowledge_base_id = $1`, knowledgeBaseID).Scan(&text)
	if err != nil {
		return "", fmt.Errorf("postgres: knowledge context: %w", err)
	}
	if text == nil {
		return "", store.ErrNotFound
	}
	out := *text
	return store.TruncateKnowledge(out), nil
}

func (s *Store) SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT content FROM knowledge_documents
		WHERE knowledge_base_id = $1
		  AND to_tsvector('simple', content) @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $2)) DESC, id
		LIMIT $3`, knowledgeBaseID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search knowledge: %w", err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: search knowledge: %w", err)
	}
	return results, nil
}

func (s *Store) BookAppointment(ctx context.Context, a store.Appointment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointments (id, call_id, date, time, name, phone, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.CallID, a.Date, a.Time, a.Name, a.Phone, a.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: book appointment: %w", err)
	}
	return nil
}
