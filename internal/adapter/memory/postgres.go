// Package memory implements the shared vector memory service on
// PostgreSQL with the pgvector extension. It is a thin semantic index:
// no reranking, no chunking, no summarization.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/robfig/cron/v3"

	"github.com/glindberg2000/superagent/internal/domain"
)

const (
	defaultK = 5
	maxK     = 100
)

// DB is the subset of pgxpool.Pool the store uses. Narrowed for tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tune the store.
type Options struct {
	RetentionDays int // 0 = unbounded append, no sweep
}

// Store implements domain.MemoryService.
type Store struct {
	db       DB
	embedder domain.EmbeddingProvider
	dims     int
	opts     Options
	logger   *slog.Logger
	sweeper  *cron.Cron
	closer   func()
}

// New connects to the database, runs migrations, and returns a ready
// Store. The embedding dimension is fixed here for the life of the
// deployment; mismatched writes are rejected.
func New(ctx context.Context, dsn string, embedder domain.EmbeddingProvider, logger *slog.Logger, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", domain.ErrStoreUnavailable, err)
	}

	s := &Store{
		db:       pool,
		embedder: embedder,
		dims:     embedder.Dimensions(),
		opts:     opts,
		logger:   logger,
		closer:   pool.Close,
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.startRetention()
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS memories_agent_idx ON memories (agent_id)`,
		`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", domain.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// startRetention installs a daily sweep when retention is configured.
func (s *Store) startRetention() {
	if s.opts.RetentionDays <= 0 {
		return
	}
	s.sweeper = cron.New()
	s.sweeper.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Warn("retention sweep failed", "error", err)
		}
	})
	s.sweeper.Start()
}

// Sweep deletes records older than the configured retention window.
func (s *Store) Sweep(ctx context.Context) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE created_at < now() - make_interval(days => $1)`,
		s.opts.RetentionDays)
	if err != nil {
		return fmt.Errorf("%w: sweep: %v", domain.ErrStoreUnavailable, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("retention sweep", "deleted", n)
	}
	return nil
}

// Store embeds content and persists a new record, returning its id.
// Embedding failure and persistence failure surface as distinct errors
// so callers can degrade differently.
func (s *Store) Store(ctx context.Context, agentID, content string, metadata map[string]string) (int64, error) {
	if agentID == "" {
		return 0, domain.NewDomainError("Memory.Store", domain.ErrConfig, "agent_id is mandatory")
	}
	if content == "" {
		return 0, domain.NewDomainError("Memory.Store", domain.ErrConfig, "content must be non-empty")
	}

	vecs, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return 0, domain.WrapOp("Memory.Store", err)
	}
	if len(vecs) != 1 {
		return 0, domain.NewDomainError("Memory.Store", domain.ErrEmbeddingUnavailable,
			fmt.Sprintf("expected 1 embedding, got %d", len(vecs)))
	}
	if len(vecs[0]) != s.dims {
		return 0, domain.NewDomainError("Memory.Store", domain.ErrConfig,
			fmt.Sprintf("embedding dimension %d, store fixed at %d", len(vecs[0]), s.dims))
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, domain.NewDomainError("Memory.Store", domain.ErrStoreUnavailable, "marshal metadata")
	}

	var id int64
	err = s.db.QueryRow(ctx,
		`INSERT INTO memories (agent_id, content, embedding, metadata) VALUES ($1, $2, $3, $4) RETURNING id`,
		agentID, content, pgvector.NewVector(vecs[0]), meta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", domain.ErrStoreUnavailable, err)
	}

	s.logger.Debug("memory stored", "agent", agentID, "id", id)
	return id, nil
}

// Search embeds the query and returns the top-k records by cosine
// similarity, descending; ties break by insertion order. An empty
// agentID requests a cross-agent search.
func (s *Store) Search(ctx context.Context, agentID, query string, k int) ([]domain.SearchResult, error) {
	k = clampK(k)

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, domain.WrapOp("Memory.Search", err)
	}
	if len(vecs) != 1 {
		return nil, domain.NewDomainError("Memory.Search", domain.ErrEmbeddingUnavailable, "no query embedding")
	}
	qvec := pgvector.NewVector(vecs[0])

	var rows pgx.Rows
	if agentID == "" {
		rows, err = s.db.Query(ctx,
			`SELECT agent_id, content, metadata, created_at, 1 - (embedding <=> $1) AS similarity
			 FROM memories ORDER BY embedding <=> $1, id LIMIT $2`,
			qvec, k)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT agent_id, content, metadata, created_at, 1 - (embedding <=> $1) AS similarity
			 FROM memories WHERE agent_id = $2 ORDER BY embedding <=> $1, id LIMIT $3`,
			qvec, agentID, k)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	for rows.Next() {
		var (
			r    domain.SearchResult
			meta []byte
		)
		if err := rows.Scan(&r.AgentID, &r.Content, &meta, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrStoreUnavailable, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", domain.ErrStoreUnavailable, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", domain.ErrStoreUnavailable, err)
	}
	return results, nil
}

// Health round-trips a trivial query.
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close stops the sweeper and releases the pool.
func (s *Store) Close() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.closer != nil {
		s.closer()
	}
}

func clampK(k int) int {
	switch {
	case k <= 0:
		return defaultK
	case k > maxK:
		return maxK
	default:
		return k
	}
}
