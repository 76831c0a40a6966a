package domain

import (
	"context"
	"time"
)

// MemoryRecord is one stored memory row. Records are append-only.
type MemoryRecord struct {
	ID        int64             `json:"id"`
	AgentID   string            `json:"agent_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SearchResult pairs a memory record with its cosine similarity to the
// query (higher is closer).
type SearchResult struct {
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	AgentID    string            `json:"agent_id"`
	CreatedAt  time.Time         `json:"created_at"`
}

// MemoryService is the shared vector memory. An empty agentID on Search
// requests a cross-agent query; Store always requires one.
type MemoryService interface {
	Store(ctx context.Context, agentID, content string, metadata map[string]string) (int64, error)
	Search(ctx context.Context, agentID, query string, k int) ([]SearchResult, error)
	Health(ctx context.Context) error
}
