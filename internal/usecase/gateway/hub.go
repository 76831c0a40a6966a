package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Hub owns every bot identity. It is the only holder of Discord
// connections in the system; callers address identities by logical name
// and never see tokens.
type Hub struct {
	logger *slog.Logger
	dial   dialer
	buffer int

	mu         sync.RWMutex
	identities map[string]*BotIdentity
	byToken    map[string]string

	wg sync.WaitGroup
}

// HubOption configures the Hub.
type HubOption func(*Hub)

// WithDialer substitutes the Discord session factory (tests).
func WithDialer(d dialer) HubOption {
	return func(h *Hub) { h.dial = d }
}

// WithBufferSize overrides the per-subscription event buffer.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logger,
		dial:       discordDialer,
		buffer:     DefaultBufferSize,
		identities: make(map[string]*BotIdentity),
		byToken:    make(map[string]string),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register creates a BotIdentity for a logical bot name. Two identities
// sharing one token is a configuration error.
func (h *Hub) Register(name, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.identities[name]; exists {
		return domain.NewDomainError("Hub.Register", domain.ErrDuplicate, "bot "+name)
	}
	if prev, clash := h.byToken[token]; clash {
		return domain.NewDomainError("Hub.Register", domain.ErrDuplicate,
			fmt.Sprintf("bots %q and %q share a token", prev, name))
	}
	h.identities[name] = newBotIdentity(name, token, h.dial, h.logger, h.buffer)
	h.byToken[token] = name
	return nil
}

// Start launches every identity's connection loop in parallel. A failing
// identity degrades alone; Start never blocks on connects.
func (h *Hub) Start(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range h.identities {
		h.wg.Add(1)
		go func(b *BotIdentity) {
			defer h.wg.Done()
			b.Run(ctx)
		}(id)
	}
}

// Wait blocks until every identity loop has exited.
func (h *Hub) Wait() { h.wg.Wait() }

// Get looks up an identity by logical name.
func (h *Hub) Get(name string) (*BotIdentity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.identities[name]
	if !ok {
		return nil, domain.NewDomainError("Hub.Get", domain.ErrUnknownBot, name)
	}
	return id, nil
}

// List returns a status snapshot per identity, sorted by name.
func (h *Hub) List() []domain.BotStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.BotStatus, 0, len(h.identities))
	for _, id := range h.identities {
		out = append(out, id.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
