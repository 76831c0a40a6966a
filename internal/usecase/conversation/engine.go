// Package conversation runs the per-agent message loop: admission
// filtering, context assembly, the provider call, the threaded reply,
// and memory writes. One engine per process-kind agent; each engine is a
// single-writer loop so replies preserve inbound order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
)

const (
	memoryK        = 5
	retryBackoff   = 2 * time.Second
	resubscribeGap = 3 * time.Second
)

// Options tune an Engine beyond its AgentSpec.
type Options struct {
	SimilarityFloor float64
	StateEviction   time.Duration
	LLMTimeout      time.Duration
	GatewayTimeout  time.Duration
	EmbedTimeout    time.Duration
}

// Engine is one agent's conversation loop.
type Engine struct {
	spec     domain.AgentSpec
	gw       domain.ChatGateway
	memory   domain.MemoryService
	provider domain.LLMProvider
	logger   *slog.Logger
	opts     Options

	states    *stateTracker
	botUserID string

	// sleep is swapped in tests to skip real delays.
	sleep func(ctx context.Context, d time.Duration) error

	heartbeat func()
}

// New builds an Engine. botUserID is the agent's own Discord user id,
// discovered from the gateway after connect; the self-reply cut-off
// keys on it.
func New(spec domain.AgentSpec, gw domain.ChatGateway, memory domain.MemoryService, provider domain.LLMProvider, botUserID string, logger *slog.Logger, opts Options) *Engine {
	if opts.LLMTimeout == 0 {
		opts.LLMTimeout = 60 * time.Second
	}
	if opts.GatewayTimeout == 0 {
		opts.GatewayTimeout = 30 * time.Second
	}
	if opts.EmbedTimeout == 0 {
		opts.EmbedTimeout = 10 * time.Second
	}
	return &Engine{
		spec:      spec,
		gw:        gw,
		memory:    memory,
		provider:  provider,
		logger:    logger.With("agent", spec.ID),
		opts:      opts,
		states:    newStateTracker(opts.StateEviction),
		botUserID: botUserID,
		sleep:     sleepCtx,
		heartbeat: func() {},
	}
}

// SetHeartbeat installs a callback invoked once per processed event;
// the supervisor's liveness probe reads it.
func (e *Engine) SetHeartbeat(fn func()) {
	if fn != nil {
		e.heartbeat = fn
	}
}

// ResetConversation clears turn state for one key ("" = all keys).
func (e *Engine) ResetConversation(key string) { e.states.reset(key) }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run subscribes to the agent's bot identity and processes events until
// ctx is cancelled. A dropped subscription is re-established after a
// short pause; the gap is tolerable because context is re-fetched from
// Discord on every turn.
func (e *Engine) Run(ctx context.Context) error {
	e.postStartupNotice(ctx)

	for {
		stream, err := e.gw.Subscribe(ctx, e.spec.ID, "engine-"+e.spec.ID)
		if err != nil {
			e.logger.Warn("subscribe failed", "error", err)
			if serr := e.sleep(ctx, resubscribeGap); serr != nil {
				return serr
			}
			continue
		}

		if err := e.consume(ctx, stream); err != nil {
			stream.Close()
			return err
		}
		stream.Close()

		if err := e.sleep(ctx, resubscribeGap); err != nil {
			return err
		}
		e.logger.Info("resubscribing")
	}
}

func (e *Engine) consume(ctx context.Context, stream domain.EventStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil // stream dropped; caller resubscribes
			}
			e.heartbeat()
			e.HandleEvent(ctx, ev)
		}
	}
}

// postStartupNotice announces the agent in its configured channel.
func (e *Engine) postStartupNotice(ctx context.Context) {
	ch := e.spec.Behavior.StartupChannel
	if ch == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.GatewayTimeout)
	defer cancel()
	_, err := e.gw.Send(cctx, domain.SendRequest{
		Bot:       e.spec.ID,
		ChannelID: ch,
		Content:   fmt.Sprintf("%s is online.", e.spec.DisplayName),
	})
	if err != nil {
		e.logger.Warn("startup notice failed", "error", err)
	}
}

// HandleEvent runs one full turn for one inbound event.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.InboundEvent) {
	if !e.admit(ev) {
		return
	}
	key := ev.ConversationKey()

	history := e.fetchHistory(ctx, key)
	memories := e.fetchMemories(ctx, ev.Content)

	if err := e.sleep(ctx, time.Duration(e.spec.Behavior.ResponseDelaySeconds*float64(time.Second))); err != nil {
		return
	}

	reply, err := e.invokeProvider(ctx, buildPrompt(e.spec, memories, history, ev, e.botUserID))
	if err != nil {
		e.logger.Error("turn aborted", "key", key, "error", err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		e.logger.Debug("provider returned empty reply", "key", key)
		return
	}

	req := domain.SendRequest{
		Bot:       e.spec.ID,
		ChannelID: key,
		Content:   reply,
	}
	if ev.ThreadID == "" {
		// Reply in place. The engine never creates threads;
		// behavior.create_threads is not read.
		req.ReplyTo = ev.MessageID
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.GatewayTimeout)
	msgID, err := e.gw.Send(sctx, req)
	cancel()
	if err != nil {
		e.logger.Error("send failed", "key", key, "error", err)
		return
	}

	e.memorize(ctx, ev, reply, msgID)
	e.states.recordReply(key)
	e.logger.Debug("turn complete", "key", key, "message_id", msgID)
}

// admit applies the admission filters in their fixed order. Rejections
// are silent and logged at debug.
func (e *Engine) admit(ev domain.InboundEvent) bool {
	b := e.spec.Behavior

	// Self-reply cut-off, before everything else, unconditionally.
	if ev.AuthorID == e.botUserID {
		return false
	}
	if ev.IsBotAuthor && b.IgnoreBots && !slices.Contains(b.BotAllowlist, ev.AuthorID) {
		e.logger.Debug("filtered bot author", "author", ev.AuthorID)
		return false
	}
	if len(b.ChannelAllowlist) > 0 && !slices.Contains(b.ChannelAllowlist, ev.ChannelID) {
		e.logger.Debug("filtered channel", "channel", ev.ChannelID)
		return false
	}
	if len(b.TriggerWords) > 0 && !containsAny(ev.Content, b.TriggerWords) {
		e.logger.Debug("no trigger word", "message", ev.MessageID)
		return false
	}
	if e.states.turns(ev.ConversationKey()) >= b.MaxTurnsPerThread {
		e.logger.Debug("turn limit reached", "key", ev.ConversationKey())
		return false
	}
	return true
}

func containsAny(content string, words []string) bool {
	lower := strings.ToLower(content)
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func (e *Engine) fetchHistory(ctx context.Context, key string) []domain.ChannelMessage {
	limit := e.spec.Behavior.MaxContextMessages
	if limit <= 0 {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, e.opts.GatewayTimeout)
	defer cancel()
	history, err := e.gw.Messages(hctx, e.spec.ID, key, limit, "")
	if err != nil {
		e.logger.Warn("history fetch failed", "key", key, "error", err)
		return nil
	}
	return history
}

// fetchMemories queries the vector store scoped to this agent. Failures
// degrade the turn rather than aborting it.
func (e *Engine) fetchMemories(ctx context.Context, query string) []domain.SearchResult {
	if e.memory == nil || query == "" {
		return nil
	}
	mctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	defer cancel()
	results, err := e.memory.Search(mctx, e.spec.ID, query, memoryK)
	if err != nil {
		e.logger.Warn("memory search failed", "error", err)
		return nil
	}
	kept := results[:0]
	for _, r := range results {
		if r.Similarity >= e.opts.SimilarityFloor {
			kept = append(kept, r)
		}
	}
	return kept
}

// invokeProvider calls the LM and retries once on any failure except
// permission denied.
func (e *Engine) invokeProvider(ctx context.Context, msgs []domain.Message) (string, error) {
	req := domain.ChatRequest{
		Model:       e.spec.LLM.Model,
		Messages:    msgs,
		ExtraParams: e.spec.LLM.ExtraParams,
	}

	lctx, cancel := context.WithTimeout(ctx, e.opts.LLMTimeout)
	resp, err := e.provider.Chat(lctx, req)
	cancel()
	if err == nil {
		return resp.Message.Content, nil
	}
	if errors.Is(err, domain.ErrPermissionDenied) {
		return "", err
	}

	e.logger.Warn("provider call failed, retrying once", "error", err)
	if serr := e.sleep(ctx, retryBackoff); serr != nil {
		return "", serr
	}

	lctx, cancel = context.WithTimeout(ctx, e.opts.LLMTimeout)
	resp, err = e.provider.Chat(lctx, req)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: retry failed: %v", domain.ErrProvider, err)
	}
	return resp.Message.Content, nil
}

// memorize stores the user turn and the agent reply. Memory failures
// only cost future recall, so they are logged and swallowed.
func (e *Engine) memorize(ctx context.Context, ev domain.InboundEvent, reply, replyID string) {
	if e.memory == nil {
		return
	}
	meta := func(role, msgID string) map[string]string {
		m := map[string]string{
			"channel_id": ev.ChannelID,
			"message_id": msgID,
			"role":       role,
		}
		if ev.ThreadID != "" {
			m["thread_id"] = ev.ThreadID
		}
		return m
	}

	mctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	defer cancel()
	if _, err := e.memory.Store(mctx, e.spec.ID, ev.Content, meta(domain.RoleUser, ev.MessageID)); err != nil {
		e.logger.Warn("memory store failed", "role", "user", "error", err)
	}
	if _, err := e.memory.Store(mctx, e.spec.ID, reply, meta(domain.RoleAssistant, replyID)); err != nil {
		e.logger.Warn("memory store failed", "role", "assistant", "error", err)
	}
}
