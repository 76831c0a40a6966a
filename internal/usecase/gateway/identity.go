package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glindberg2000/superagent/internal/domain"
)

// ConnState is the connection state of one bot identity.
type ConnState string

const (
	ConnInitializing ConnState = "initializing"
	ConnConnecting   ConnState = "connecting"
	ConnReady        ConnState = "ready"
	ConnDegraded     ConnState = "degraded"
	ConnClosed       ConnState = "closed"
)

// Reconnect backoff bounds.
const (
	backoffBase = 2 * time.Second
	backoffCap  = 2 * time.Minute
)

// session is the slice of *discordgo.Session the identity and the HTTP
// surface use. Narrowed so tests can substitute a fake.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	CurrentUser() *discordgo.User
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
}

// liveSession adapts *discordgo.Session to the session interface.
type liveSession struct {
	*discordgo.Session
}

func (l *liveSession) CurrentUser() *discordgo.User {
	if l.State == nil {
		return nil
	}
	return l.State.User
}

// dialer opens a Discord session for a token. Swapped in tests.
type dialer func(token string) (session, error)

func discordDialer(token string) (session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// Run handlers on the event-reading goroutine so publish sees events
	// in receive order.
	dg.SyncEvents = true
	return &liveSession{Session: dg}, nil
}

// BotIdentity holds one live Discord connection and its event fan-out.
type BotIdentity struct {
	Name string

	token   string
	dial    dialer
	logger  *slog.Logger
	limiter *outboundLimiter
	fan     *fanout

	mu          sync.RWMutex
	state       ConnState
	sess        session
	userID      string
	displayName string

	cancel context.CancelFunc
	done   chan struct{}
}

func newBotIdentity(name, token string, dial dialer, logger *slog.Logger, buffer int) *BotIdentity {
	return &BotIdentity{
		Name:    name,
		token:   token,
		dial:    dial,
		logger:  logger.With("bot", name),
		limiter: newOutboundLimiter(),
		fan:     newFanout(buffer),
		state:   ConnInitializing,
		done:    make(chan struct{}),
	}
}

// State returns the current connection state.
func (b *BotIdentity) State() ConnState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *BotIdentity) setState(s ConnState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Status snapshots the identity for /bots and /health.
func (b *BotIdentity) Status() domain.BotStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.BotStatus{
		ID:          b.Name,
		UserID:      b.userID,
		DisplayName: b.displayName,
		State:       string(b.state),
		Dropped:     b.fan.droppedTotal(),
	}
}

// Subscribe attaches a new ordered event stream for a subscriber.
func (b *BotIdentity) Subscribe(subscriber string) *Subscription {
	return b.fan.subscribe(subscriber)
}

// Run connects and keeps the identity connected until ctx is cancelled.
// Connection failures mark the identity degraded and retry with jittered
// exponential backoff; they never block other identities.
func (b *BotIdentity) Run(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	defer close(b.done)

	backoff := backoffBase
	for {
		b.setState(ConnConnecting)
		err := b.connect(ctx)
		if err == nil {
			// Connected; wait for shutdown. discordgo maintains the
			// websocket and signals drops via the Disconnect handler.
			<-ctx.Done()
			b.close()
			return
		}

		b.setState(ConnDegraded)
		b.logger.Warn("connect failed", "error", err, "retry_in", backoff)

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			b.close()
			return
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (b *BotIdentity) connect(ctx context.Context) error {
	sess, err := b.dial(b.token)
	if err != nil {
		return err
	}

	sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.onMessageCreate(m)
	})
	sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		b.setState(ConnReady)
	})
	sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.logger.Warn("gateway connection lost")
		b.setState(ConnDegraded)
	})

	if err := sess.Open(); err != nil {
		return err
	}

	b.mu.Lock()
	b.sess = sess
	b.state = ConnReady
	if u := sess.CurrentUser(); u != nil {
		b.userID = u.ID
		b.displayName = u.Username
	}
	b.mu.Unlock()

	b.logger.Info("bot connected", "user_id", b.userID)
	return nil
}

func (b *BotIdentity) close() {
	b.mu.Lock()
	sess := b.sess
	b.state = ConnClosed
	b.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			b.logger.Warn("close session", "error", err)
		}
	}
}

// onMessageCreate converts a Discord event and fans it out. Events from
// the identity's own user are delivered too; admission filtering is the
// conversation engine's concern, not the gateway's.
func (b *BotIdentity) onMessageCreate(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	ev := domain.InboundEvent{
		Bot:         b.Name,
		ChannelID:   m.ChannelID,
		MessageID:   m.ID,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Username,
		IsBotAuthor: m.Author.Bot,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
	}
	if m.Thread != nil {
		ev.ThreadID = m.Thread.ID
	}
	for _, a := range m.Attachments {
		ev.Attachments = append(ev.Attachments, domain.Attachment{
			ID:       a.ID,
			Filename: a.Filename,
			URL:      a.URL,
			Size:     a.Size,
		})
	}
	b.fan.publish(ev)
}

// getSession returns the live session when the identity is ready.
// Calls against a non-ready identity fail fast.
func (b *BotIdentity) getSession() (session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != ConnReady || b.sess == nil {
		return nil, domain.NewDomainError("Gateway.session", domain.ErrTransport,
			"identity "+b.Name+" is "+string(b.state))
	}
	return b.sess, nil
}
