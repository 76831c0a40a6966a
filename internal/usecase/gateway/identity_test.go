package gateway

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glindberg2000/superagent/internal/domain"
)

func waitForState(t *testing.T, b *BotIdentity, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", b.State(), want)
}

func TestIdentityConnectsAndCloses(t *testing.T) {
	fake := &fakeSession{}
	dial := func(string) (session, error) { return fake, nil }
	b := newBotIdentity("alpha", "tok", dial, slog.Default(), 8)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	waitForState(t, b, ConnReady)
	st := b.Status()
	if st.UserID != "bot-user" {
		t.Errorf("user_id = %q", st.UserID)
	}

	cancel()
	<-b.done
	if b.State() != ConnClosed {
		t.Errorf("state after shutdown = %s", b.State())
	}
}

func TestIdentityDegradesOnConnectFailure(t *testing.T) {
	dial := func(string) (session, error) { return nil, errors.New("dns down") }
	b := newBotIdentity("alpha", "tok", dial, slog.Default(), 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	waitForState(t, b, ConnDegraded)
}

func TestIdentityFansOutInboundEvents(t *testing.T) {
	b := newBotIdentity("alpha", "tok", nil, slog.Default(), 8)
	sub := b.Subscribe("engine")

	b.onMessageCreate(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hello",
		Author:    &discordgo.User{ID: "human", Username: "pat", Bot: false},
		Timestamp: time.Now(),
	}})

	select {
	case ev := <-sub.Events():
		if ev.Bot != "alpha" || ev.MessageID != "m1" || ev.ConversationKey() != "c1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestGetSessionFailsFastWhenNotReady(t *testing.T) {
	b := newBotIdentity("alpha", "tok", nil, slog.Default(), 8)
	if _, err := b.getSession(); !errors.Is(err, domain.ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
}
