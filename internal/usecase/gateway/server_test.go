package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glindberg2000/superagent/internal/domain"
)

// fakeSession implements the session interface in memory.
type fakeSession struct {
	mu       sync.Mutex
	sent     []*discordgo.MessageSend
	sentTo   []string
	messages []*discordgo.Message
	failWith error
	user     *discordgo.User
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) AddHandler(interface{}) func() { return func() {} }

func (f *fakeSession) CurrentUser() *discordgo.User {
	if f.user != nil {
		return f.user
	}
	return &discordgo.User{ID: "bot-user", Username: "TestBot"}
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.sent = append(f.sent, data)
	f.sentTo = append(f.sentTo, channelID)
	return &discordgo.Message{ID: fmt.Sprintf("sent-%d", len(f.sent))}, nil
}

func (f *fakeSession) ChannelMessages(string, int, string, string, string, ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return f.messages, nil
}

func (f *fakeSession) ChannelMessage(_, messageID string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	for _, m := range f.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}, Message: &discordgo.APIErrorMessage{}}
}

func (f *fakeSession) Guild(guildID string, _ ...discordgo.RequestOption) (*discordgo.Guild, error) {
	return &discordgo.Guild{ID: guildID, Name: "Guild", MemberCount: 3}, nil
}

func (f *fakeSession) GuildChannels(string, ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return []*discordgo.Channel{{ID: "c1", Name: "general"}}, nil
}

func (f *fakeSession) UserGuilds(int, string, string, bool, ...discordgo.RequestOption) ([]*discordgo.UserGuild, error) {
	return []*discordgo.UserGuild{{ID: "g1"}}, nil
}

// readyHub builds a hub with one ready identity backed by a fakeSession.
func readyHub(t *testing.T, name string) (*Hub, *fakeSession) {
	t.Helper()
	fake := &fakeSession{}
	hub := NewHub(slog.Default(), WithBufferSize(16))
	if err := hub.Register(name, "token-"+name); err != nil {
		t.Fatalf("Register: %v", err)
	}
	id, _ := hub.Get(name)
	id.mu.Lock()
	id.sess = fake
	id.state = ConnReady
	id.userID = "bot-user"
	id.mu.Unlock()
	return hub, fake
}

func TestSendPostsMessage(t *testing.T) {
	hub, fake := readyHub(t, "alpha")
	srv := httptest.NewServer(NewServer(hub, slog.Default()).Handler())
	defer srv.Close()

	body, _ := json.Marshal(sendRequest{Bot: "alpha", ChannelID: "c1", Content: "hello back", ReplyTo: "m9"})
	resp, err := http.Post(srv.URL+"/send", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["message_id"] == "" {
		t.Error("missing message_id")
	}
	if len(fake.sent) != 1 || fake.sent[0].Content != "hello back" {
		t.Errorf("sent = %+v", fake.sent)
	}
	if fake.sent[0].Reference == nil || fake.sent[0].Reference.MessageID != "m9" {
		t.Errorf("reply_to not threaded: %+v", fake.sent[0].Reference)
	}
}

func TestSendUnknownBot(t *testing.T) {
	hub, _ := readyHub(t, "alpha")
	srv := httptest.NewServer(NewServer(hub, slog.Default()).Handler())
	defer srv.Close()

	body, _ := json.Marshal(sendRequest{Bot: "ghost", ChannelID: "c1", Content: "x"})
	resp, _ := http.Post(srv.URL+"/send", "application/json", bytes.NewReader(body))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	var eb errorBody
	json.NewDecoder(resp.Body).Decode(&eb)
	if eb.ErrorKind != string(domain.CodeUnknownBot) {
		t.Errorf("error_kind = %q", eb.ErrorKind)
	}
}

func TestSendDegradedIdentityFailsFast(t *testing.T) {
	hub, _ := readyHub(t, "alpha")
	id, _ := hub.Get("alpha")
	id.setState(ConnDegraded)

	srv := httptest.NewServer(NewServer(hub, slog.Default()).Handler())
	defer srv.Close()

	body, _ := json.Marshal(sendRequest{Bot: "alpha", ChannelID: "c1", Content: "x"})
	resp, _ := http.Post(srv.URL+"/send", "application/json", bytes.NewReader(body))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMessagesOldestFirst(t *testing.T) {
	hub, fake := readyHub(t, "alpha")
	now := time.Now()
	// Discord order: newest first.
	fake.messages = []*discordgo.Message{
		{ID: "m3", Content: "three", Timestamp: now, Author: &discordgo.User{ID: "u1"}},
		{ID: "m2", Content: "two", Timestamp: now.Add(-time.Minute), Author: &discordgo.User{ID: "u1"}},
		{ID: "m1", Content: "one", Timestamp: now.Add(-2 * time.Minute), Author: &discordgo.User{ID: "u1"}},
	}

	srv := httptest.NewServer(NewServer(hub, slog.Default()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/messages?bot=alpha&channel_id=c1&limit=10")
	if err != nil {
		t.Fatalf("GET /messages: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Messages []domain.ChannelMessage `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Messages) != 3 {
		t.Fatalf("got %d messages", len(out.Messages))
	}
	if out.Messages[0].MessageID != "m1" || out.Messages[2].MessageID != "m3" {
		t.Errorf("order = %v", []string{out.Messages[0].MessageID, out.Messages[1].MessageID, out.Messages[2].MessageID})
	}
}

func TestBotsAndHealth(t *testing.T) {
	hub, _ := readyHub(t, "alpha")
	srv := httptest.NewServer(NewServer(hub, slog.Default()).Handler())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/bots")
	defer resp.Body.Close()
	var bots struct {
		Bots []domain.BotStatus `json:"bots"`
	}
	json.NewDecoder(resp.Body).Decode(&bots)
	if len(bots.Bots) != 1 || bots.Bots[0].ID != "alpha" || bots.Bots[0].State != "ready" {
		t.Errorf("bots = %+v", bots.Bots)
	}

	hresp, _ := http.Get(srv.URL + "/health")
	defer hresp.Body.Close()
	var health struct {
		Healthy bool `json:"healthy"`
	}
	json.NewDecoder(hresp.Body).Decode(&health)
	if !health.Healthy {
		t.Error("expected healthy")
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	hub, _ := readyHub(t, "alpha")
	srv := httptest.NewServer(NewServer(hub, slog.Default()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/subscribe?bot=alpha&subscriber=test")
	if err != nil {
		t.Fatalf("GET /subscribe: %v", err)
	}
	defer resp.Body.Close()

	id, _ := hub.Get("alpha")
	// Give the handler time to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for id.fan.subscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	id.fan.publish(domain.InboundEvent{Bot: "alpha", MessageID: "m1", Content: "ping"})

	reader := bufio.NewReader(resp.Body)
	lineCh := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lineCh <- strings.TrimPrefix(strings.TrimSpace(line), "data: ")
				return
			}
		}
	}()

	select {
	case raw := <-lineCh:
		var ev domain.InboundEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.MessageID != "m1" || ev.Content != "ping" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received over SSE")
	}
}

func TestCrossBotIsolation(t *testing.T) {
	fake := &fakeSession{}
	hub := NewHub(slog.Default(), WithBufferSize(16))
	for _, name := range []string{"b1", "b2"} {
		if err := hub.Register(name, "token-"+name); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
		id, _ := hub.Get(name)
		id.mu.Lock()
		id.sess = fake
		id.state = ConnReady
		id.mu.Unlock()
	}

	b1, _ := hub.Get("b1")
	b2, _ := hub.Get("b2")
	s1a := b1.Subscribe("s1")
	s1b := b1.Subscribe("s2")
	s2 := b2.Subscribe("s3")

	b1.fan.publish(domain.InboundEvent{Bot: "b1", MessageID: "e1"})

	for _, sub := range []*Subscription{s1a, s1b} {
		select {
		case ev := <-sub.Events():
			if ev.MessageID != "e1" {
				t.Errorf("subscriber got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("b1 subscriber starved")
		}
	}

	select {
	case ev := <-s2.Events():
		t.Errorf("b2 subscriber must not see b1 events, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterDuplicateToken(t *testing.T) {
	hub := NewHub(slog.Default())
	if err := hub.Register("b1", "same-token"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := hub.Register("b2", "same-token")
	if domain.ErrorCodeOf(err) != domain.CodeDuplicateBotToken {
		t.Errorf("got %v, want duplicate token error", err)
	}
}
