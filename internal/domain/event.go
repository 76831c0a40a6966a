package domain

import (
	"context"
	"time"
)

// Attachment describes a file attached to a Discord message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int    `json:"size"`
}

// InboundEvent is one Discord message as seen by a bot identity.
type InboundEvent struct {
	Bot         string       `json:"bot"`
	ChannelID   string       `json:"channel_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	MessageID   string       `json:"message_id"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name,omitempty"`
	IsBotAuthor bool         `json:"is_bot_author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// ConversationKey returns the key all per-conversation state hangs off:
// the thread when present, otherwise the channel.
func (e InboundEvent) ConversationKey() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.ChannelID
}

// SendRequest asks the gateway to post a message as a named bot.
type SendRequest struct {
	Bot       string `json:"bot"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// ChannelMessage is one message of fetched channel history.
type ChannelMessage struct {
	MessageID  string    `json:"message_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	IsBot      bool      `json:"is_bot"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// BotStatus describes one registered bot identity.
type BotStatus struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	State       string `json:"state"`
	Dropped     uint64 `json:"dropped_events,omitempty"`
}

// EventStream is a pull-style subscription to one bot identity's inbound
// events. Events arrive in Discord-receive order; a lagging consumer loses
// the oldest buffered events rather than blocking the gateway.
type EventStream interface {
	Events() <-chan InboundEvent
	Close() error
}

// ChatGateway is the surface the conversation engine needs from the
// shared Discord gateway.
type ChatGateway interface {
	Send(ctx context.Context, req SendRequest) (messageID string, err error)
	Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]ChannelMessage, error)
	Subscribe(ctx context.Context, bot, subscriber string) (EventStream, error)
}
