package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glindberg2000/superagent/internal/domain"
)

// maxUploadBytes bounds /send-file payloads. Discord's default
// attachment cap is 8 MiB for non-boosted guilds.
const maxUploadBytes = 8 << 20

// Server is the stateless HTTP surface over the Hub.
type Server struct {
	hub    *Hub
	logger *slog.Logger
	http   *http.Client
}

// NewServer builds the HTTP surface for a Hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		hub:    hub,
		logger: logger,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /send-file", s.handleSendFile)
	mux.HandleFunc("GET /messages", s.handleMessages)
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /guild", s.handleGuild)
	mux.HandleFunc("GET /attachments/{bot}/{channel}/{message}", s.handleAttachments)
	mux.HandleFunc("GET /attachments/{bot}/{channel}/{message}/download", s.handleAttachmentDownload)
	mux.HandleFunc("GET /bots", s.handleBots)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /subscribe", s.handleSubscribe)
	return mux
}

// errorBody is the uniform error envelope.
type errorBody struct {
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	status := http.StatusInternalServerError
	body := errorBody{ErrorKind: string(code), Message: err.Error()}

	switch {
	case errors.Is(err, domain.ErrUnknownBot), errors.Is(err, domain.ErrUnknownChannel), errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		body.RetryAfter = 1
		var rl *discordgo.RateLimitError
		if errors.As(err, &rl) {
			body.RetryAfter = int(rl.RetryAfter.Seconds()) + 1
		}
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrFileTooLarge), errors.Is(err, domain.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrTransport):
		// Degraded identity: callers should back off and retry.
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOverloaded):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// mapDiscordError converts discordgo REST failures into the taxonomy.
func mapDiscordError(op string, err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		detail := ""
		if rest.Message != nil {
			detail = rest.Message.Message
		}
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return domain.NewDomainError(op, domain.ErrPermissionDenied, detail)
		case http.StatusNotFound:
			return domain.NewDomainError(op, domain.ErrUnknownChannel, detail)
		case http.StatusRequestEntityTooLarge:
			return domain.NewDomainError(op, domain.ErrFileTooLarge, detail)
		}
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		// Double-wrap so writeError can surface the retry-after delay.
		return fmt.Errorf("%s: %w: %w", op, domain.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrTransport, err)
}

// --- handlers ---

type sendRequest struct {
	Bot       string `json:"bot"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewDomainError("Gateway.Send", domain.ErrConfig, "malformed body"))
		return
	}
	if req.Bot == "" || req.ChannelID == "" || req.Content == "" {
		s.writeError(w, domain.NewDomainError("Gateway.Send", domain.ErrConfig, "bot, channel_id and content are required"))
		return
	}

	id, err := s.hub.Get(req.Bot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := id.limiter.wait(r.Context(), "send:"+req.ChannelID); err != nil {
		s.writeError(w, fmt.Errorf("Gateway.Send: %w: %v", domain.ErrTimeout, err))
		return
	}

	data := &discordgo.MessageSend{Content: req.Content}
	if req.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: req.ReplyTo, ChannelID: req.ChannelID}
	}

	msg, err := sess.ChannelMessageSendComplex(req.ChannelID, data)
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.Send", err))
		return
	}
	s.writeJSON(w, map[string]string{"message_id": msg.ID})
}

type sendFileRequest struct {
	Bot       string `json:"bot"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content,omitempty"`
	Path      string `json:"path,omitempty"`
	BytesB64  string `json:"bytes_b64,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	var req sendFileRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes*2)).Decode(&req); err != nil {
		s.writeError(w, domain.NewDomainError("Gateway.SendFile", domain.ErrConfig, "malformed body"))
		return
	}

	var (
		reader   io.Reader
		filename string
	)
	switch {
	case req.Path != "":
		f, err := os.Open(req.Path)
		if err != nil {
			s.writeError(w, domain.NewDomainError("Gateway.SendFile", domain.ErrNotFound, req.Path))
			return
		}
		defer f.Close()
		if st, err := f.Stat(); err == nil && st.Size() > maxUploadBytes {
			s.writeError(w, domain.NewDomainError("Gateway.SendFile", domain.ErrFileTooLarge,
				fmt.Sprintf("%d bytes", st.Size())))
			return
		}
		reader, filename = f, filepath.Base(req.Path)
	case req.BytesB64 != "" && req.Filename != "":
		raw, err := base64.StdEncoding.DecodeString(req.BytesB64)
		if err != nil {
			s.writeError(w, domain.NewDomainError("Gateway.SendFile", domain.ErrConfig, "invalid base64"))
			return
		}
		if len(raw) > maxUploadBytes {
			s.writeError(w, domain.NewDomainError("Gateway.SendFile", domain.ErrFileTooLarge,
				fmt.Sprintf("%d bytes", len(raw))))
			return
		}
		reader, filename = bytes.NewReader(raw), req.Filename
	default:
		s.writeError(w, domain.NewDomainError("Gateway.SendFile", domain.ErrConfig, "path or bytes_b64+filename required"))
		return
	}

	id, err := s.hub.Get(req.Bot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := id.limiter.wait(r.Context(), "send:"+req.ChannelID); err != nil {
		s.writeError(w, fmt.Errorf("Gateway.SendFile: %w: %v", domain.ErrTimeout, err))
		return
	}

	msg, err := sess.ChannelMessageSendComplex(req.ChannelID, &discordgo.MessageSend{
		Content: req.Content,
		Files:   []*discordgo.File{{Name: filename, Reader: reader}},
	})
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.SendFile", err))
		return
	}
	s.writeJSON(w, map[string]string{"message_id": msg.ID})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bot, channelID := q.Get("bot"), q.Get("channel_id")
	if bot == "" || channelID == "" {
		s.writeError(w, domain.NewDomainError("Gateway.Messages", domain.ErrConfig, "bot and channel_id are required"))
		return
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			s.writeError(w, domain.NewDomainError("Gateway.Messages", domain.ErrConfig, "limit must be 1-100"))
			return
		}
		limit = n
	}

	id, err := s.hub.Get(bot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := id.limiter.wait(r.Context(), "messages:"+channelID); err != nil {
		s.writeError(w, fmt.Errorf("Gateway.Messages: %w: %v", domain.ErrTimeout, err))
		return
	}

	msgs, err := sess.ChannelMessages(channelID, limit, q.Get("before"), "", "")
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.Messages", err))
		return
	}

	// Discord returns newest first; serve oldest first so context
	// assembly reads top to bottom.
	out := make([]domain.ChannelMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		cm := domain.ChannelMessage{
			MessageID: m.ID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
		if m.Author != nil {
			cm.AuthorID = m.Author.ID
			cm.AuthorName = m.Author.Username
			cm.IsBot = m.Author.Bot
		}
		out = append(out, cm)
	}
	s.writeJSON(w, map[string]any{"messages": out})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bot := q.Get("bot")
	if bot == "" {
		s.writeError(w, domain.NewDomainError("Gateway.Channels", domain.ErrConfig, "bot is required"))
		return
	}
	id, err := s.hub.Get(bot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}

	guildID := q.Get("guild_id")
	if guildID == "" {
		guilds, err := sess.UserGuilds(1, "", "", false)
		if err != nil || len(guilds) == 0 {
			s.writeError(w, mapDiscordError("Gateway.Channels", err))
			return
		}
		guildID = guilds[0].ID
	}

	channels, err := sess.GuildChannels(guildID)
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.Channels", err))
		return
	}

	type channelInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type int    `json:"type"`
	}
	out := make([]channelInfo, 0, len(channels))
	for _, c := range channels {
		out = append(out, channelInfo{ID: c.ID, Name: c.Name, Type: int(c.Type)})
	}
	s.writeJSON(w, map[string]any{"guild_id": guildID, "channels": out})
}

func (s *Server) handleGuild(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bot, guildID := q.Get("bot"), q.Get("guild_id")
	if bot == "" || guildID == "" {
		s.writeError(w, domain.NewDomainError("Gateway.Guild", domain.ErrConfig, "bot and guild_id are required"))
		return
	}
	id, err := s.hub.Get(bot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	g, err := sess.Guild(guildID)
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.Guild", err))
		return
	}
	s.writeJSON(w, map[string]any{
		"id":           g.ID,
		"name":         g.Name,
		"member_count": g.MemberCount,
	})
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	id, err := s.hub.Get(r.PathValue("bot"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := sess.ChannelMessage(r.PathValue("channel"), r.PathValue("message"))
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.Attachments", err))
		return
	}

	out := make([]domain.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		out = append(out, domain.Attachment{ID: a.ID, Filename: a.Filename, URL: a.URL, Size: a.Size})
	}
	s.writeJSON(w, map[string]any{"attachments": out})
}

func (s *Server) handleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	id, err := s.hub.Get(r.PathValue("bot"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := id.getSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := sess.ChannelMessage(r.PathValue("channel"), r.PathValue("message"))
	if err != nil {
		s.writeError(w, mapDiscordError("Gateway.AttachmentDownload", err))
		return
	}

	filename := r.URL.Query().Get("filename")
	var target *discordgo.MessageAttachment
	for _, a := range msg.Attachments {
		if filename == "" || a.Filename == filename {
			target = a
			break
		}
	}
	if target == nil {
		s.writeError(w, domain.NewDomainError("Gateway.AttachmentDownload", domain.ErrNotFound, filename))
		return
	}

	resp, err := s.http.Get(target.URL)
	if err != nil {
		s.writeError(w, fmt.Errorf("Gateway.AttachmentDownload: %w: %v", domain.ErrTransport, err))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+target.Filename+`"`)
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	io.Copy(w, resp.Body)
}

func (s *Server) handleBots(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{"bots": s.hub.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	bots := s.hub.List()
	healthy := true
	var dropped uint64
	for _, b := range bots {
		if b.State != string(ConnReady) {
			healthy = false
		}
		dropped += b.Dropped
	}
	s.writeJSON(w, map[string]any{
		"healthy":        healthy,
		"bots":           bots,
		"dropped_events": dropped,
	})
}

// handleSubscribe streams InboundEvents for one (bot, subscriber) pair
// as server-sent events, in receive order, until the client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bot, subscriber := q.Get("bot"), q.Get("subscriber")
	if bot == "" || subscriber == "" {
		s.writeError(w, domain.NewDomainError("Gateway.Subscribe", domain.ErrConfig, "bot and subscriber are required"))
		return
	}
	id, err := s.hub.Get(bot)
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, domain.NewDomainError("Gateway.Subscribe", domain.ErrTransport, "streaming unsupported"))
		return
	}

	sub := id.Subscribe(subscriber)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("subscriber attached", "bot", bot, "subscriber", subscriber)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
