// Package gateway is the HTTP client for the shared Discord gateway
// daemon. It implements domain.ChatGateway; no component other than the
// gateway itself ever holds a Discord connection.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Client talks to gatewayd.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the per-request deadline for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a gateway client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type errorBody struct {
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// decodeError reconstructs a domain error from an error envelope.
func decodeError(op string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	var sentinel error
	switch domain.ErrorCode(eb.ErrorKind) {
	case domain.CodeUnknownBot:
		sentinel = domain.ErrUnknownBot
	case domain.CodeUnknownChannel:
		sentinel = domain.ErrUnknownChannel
	case domain.CodeRateLimited:
		sentinel = domain.ErrRateLimited
	case domain.CodePermissionDenied:
		sentinel = domain.ErrPermissionDenied
	case domain.CodeFileTooLarge:
		sentinel = domain.ErrFileTooLarge
	case domain.CodeNotFound:
		sentinel = domain.ErrNotFound
	default:
		sentinel = domain.ErrTransport
	}
	return domain.NewDomainError(op, sentinel, fmt.Sprintf("HTTP %d: %s", status, eb.Message))
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.WrapOp(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%s: %w: read body: %v", op, domain.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(op, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: %w: decode: %v", op, domain.ErrTransport, err)
		}
	}
	return nil
}

// Send implements domain.ChatGateway.
func (c *Client) Send(ctx context.Context, req domain.SendRequest) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.postJSON(ctx, "GatewayClient.Send", "/send", req, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// SendFile posts a file that the gateway reads from a host path. This
// client does not send inline bytes.
func (c *Client) SendFile(ctx context.Context, bot, channelID, path, content string) (string, error) {
	in := map[string]string{
		"bot":        bot,
		"channel_id": channelID,
		"path":       path,
		"content":    content,
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.postJSON(ctx, "GatewayClient.SendFile", "/send-file", in, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// Messages implements domain.ChatGateway. Results arrive oldest first.
func (c *Client) Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]domain.ChannelMessage, error) {
	q := url.Values{"bot": {bot}, "channel_id": {channelID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var out struct {
		Messages []domain.ChannelMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "GatewayClient.Messages", "/messages", q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Bots lists registered identities.
func (c *Client) Bots(ctx context.Context) ([]domain.BotStatus, error) {
	var out struct {
		Bots []domain.BotStatus `json:"bots"`
	}
	if err := c.getJSON(ctx, "GatewayClient.Bots", "/bots", nil, &out); err != nil {
		return nil, err
	}
	return out.Bots, nil
}

// Health reports the gateway's aggregate connection health.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.getJSON(ctx, "GatewayClient.Health", "/health", nil, &out); err != nil {
		return false, err
	}
	return out.Healthy, nil
}

// stream is the client side of one SSE subscription.
type stream struct {
	events chan domain.InboundEvent
	cancel context.CancelFunc
}

func (s *stream) Events() <-chan domain.InboundEvent { return s.events }

func (s *stream) Close() error {
	s.cancel()
	return nil
}

// Subscribe implements domain.ChatGateway. The returned stream delivers
// events in receive order until Close is called or the connection drops;
// the events channel is closed on either. Callers re-subscribe to resume.
func (c *Client) Subscribe(ctx context.Context, bot, subscriber string) (domain.EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	q := url.Values{"bot": {bot}, "subscriber": {subscriber}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/subscribe?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, domain.WrapOp("GatewayClient.Subscribe", err)
	}

	// Streaming requests must not inherit the client-wide deadline.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("GatewayClient.Subscribe: %w: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, decodeError("GatewayClient.Subscribe", resp.StatusCode, data)
	}

	s := &stream{
		events: make(chan domain.InboundEvent, 64),
		cancel: cancel,
	}

	go func() {
		defer close(s.events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev domain.InboundEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return s, nil
}
