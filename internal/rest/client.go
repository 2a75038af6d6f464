// Package rest talks to the messaging REST API. Every response passes
// through one normalization point that tolerates the envelope shape
// variants the server is known to produce, so nothing above this package
// ever branches on response shape.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/amoro/chatcore/internal/model"
	"go.uber.org/zap"
)

// ErrRejected means the server answered with success=false.
var ErrRejected = errors.New("rest: request rejected")

// Client is the HTTP collaborator for message resources.
type Client struct {
	base   string
	http   *http.Client
	token  func() string
	logger *zap.Logger
}

// New creates a client. tokenFn supplies the bearer token per request.
func New(baseURL string, tokenFn func() string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   baseURL,
		http:   &http.Client{},
		token:  tokenFn,
		logger: logger,
	}
}

// Envelope is the canonical response shape after normalization.
type Envelope struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// rawEnvelope accepts the shape variants seen in the wild: success as
// bool, "true"/"false" strings or numbers; payload under data or message;
// error under error or message.
type rawEnvelope struct {
	Success json.RawMessage `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func normalizeEnvelope(body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	env := &Envelope{Data: raw.Data}

	switch {
	case len(raw.Success) == 0:
		// No success flag at all: a bare resource body.
		env.Success = true
		if len(raw.Data) == 0 {
			env.Data = body
		}
	default:
		var b bool
		var s string
		var n float64
		if err := json.Unmarshal(raw.Success, &b); err == nil {
			env.Success = b
		} else if err := json.Unmarshal(raw.Success, &s); err == nil {
			env.Success = s == "true" || s == "1"
		} else if err := json.Unmarshal(raw.Success, &n); err == nil {
			env.Success = n != 0
		} else {
			return nil, fmt.Errorf("decode envelope: unrecognized success flag %s", raw.Success)
		}
	}

	if !env.Success {
		env.Error = raw.Error
		if env.Error == "" {
			env.Error = raw.Message
		}
		if env.Error == "" {
			env.Error = "request failed"
		}
	}
	return env, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*Envelope, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	env, err := normalizeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !env.Success {
		c.logger.Warn("request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("error", env.Error))
		return env, fmt.Errorf("%w: %s", ErrRejected, env.Error)
	}
	return env, nil
}

// Messages fetches one page of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	env, err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(conversationID), q, nil)
	if err != nil {
		return nil, err
	}

	var wire []wireMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	msgs := make([]*model.Message, 0, len(wire))
	for i := range wire {
		msgs = append(msgs, wire[i].normalized())
	}
	return msgs, nil
}

// Send posts a message, returning the server-confirmed copy.
func (c *Client) Send(ctx context.Context, m *model.Message) (*model.Message, error) {
	env, err := c.do(ctx, http.MethodPost, "/messages", nil, m)
	if err != nil {
		return nil, err
	}

	var wire wireMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, fmt.Errorf("decode sent message: %w", err)
		}
	}
	confirmed := wire.normalized()
	if confirmed.TempID == "" {
		confirmed.TempID = m.TempID
	}
	return confirmed, nil
}

// MarkRead flags a conversation as read. Best-effort by contract.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, http.MethodPut,
		"/messages/conversation/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	env, err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, nil)
	if err != nil {
		return nil, err
	}

	var convs []model.Conversation
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &convs); err != nil {
			return nil, fmt.Errorf("decode conversations: %w", err)
		}
	}
	return convs, nil
}

// wireMessage accepts the legacy _id field some endpoints still emit.
type wireMessage struct {
	model.Message
	LegacyID string `json:"_id"`
}

func (w *wireMessage) normalized() *model.Message {
	m := w.Message
	if m.ID == "" {
		m.ID = w.LegacyID
	}
	return &m
}
