package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/chat"
	"github.com/parley-im/parley/internal/conversations"
)

// User is the account profile the API reports.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	PhoneNumber string `json:"phoneNumber"`
}

// AuthResult is the verified-OTP response: a bearer token plus the
// profile it authenticates.
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("api: status %d", e.StatusCode)
}

// Client speaks the HTTP API. It satisfies both the conversation
// summary fetcher and the message history fetcher.
type Client struct {
	base   string
	token  func() string
	http   *http.Client
	logger *zap.Logger
}

var (
	_ conversations.SummaryFetcher = (*Client)(nil)
	_ chat.HistoryFetcher          = (*Client)(nil)
)

// New creates a client for the API at base. token may return "" before
// authentication; requests then go out without an Authorization header.
func New(base string, token func() string, logger *zap.Logger) *Client {
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// SendOTP asks the server to deliver a one-time code to a phone number.
func (c *Client) SendOTP(ctx context.Context, phoneNumber string) error {
	return c.do(ctx, http.MethodPost, "/auth/send-otp", map[string]string{"phoneNumber": phoneNumber}, nil)
}

// VerifyOTP exchanges a one-time code for a bearer token.
func (c *Client) VerifyOTP(ctx context.Context, phoneNumber, otp string) (AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/auth/verify-otp", map[string]string{"phoneNumber": phoneNumber, "otp": otp}, &out)
	return out, err
}

// Me returns the authenticated profile.
func (c *Client) Me(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out)
	return out, err
}

// UpdateProfile changes the display name.
func (c *Client) UpdateProfile(ctx context.Context, username string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPut, "/auth/profile", map[string]string{"username": username}, &out)
	return out, err
}

// Conversations returns every conversation summary for the account.
func (c *Client) Conversations(ctx context.Context) ([]conversations.Conversation, error) {
	var out []conversations.Conversation
	err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &out)
	return out, err
}

// StartConversation opens (or returns) the thread with a phone number.
func (c *Client) StartConversation(ctx context.Context, phoneNumber string) (conversations.Conversation, error) {
	var out conversations.Conversation
	err := c.do(ctx, http.MethodPost, "/chat/conversations", map[string]string{"phoneNumber": phoneNumber}, &out)
	return out, err
}

// Messages returns one history page in chronological order. An empty
// cursor fetches the newest page; otherwise the page ends just before
// the cursor message.
func (c *Client) Messages(ctx context.Context, conversationID, cursor string, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/chat/messages/" + url.PathEscape(conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []chat.Message
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SendMessage posts a message over HTTP instead of the live channel.
// Used for uploads and as a fallback when the channel is down.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, kind chat.Kind) (chat.Message, error) {
	var out chat.Message
	err := c.do(ctx, http.MethodPost, "/chat/messages", map[string]string{
		"conversationId": conversationID,
		"content":        content,
		"type":           string(kind),
	}, &out)
	return out, err
}

// DeleteMessage removes a single message for both sides.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/messages/"+url.PathEscape(messageID), nil, nil)
}

// DeleteConversation removes the whole thread.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/conversations/"+url.PathEscape(conversationID), nil, nil)
}

// ClearMessages wipes a thread's history but keeps the conversation.
func (c *Client) ClearMessages(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr); err != nil {
			c.logger.Debug("undecodable error body", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
