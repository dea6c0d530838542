// Package client talks to the server's HTTP API and WebSocket feed on behalf
// of a headless participant. It provides the transports a call.Session needs.
package client

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
	"strings"
	"sync"
	"time"

	"meetzap/backend/internal/auth"
	"meetzap/backend/internal/models"
)

// StatusError captures non-2xx responses.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("meetzap: %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// SessionView is the server's session response.
type SessionView struct {
	Session     models.Session  `json:"session"`
	Partner     *models.Session `json:"partner,omitempty"`
	PartnerName string          `json:"partner_name,omitempty"`
	CallID      string          `json:"call_id,omitempty"`
	Caller      bool            `json:"caller,omitempty"`
}

// Client is an authenticated API client. It remembers the session it
// operates on so it can serve as the chat source of a call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	lang       string

	mu        sync.RWMutex
	token     string
	sessionID string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLanguage sets Accept-Language on every request.
func WithLanguage(lang string) Option {
	return func(c *Client) { c.lang = lang }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SessionID is the session set by the last session call.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*auth.Token, error) {
	var tok auth.Token
	body := map[string]string{"email": email, "password": password, "display_name": displayName}
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, &tok); err != nil {
		return nil, err
	}
	c.SetToken(tok.AccessToken)
	return &tok, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*auth.Token, error) {
	var tok auth.Token
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/signin", body, &tok); err != nil {
		return nil, err
	}
	c.SetToken(tok.AccessToken)
	return &tok, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/signout", nil, nil)
}

func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// StartSession gets or creates the user's live session.
func (c *Client) StartSession(ctx context.Context, filters models.Filters) (*SessionView, error) {
	return c.sessionCall(ctx, http.MethodPost, "/sessions", filters)
}

func (c *Client) GetSession(ctx context.Context, id string) (*SessionView, error) {
	return c.sessionCall(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil)
}

func (c *Client) Search(ctx context.Context, id string) (*SessionView, error) {
	return c.sessionCall(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/search", nil)
}

func (c *Client) Heartbeat(ctx context.Context, id string) (*SessionView, error) {
	return c.sessionCall(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/heartbeat", nil)
}

// SkipAndFindNext implements call.Queue.
func (c *Client) SkipAndFindNext(ctx context.Context, id string) (*models.Session, error) {
	v, err := c.sessionCall(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/skip", nil)
	if err != nil {
		return nil, err
	}
	return &v.Session, nil
}

// LeaveQueue implements call.Queue.
func (c *Client) LeaveQueue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/leave", nil, nil)
}

func (c *Client) CountOnline(ctx context.Context) (int64, error) {
	var out struct {
		Online int64 `json:"online"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/online", nil, &out); err != nil {
		return 0, err
	}
	return out.Online, nil
}

func (c *Client) sessionCall(ctx context.Context, method, path string, body any) (*SessionView, error) {
	var v SessionView
	if err := c.do(ctx, method, path, body, &v); err != nil {
		return nil, err
	}
	c.setSession(v.Session.ID)
	return &v, nil
}

// SendSignal implements signaling.Transport.
func (c *Client) SendSignal(ctx context.Context, sig *models.Signal) error {
	return c.do(ctx, http.MethodPost, "/signals", sig, sig)
}

// Pending implements call.SignalBacklog.
func (c *Client) Pending(ctx context.Context, toSessionID, callID, afterID string) ([]models.Signal, error) {
	q := url.Values{"to": {toSessionID}, "call": {callID}}
	if afterID != "" {
		q.Set("after", afterID)
	}
	var out []models.Signal
	if err := c.do(ctx, http.MethodGet, "/signals?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendChat posts a message into the call as the current session.
func (c *Client) SendChat(ctx context.Context, callID, text, senderName string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	body := map[string]string{"session_id": c.SessionID(), "message": text, "sender_name": senderName}
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(callID)+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List implements chat.Source for the current session.
func (c *Client) List(ctx context.Context, callID string, limit int) ([]models.ChatMessage, error) {
	q := url.Values{"session_id": {c.SessionID()}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(callID)+"/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("meetzap: encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("meetzap: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.lang != "" {
		req.Header.Set("Accept-Language", c.lang)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meetzap: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Method: method, Path: path, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("meetzap: decode %s response: %w", path, err)
	}
	return nil
}
