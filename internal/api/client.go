// Package api implements the authenticated REST client for the chat backend.
// It owns request construction, bearer auth, and the mapping of HTTP
// failures into typed errors; it makes no retry or session decisions. A 401
// is surfaced to the caller like any other status error.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"courier/internal/models"
)

// DefaultTimeout bounds every REST call. A request that exceeds it fails
// with a NetworkError like any other transport failure.
const DefaultTimeout = 10 * time.Second

// Client issues authenticated requests against the chat backend.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *slog.Logger
}

// New creates a Client for the given base URL and bearer token. The token is
// an opaque input obtained from the caller's auth layer.
func New(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: DefaultTimeout},
		log:   log,
	}
}

// SetTimeout overrides the request timeout. Intended for tests.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// ConversationQuery selects which conversations to list.
type ConversationQuery struct {
	// Verified narrows the list to verified (true) or pending (false)
	// conversations. nil selects all.
	Verified *bool
	Search   string
	Page     int
}

func (q ConversationQuery) values() url.Values {
	v := url.Values{}
	// The backend hides empty conversations unconditionally.
	v.Set("exclude_empty", "true")
	if q.Verified != nil {
		v.Set("is_verified", strconv.FormatBool(*q.Verified))
	} else {
		v.Set("is_verified", "")
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	return v
}

// Conversations fetches one page of the conversation list.
func (c *Client) Conversations(ctx context.Context, q ConversationQuery) (*models.Page[models.Conversation], error) {
	var page models.Page[models.Conversation]
	if err := c.getJSON(ctx, c.base+"/chats/conversations/?"+q.values().Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ConversationsPage follows a pagination cursor URL returned in a previous
// page's "next" field.
func (c *Client) ConversationsPage(ctx context.Context, pageURL string) (*models.Page[models.Conversation], error) {
	var page models.Page[models.Conversation]
	if err := c.getJSON(ctx, pageURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Conversation fetches a single conversation by id.
func (c *Client) Conversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.getJSON(ctx, fmt.Sprintf("%s/chats/conversations/%d/", c.base, id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages fetches one page of a conversation's messages, newest first.
// page and pageSize are omitted from the query when zero.
func (c *Client) Messages(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error) {
	v := url.Values{}
	if page > 0 {
		v.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		v.Set("page_size", strconv.Itoa(pageSize))
	}
	u := fmt.Sprintf("%s/chats/conversations/%d/messages/", c.base, conversationID)
	if enc := v.Encode(); enc != "" {
		u += "?" + enc
	}
	var result models.Page[models.Message]
	if err := c.getJSON(ctx, u, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CurrentUser fetches the account the bearer token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.getJSON(ctx, c.base+"/accounts/users/whoami/", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// markSeenPaths are the endpoint variants the backend has shipped for
// seen-marking. The first 2xx wins.
var markSeenPaths = []string{
	"/chats/conversations/%d/mark-seen/",
	"/chats/conversations/%d/seen/",
	"/chats/conversations/%d/mark_as_seen/",
	"/conversations/%d/mark-seen/",
	"/conversations/%d/seen/",
}

// MarkSeen marks a conversation read, trying each known endpoint variant
// until one succeeds. The returned error is the last failure; callers treat
// seen-marking as best-effort.
func (c *Client) MarkSeen(ctx context.Context, conversationID uint) error {
	var lastErr error
	for _, p := range markSeenPaths {
		_, err := c.do(ctx, http.MethodPost, c.base+fmt.Sprintf(p, conversationID))
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsStatus(err, http.StatusNotFound) {
			c.log.Warn("mark seen endpoint failed",
				slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// DeleteConversation removes a conversation on the backend.
func (c *Client) DeleteConversation(ctx context.Context, id uint) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/chats/conversations/%d/", c.base, id))
	return err
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	body, err := c.do(ctx, http.MethodGet, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// do issues a request with bearer auth and normalizes failures: transport
// errors become NetworkError, non-2xx responses become StatusError.
func (c *Client) do(ctx context.Context, method, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
