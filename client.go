// Package taskmarket is the Go client for the TaskMarket messaging backend.
//
// It covers the REST endpoints the chat layer needs and the realtime layer
// built on top of them: user and conversation sockets, a deduplicating frame
// router, and the conversation, message, notification and unread stores fed
// by it.
//
// Example:
//
//	cfg, _ := taskmarket.LoadConfigFromEnv()
//	session, _ := taskmarket.NewSession(cfg)
//	defer session.Close()
//
//	session.Start(ctx)
//	stream, _ := session.OpenConversation(ctx, "42")
//	stream.SendMessage(ctx, "hi")
package taskmarket

import (
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/taskmarket/taskmarket/sdk/golang"

// maxListPages bounds how many pages List helpers follow.
const maxListPages = 50

// ============================================================================
// Client
// ============================================================================

// Client is the REST client.
type Client struct {
	baseURL    string
	token      string
	tokens     *TokenSource
	httpClient *http.Client
	tracer     trace.Tracer

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource makes the client read its token from ts on every request.
func WithTokenSource(ts *TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithTracerProvider sets the provider for request spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(instrumentationName) }
}

// NewClient creates a REST client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Notifications = &NotificationsClient{client: c}
	return c
}

// SetToken replaces the static token. It has no effect with WithTokenSource.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) authToken() string {
	if c.tokens != nil {
		return c.tokens.Token()
	}
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (_ []byte, err error) {
	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.authToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var payload struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Detail
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodePage accepts either a paginated envelope or a bare JSON array.
func decodePage[T any](data []byte) (*Page[T], error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		items, err := decodeJSON[[]T](trimmed)
		if err != nil {
			return nil, err
		}
		return &Page[T]{Count: len(*items), Results: *items}, nil
	}
	return decodeJSON[Page[T]](data)
}

// listAll follows pagination from page 1.
func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	for page := 1; page <= maxListPages; page++ {
		var q url.Values
		if page > 1 {
			q = url.Values{"page": {strconv.Itoa(page)}}
		}
		data, err := c.doRequest(ctx, http.MethodGet, path, nil, q)
		if err != nil {
			return nil, err
		}
		p, err := decodePage[T](data)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if !p.HasNext() {
			break
		}
	}
	return all, nil
}

func conversationPath(id ID) string {
	return "/api/chat/conversations/" + url.PathEscape(string(id)) + "/"
}

func notificationPath(id ID) string {
	return "/api/notifications/" + url.PathEscape(string(id)) + "/"
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers the conversation endpoints.
type ConversationsClient struct{ client *Client }

// List returns every conversation of the authenticated user.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	return listAll[Conversation](ctx, cv.client, "/api/chat/conversations/")
}

// Get returns one conversation.
func (cv *ConversationsClient) Get(ctx context.Context, id ID) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, http.MethodGet, conversationPath(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// Delete removes the conversation for the authenticated user.
func (cv *ConversationsClient) Delete(ctx context.Context, id ID) error {
	_, err := cv.client.doRequest(ctx, http.MethodDelete, conversationPath(id), nil, nil)
	return err
}

// MarkRead marks every message of the conversation read.
func (cv *ConversationsClient) MarkRead(ctx context.Context, id ID) error {
	_, err := cv.client.doRequest(ctx, http.MethodPost, conversationPath(id)+"mark_read/", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient covers message history and the HTTP send path.
type MessagesClient struct{ client *Client }

// List returns one page of history, newest page first. page starts at 1.
func (m *MessagesClient) List(ctx context.Context, conversationID ID, page int) (*Page[Message], error) {
	var q url.Values
	if page > 1 {
		q = url.Values{"page": {strconv.Itoa(page)}}
	}
	data, err := m.client.doRequest(ctx, http.MethodGet, conversationPath(conversationID)+"messages/", nil, q)
	if err != nil {
		return nil, err
	}
	return decodePage[Message](data)
}

// Send posts a message over HTTP and returns the stored message.
func (m *MessagesClient) Send(ctx context.Context, conversationID ID, content string) (*Message, error) {
	body := map[string]string{"content": content}
	data, err := m.client.doRequest(ctx, http.MethodPost, conversationPath(conversationID)+"messages/", body, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	return msg, nil
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient covers the notification endpoints.
type NotificationsClient struct{ client *Client }

func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	return listAll[Notification](ctx, n.client, "/api/notifications/")
}

func (n *NotificationsClient) MarkRead(ctx context.Context, id ID) error {
	_, err := n.client.doRequest(ctx, http.MethodPost, notificationPath(id)+"mark_read/", nil, nil)
	return err
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.client.doRequest(ctx, http.MethodPost, "/api/notifications/mark_all_read/", nil, nil)
	return err
}

// UnreadCount returns the server's count of unread notifications.
func (n *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := n.client.doRequest(ctx, http.MethodGet, "/api/notifications/unread_count/", nil, nil)
	if err != nil {
		return 0, err
	}
	out, err := decodeJSON[struct {
		UnreadCount int `json:"unread_count"`
	}](data)
	if err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}
