// Package chatsync keeps a user's conversation list and open chat thread
// consistent over an unreliable push channel.
//
// The client side is built from small pieces: a Session (authenticated
// websocket with liveness and reconnect), pure reducers for the
// ConversationList and the Thread, a PresenceTracker, a Resyncer that pulls
// authoritative state over REST, and Chat, the event loop tying them together.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("http://localhost:8080"))
//	session := client.NewSession(chatsync.DefaultSessionConfig(token))
//	chat := chatsync.NewChat(me, session, client, chatsync.ChatOptions{})
//	go chat.Run(ctx)
//	_ = session.Connect(ctx)
//	chat.Submit("bob", "Hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST collaborator: registration, recent conversations,
// thread history and principal search.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Account       *AccountClient
	Conversations *ConversationsClient
	Threads       *ThreadsClient
	Principals    *PrincipalsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client. token may be empty until Account.Register has
// issued one.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Account = &AccountClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Threads = &ThreadsClient{c: c}
	c.Principals = &PrincipalsClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after registration.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewSession prepares a transport session against the same server. The
// client's token is used when config carries none.
func (c *Client) NewSession(config SessionConfig) *Session {
	if config.Token == "" {
		config.Token = c.token
	}
	return NewSession(c.baseURL, config)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	return &result, nil
}

// decodeData unwraps a result envelope, turning a failed result into its
// *APIError.
func decodeData[T any](res *Result, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if !res.OK {
		if res.Error != nil {
			return out, res.Error
		}
		return out, &APIError{Code: "UNKNOWN", Message: "request failed"}
	}
	if err := res.Decode(&out); err != nil {
		return out, errors.Wrap(err, "decode data")
	}
	return out, nil
}

func paginationQuery(opts *PaginationOptions) url.Values {
	if opts == nil || opts.Limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(opts.Limit)}}
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/health", nil, nil)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AccountClient handles registration and identity.
type AccountClient struct{ c *Client }

func (a *AccountClient) Register(ctx context.Context, opts *RegisterOptions) (*Result, error) {
	return a.c.do(ctx, "POST", "/api/register", opts, nil)
}

func (a *AccountClient) Me(ctx context.Context) (*Result, error) {
	return a.c.do(ctx, "GET", "/api/me", nil, nil)
}

// ConversationsClient reads the recent-conversations list.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) Recent(ctx context.Context, opts *PaginationOptions) (*Result, error) {
	return cv.c.do(ctx, "GET", "/api/conversations", nil, paginationQuery(opts))
}

// ThreadsClient reads pairwise thread history.
type ThreadsClient struct{ c *Client }

func (t *ThreadsClient) History(ctx context.Context, counterpartID string, opts *PaginationOptions) (*Result, error) {
	return t.c.do(ctx, "GET", "/api/threads/"+url.PathEscape(counterpartID), nil, paginationQuery(opts))
}

// PrincipalsClient searches the identity directory.
type PrincipalsClient struct{ c *Client }

func (p *PrincipalsClient) Search(ctx context.Context, query string, opts *PaginationOptions) (*Result, error) {
	q := paginationQuery(opts)
	if q == nil {
		q = url.Values{}
	}
	q.Set("q", query)
	return p.c.do(ctx, "GET", "/api/principals", nil, q)
}

// ============================================================================
// Typed accessors (Fetcher)
// ============================================================================

// Register creates a principal and installs the issued token on the client.
func (c *Client) Register(ctx context.Context, opts *RegisterOptions) (*RegisterData, error) {
	data, err := decodeData[RegisterData](c.Account.Register(ctx, opts))
	if err != nil {
		return nil, err
	}
	c.SetToken(data.Token)
	return &data, nil
}

// Me returns the principal the token belongs to.
func (c *Client) Me(ctx context.Context) (Principal, error) {
	return decodeData[Principal](c.Account.Me(ctx))
}

// RecentConversations fetches the authoritative conversation list.
func (c *Client) RecentConversations(ctx context.Context) (ConversationList, error) {
	list, err := decodeData[[]Conversation](c.Conversations.Recent(ctx, nil))
	if err != nil {
		return nil, errors.WithMessage(err, "fetch recent conversations")
	}
	return ConversationList(list), nil
}

// ThreadHistory fetches the authoritative history with counterpartID, oldest
// first.
func (c *Client) ThreadHistory(ctx context.Context, counterpartID string) ([]Message, error) {
	msgs, err := decodeData[[]Message](c.Threads.History(ctx, counterpartID, nil))
	if err != nil {
		return nil, errors.WithMessagef(err, "fetch thread with %s", counterpartID)
	}
	return msgs, nil
}

// SearchPrincipals looks up principals by id or display name.
func (c *Client) SearchPrincipals(ctx context.Context, query string) ([]Principal, error) {
	return decodeData[[]Principal](c.Principals.Search(ctx, query, nil))
}
