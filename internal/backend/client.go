package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds every HTTP request made by the client.
const DefaultTimeout = 10 * time.Second

// Client talks to a Supabase project over HTTP and realtime websockets.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	socketOpts []SocketOption

	mu          sync.RWMutex
	accessToken string
	socket      *Socket
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the logger used for request and realtime diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(client *Client) {
		client.logger = l
	}
}

// WithSocketOptions passes options to the realtime socket when it is created.
func WithSocketOptions(opts ...SocketOption) Option {
	return func(client *Client) {
		client.socketOpts = append(client.socketOpts, opts...)
	}
}

// New creates a client for the project at baseURL (e.g. "http://127.0.0.1:54321").
// Both the URL and the anon API key are required.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: url", ErrMissingCredential)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api_key", ErrMissingCredential)
	}

	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// URL returns the project base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// APIKey returns the anon API key.
func (c *Client) APIKey() string {
	return c.apiKey
}

// AccessToken returns the current user's JWT, or "" when signed out.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// JWKSURL returns the auth server's JSON Web Key Set endpoint.
func (c *Client) JWKSURL() string {
	return c.baseURL + "/auth/v1/.well-known/jwks.json"
}

// FunctionURL returns the endpoint of the named edge function.
func (c *Client) FunctionURL(name string) string {
	return c.baseURL + "/functions/v1/" + strings.TrimLeft(name, "/")
}

func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	socket := c.socket
	c.mu.Unlock()

	if socket != nil {
		socket.SetAccessToken(token)
	}
}

// bearer returns the token sent in Authorization headers: the user's JWT
// when signed in, otherwise the anon key.
func (c *Client) bearer() string {
	if token := c.AccessToken(); token != "" {
		return token
	}
	return c.apiKey
}

// Channel returns a new, not yet joined, realtime channel. The shared socket
// is created on first use and connected when the first channel subscribes.
func (c *Client) Channel(name string, opts ChannelOptions) Channel {
	return c.realtime().channel(name, opts)
}

func (c *Client) realtime() *Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		opts := append([]SocketOption{WithSocketLogger(c.logger)}, c.socketOpts...)
		c.socket = NewSocket(c.baseURL, c.apiKey, opts...)
		c.socket.SetAccessToken(c.accessToken)
	}
	return c.socket
}

// Close disconnects the realtime socket, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()

	if socket == nil {
		return nil
	}
	return socket.Close()
}

// Response is the outcome of an HTTP call, kept whole for display.
type Response struct {
	Method         string
	URL            string
	RequestHeaders http.Header
	RequestBody    []byte

	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Post sends payload as JSON to url with the project's apikey and bearer
// token. Extra headers override the defaults. A non-2xx status is returned
// together with an error wrapping ErrNetwork.
func (c *Client) Post(ctx context.Context, url string, payload any, headers map[string]string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("post %s: marshal: %w", url, err)
	}

	h := http.Header{}
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+c.bearer())
	h.Set("Content-Type", "application/json")
	for k, v := range headers {
		h.Set(k, v)
	}

	resp, err := c.do(ctx, http.MethodPost, url, h, body)
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		return resp, fmt.Errorf("%w: %s %s: %s", ErrNetwork, resp.Method, resp.URL, resp.Status)
	}
	return resp, nil
}

// do performs one request and reads the whole response body.
func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	req.Header = header

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: read body: %v", ErrNetwork, method, url, err)
	}

	r := &Response{
		Method:         method,
		URL:            url,
		RequestHeaders: header,
		RequestBody:    body,
		StatusCode:     resp.StatusCode,
		Status:         resp.Status,
		Header:         resp.Header,
		Body:           respBody,
		Elapsed:        time.Since(start),
	}
	c.logger.Debug("HTTP request",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
		"elapsed", r.Elapsed)
	return r, nil
}
