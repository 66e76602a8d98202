package sdserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Client talks to one sd-server instance. Connection setup is bounded by a
// short dial timeout and the whole round trip by a long request timeout.
type Client struct {
	baseURL   string
	http      *http.Client
	transport *http.Transport
	closed    atomic.Bool
}

// NewClient returns a client bound to baseURL.
func NewClient(baseURL string, connectTimeout, requestTimeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:   baseURL,
		transport: transport,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

// BaseURL returns the backend root, e.g. http://127.0.0.1:7860.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get issues GET baseURL+path.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// PostJSON marshals payload and POSTs it to baseURL+path.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sdserver: encode payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body))
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// Close drops idle connections and marks the client unusable.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.transport.CloseIdleConnections()
	}
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// ClientProvider hands out one shared Client, building it on first use and
// again after it has been closed.
type ClientProvider struct {
	baseURL        string
	connectTimeout time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	client *Client
}

// NewClientProvider returns a provider; no client is built until Get.
func NewClientProvider(baseURL string, connectTimeout, requestTimeout time.Duration) *ClientProvider {
	return &ClientProvider{
		baseURL:        baseURL,
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
	}
}

// Get returns the live client, creating one if none exists or the last one
// was closed.
func (p *ClientProvider) Get() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || p.client.IsClosed() {
		p.client = NewClient(p.baseURL, p.connectTimeout, p.requestTimeout)
	}
	return p.client
}

// Close closes the current client, if any, and forgets it.
func (p *ClientProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}
