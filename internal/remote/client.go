// Package remote talks to the LMS over its websocket RPC channel.
//
// The wire contract is one JSON request per call and one JSON response per
// request id: {id, method, params} in, {id, result} or {id, error} out.
// Server rejections come back tagged as WSError; everything that goes wrong
// below that (dial, write, dropped socket, context timeout) surfaces as a
// ConnectivityError so the sync engine can tell "don't retry" apart from
// "retry later".
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Network reports whether the device currently has a usable connection.
// Checked synchronously before a sync pass even tries the offline store.
type Network interface {
	IsOnline() bool
}

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is a websocket RPC client with a read-side response cache.
type Client struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan response

	cacheMu sync.Mutex
	cache   map[string]json.RawMessage
}

// NewClient creates a client for the given websocket URL. No connection is
// made until the first call; a dropped connection is re-dialed on the next
// call.
func NewClient(url string, log zerolog.Logger) *Client {
	return &Client{
		url:     url,
		log:     log.With().Str("component", "remote").Logger(),
		pending: make(map[int64]chan response),
		cache:   make(map[string]json.RawMessage),
	}
}

// IsOnline reports whether the client currently holds a live connection.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the server if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return &ConnectivityError{Err: err}
	}
	conn.SetReadLimit(1 << 22)

	c.conn = conn
	go c.readLoop(conn)

	c.log.Debug().Str("url", c.url).Msg("connected")
	return nil
}

// Close shuts the connection down. Pending calls fail with a connectivity
// error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// Read performs an idempotent call. Successful results are cached under
// cacheKey; when the call fails with a connectivity error and a cached
// result exists, the cached result is returned instead.
func (c *Client) Read(ctx context.Context, method string, params any, cacheKey string) (json.RawMessage, error) {
	result, err := c.call(ctx, method, params)
	if err == nil {
		if cacheKey != "" {
			c.cacheMu.Lock()
			c.cache[cacheKey] = result
			c.cacheMu.Unlock()
		}
		return result, nil
	}

	if cacheKey != "" && IsConnectivityError(err) {
		c.cacheMu.Lock()
		cached, ok := c.cache[cacheKey]
		c.cacheMu.Unlock()
		if ok {
			c.log.Debug().Str("method", method).Msg("serving cached response")
			return cached, nil
		}
	}
	return nil, err
}

// Write performs a mutating call. Never cached.
func (c *Client) Write(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params)
}

// Invalidate drops every cached read whose key starts with prefix.
func (c *Client) Invalidate(prefix string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for key := range c.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.cache, key)
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}

	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", method, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.dropConn(conn)
		return nil, &ConnectivityError{Err: err}
	}

	select {
	case <-ctx.Done():
		return nil, &ConnectivityError{Err: ctx.Err()}
	case resp, ok := <-ch:
		if !ok {
			return nil, &ConnectivityError{Err: fmt.Errorf("connection closed during %s", method)}
		}
		if resp.Error != nil {
			return nil, &WSError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

// readLoop dispatches responses to their pending callers until the
// connection dies.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.dropConn(conn)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn().Err(err).Msg("malformed response frame")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// dropConn clears the connection and fails every pending call. Only drops
// if conn is still the active connection, so a reconnect racing the old
// read loop is safe.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusAbnormalClosure, "connection lost")
	for _, ch := range pending {
		close(ch)
	}
}
