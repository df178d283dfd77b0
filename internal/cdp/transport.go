// Package cdp implements the per-target Chrome DevTools Protocol
// transport described in spec.md §4.1/§9: one WebSocket per browser
// target rather than one multiplexed browser-level socket, so that N
// tabs give true N-way parallelism instead of serializing through a
// single handler. Built directly on gobwas/ws — the same low-level
// WebSocket library chromedp itself is built on — since reaching for
// chromedp's own `chromedp.Run` would buy back exactly the shared-session
// topology this package exists to avoid.
package cdp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Event is a CDP event: a method name and its raw JSON payload.
type Event struct {
	Method string
	Params json.RawMessage
}

// Matcher reports whether an event satisfies a wait_event call. method is
// the CDP event name (e.g. "Page.loadEventFired"); params is the raw
// payload, for matchers that need to inspect a field.
type Matcher func(method string, params json.RawMessage) bool

// MethodIs returns a Matcher that accepts any event with the given
// method name.
func MethodIs(method string) Matcher {
	return func(m string, _ json.RawMessage) bool { return m == method }
}

// wireRequest is the JSON-RPC envelope sent to Chrome.
type wireRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// wireMessage is the JSON-RPC envelope received from Chrome: either a
// command response (ID set) or an event (Method set).
type wireMessage struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ProtocolError is returned by Call when Chrome responds with a CDP-level
// error rather than a transport failure.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp protocol error %d: %s", e.Code, e.Message)
}

// ErrTimeout is returned by Call/WaitEvent when the deadline elapses
// before a matching response/event arrives.
var ErrTimeout = fmt.Errorf("cdp: timeout")

// ErrTransportClosed is returned by Call/WaitEvent once the connection has
// been closed, and by in-flight calls when the connection closes under
// them.
var ErrTransportClosed = fmt.Errorf("cdp: transport closed")

// pendingCall is a command awaiting its correlated response.
type pendingCall struct {
	result chan json.RawMessage
	err    chan error
}

// Conn is a single WebSocket connection to one browser target (tab).
// Every event received on the socket — whether or not anything is
// currently waiting for it — is appended to an in-memory queue;
// WaitEvent drains that queue from the head forward, so an event that
// arrives before a caller starts waiting for it (e.g. Page.loadEventFired
// racing a late WaitEvent call) is never lost.
type Conn struct {
	nc     net.Conn
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	events   []Event
	waiters  []*eventWaiter
	closed   bool
	closeErr error

	writeMu sync.Mutex
}

type eventWaiter struct {
	match  Matcher
	result chan Event
}

// Dial opens a new per-target WebSocket connection to wsURL (a target's
// own `webSocketDebuggerUrl`, as returned by the browser's HTTP
// `/json/new` endpoint — see internal/browser).
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	nc, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}

	c := &Conn{
		nc:      nc,
		pending: make(map[int64]*pendingCall),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	br := bufio.NewReaderSize(c.nc, 64*1024)
	for {
		data, err := wsutil.ReadServerText(br)
		if err != nil {
			c.shutdown(fmt.Errorf("cdp: read: %w", err))
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // malformed frame; drop rather than wedge the connection
		}

		if msg.ID != 0 {
			c.deliverResponse(msg)
			continue
		}
		if msg.Method != "" {
			c.deliverEvent(Event{Method: msg.Method, Params: msg.Params})
		}
	}
}

func (c *Conn) deliverResponse(msg wireMessage) {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if msg.Error != nil {
		pc.err <- &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message}
		return
	}
	pc.result <- msg.Result
}

func (c *Conn) deliverEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.waiters {
		if w.match(ev.Method, ev.Params) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.result <- ev
			return
		}
	}
	c.events = append(c.events, ev)
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, pc := range pending {
		pc.err <- ErrTransportClosed
	}
	for _, w := range waiters {
		close(w.result)
	}
}

// Close shuts down the connection. Any in-flight Call or WaitEvent
// returns ErrTransportClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrTransportClosed)
	return c.nc.Close()
}

// Call sends a CDP command and blocks until the correlated response
// arrives, the timeout elapses, or the connection closes.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	pc := &pendingCall{result: make(chan json.RawMessage, 1), err: make(chan error, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	req := wireRequest{ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("cdp: marshal %s params: %w", method, err)
	}

	c.writeMu.Lock()
	writeErr := wsutil.WriteClientText(c.nc, payload)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.removePending(id)
		return nil, fmt.Errorf("cdp: write %s: %w", method, writeErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.result:
		return res, nil
	case err := <-pc.err:
		return nil, err
	case <-timer.C:
		c.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// WaitEvent blocks until an event satisfying match is observed (draining
// any already-buffered events first), the timeout elapses, or the
// connection closes.
func (c *Conn) WaitEvent(ctx context.Context, match Matcher, timeout time.Duration) (Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Event{}, ErrTransportClosed
	}
	for i, ev := range c.events {
		if match(ev.Method, ev.Params) {
			c.events = append(c.events[:i], c.events[i+1:]...)
			c.mu.Unlock()
			return ev, nil
		}
	}
	w := &eventWaiter{match: match, result: make(chan Event, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-w.result:
		if !ok {
			return Event{}, ErrTransportClosed
		}
		return ev, nil
	case <-timer.C:
		c.removeWaiter(w)
		return Event{}, ErrTimeout
	case <-ctx.Done():
		c.removeWaiter(w)
		return Event{}, ctx.Err()
	}
}

func (c *Conn) removeWaiter(w *eventWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ww := range c.waiters {
		if ww == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Unmarshal decodes a raw CDP result payload into v.
func Unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
