// Package wsclient provides the WebSocket transport between the hub and the
// Update.io host. It implements bridge.Bridge.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// Errors returned by client operations. Invoke wraps them in a
// *bridge.Error of kind KindUnreachable.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrRequestTimeout   = errors.New("request timeout")
)

// Options configures a Client.
type Options struct {
	HubName    string
	HubVersion string
	Platform   string

	// RequestTimeout bounds each Invoke. Zero means wait until the host
	// replies, the context ends, or the connection drops.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Client is a WebSocket client for communicating with the Update.io host.
type Client struct {
	url  string
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	sendCh   chan []byte
	closeCh  chan struct{}
	closed   bool
	requests map[string]pendingRequest
	host     *protocol.HostStatusResponse

	subMu   sync.RWMutex
	subs    map[string]map[uint64]bridge.Handler
	nextSub uint64

	onDisconnect func()
}

type pendingRequest struct {
	command string
	ch      chan *protocol.Message
}

var _ bridge.Bridge = (*Client)(nil)

// NewClient creates a client for the host listening on host:port.
func NewClient(host string, port int, opts Options) *Client {
	return NewClientURL(fmt.Sprintf("ws://%s/ws", net.JoinHostPort(host, strconv.Itoa(port))), opts)
}

// NewClientURL creates a client for a full ws:// URL.
func NewClientURL(url string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		opts:     opts,
		log:      logger.With("component", "wsclient"),
		requests: make(map[string]pendingRequest),
		subs:     make(map[string]map[uint64]bridge.Handler),
	}
}

// URL returns the host endpoint.
func (c *Client) URL() string {
	return c.url
}

// SetOnDisconnect sets the callback run when the connection drops.
func (c *Client) SetOnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

// Connect establishes the WebSocket connection and performs the hello
// exchange with the host.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: protocol.WSHandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sendCh = make(chan []byte, 256)
	c.closeCh = make(chan struct{})
	c.closed = false
	c.requests = make(map[string]pendingRequest)
	c.host = nil
	closeCh := c.closeCh
	sendCh := c.sendCh
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn, sendCh, closeCh)

	helloCtx, cancel := context.WithTimeout(ctx, protocol.WSHandshakeTimeout)
	defer cancel()

	resp, err := c.sendRequest(helloCtx, string(protocol.MsgTypeHubHello), protocol.MsgTypeHubHello, protocol.HubHelloRequest{
		Name:     c.opts.HubName,
		Version:  c.opts.HubVersion,
		Platform: c.opts.Platform,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}
	if resp.Type != protocol.MsgTypeHostStatus {
		c.Close()
		return fmt.Errorf("unexpected response type: %s", resp.Type)
	}

	var status protocol.HostStatusResponse
	if err := resp.ParsePayload(&status); err != nil {
		c.Close()
		return fmt.Errorf("failed to parse host status: %w", err)
	}

	c.mu.Lock()
	c.host = &status
	c.mu.Unlock()

	c.log.Info("connected to host", "url", c.url, "host", status.Name, "version", status.Version)
	return nil
}

// Host returns what the host reported during the handshake, or nil.
func (c *Client) Host() *protocol.HostStatusResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.closeCh != nil {
		close(c.closeCh)
	}

	var err error
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
		c.conn = nil
	}

	return err
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

// Invoke sends a command with its argument bag and waits for the reply
// payload.
func (c *Client) Invoke(ctx context.Context, command string, args bridge.Args) (json.RawMessage, error) {
	resp, err := c.sendRequest(ctx, command, protocol.MsgTypeRequest, protocol.InvokeRequest{
		Command: command,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Subscribe registers handler for payloads pushed on channel. Handlers for a
// channel run on the read goroutine in arrival order, so they must not
// block. The returned Unsubscribe is idempotent.
func (c *Client) Subscribe(ctx context.Context, channel string, handler bridge.Handler) (bridge.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for %s", channel)
	}

	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[uint64]bridge.Handler)
	}
	c.subs[channel][id] = handler
	c.subMu.Unlock()

	c.log.Debug("subscribed", "channel", channel, "id", id)

	return bridge.Once(func() {
		c.subMu.Lock()
		delete(c.subs[channel], id)
		if len(c.subs[channel]) == 0 {
			delete(c.subs, channel)
		}
		c.subMu.Unlock()
		c.log.Debug("unsubscribed", "channel", channel, "id", id)
	}), nil
}

// Subscribers returns the number of handlers registered on channel.
func (c *Client) Subscribers(channel string) int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs[channel])
}

// readPump handles incoming messages from the host.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.handleDisconnect(conn)

	conn.SetReadLimit(protocol.WSMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(protocol.WSPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(protocol.WSPongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", "err", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.handleTextMessage(data)
		case websocket.BinaryMessage:
			c.log.Warn("unexpected binary message", "bytes", len(data))
		}
	}
}

// writePump handles outgoing messages to the host.
func (c *Client) writePump(conn *websocket.Conn, sendCh <-chan []byte, closeCh <-chan struct{}) {
	ticker := time.NewTicker(protocol.WSPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("write error", "err", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closeCh:
			return
		}
	}
}

// handleTextMessage routes replies to their waiting request and events to
// channel subscribers.
func (c *Client) handleTextMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("invalid message", "err", err)
		return
	}

	if msg.Type != protocol.MsgTypeEvent {
		c.mu.RLock()
		req, isResponse := c.requests[msg.ID]
		c.mu.RUnlock()

		if isResponse {
			select {
			case req.ch <- &msg:
			default:
				c.log.Warn("response channel full", "id", msg.ID, "command", req.command)
			}
			return
		}
		c.log.Warn("reply for unknown request", "id", msg.ID, "type", msg.Type)
		return
	}

	var env protocol.EventEnvelope
	if err := msg.ParsePayload(&env); err != nil || env.Channel == "" {
		c.log.Warn("invalid event envelope", "id", msg.ID, "err", err)
		return
	}
	c.dispatch(env.Channel, env.Payload)
}

// dispatch delivers one payload to every handler on channel.
func (c *Client) dispatch(channel string, payload json.RawMessage) {
	c.subMu.RLock()
	ids := make([]uint64, 0, len(c.subs[channel]))
	for id := range c.subs[channel] {
		ids = append(ids, id)
	}
	handlers := make([]bridge.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.subs[channel][id])
	}
	c.subMu.RUnlock()

	if len(handlers) == 0 {
		c.log.Debug("event without subscribers", "channel", channel)
		return
	}
	for _, h := range handlers {
		h(payload)
	}
}

// handleDisconnect handles connection loss. Only the loss of the current
// connection fails pending requests and runs the disconnect callback; a
// connection already replaced or closed by Close is ignored.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}

	// Fail all pending requests
	for id, req := range c.requests {
		close(req.ch)
		delete(c.requests, id)
	}

	callback := c.onDisconnect
	c.mu.Unlock()

	c.log.Info("disconnected from host", "url", c.url)
	if callback != nil {
		callback()
	}
}

// sendRequest sends a request and waits for a response. The command name is
// only used to label errors.
func (c *Client) sendRequest(ctx context.Context, command string, msgType protocol.MessageType, payload any) (*protocol.Message, error) {
	id := uuid.New().String()
	msg, err := protocol.NewMessage(id, msgType, payload)
	if err != nil {
		return nil, &bridge.Error{Kind: bridge.KindValidation, Command: command, Err: err}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &bridge.Error{Kind: bridge.KindValidation, Command: command, Err: err}
	}

	// The request is registered under the same lock as the connected check,
	// so a disconnect either sees it and fails it or happens first.
	respCh := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, bridge.Unreachable(command, ErrNotConnected)
	}
	sendCh := c.sendCh
	closeCh := c.closeCh
	c.requests[id] = pendingRequest{command: command, ch: respCh}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
	}()

	select {
	case sendCh <- data:
	case <-closeCh:
		return nil, bridge.Unreachable(command, ErrConnectionClosed)
	case <-ctx.Done():
		return nil, bridge.Unreachable(command, ctx.Err())
	default:
		return nil, bridge.Unreachable(command, ErrSendBufferFull)
	}

	var timeout <-chan time.Time
	if c.opts.RequestTimeout > 0 {
		timer := time.NewTimer(c.opts.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, bridge.Unreachable(command, ErrConnectionClosed)
		}
		if resp.Error != nil {
			return nil, bridge.FromWire(command, resp.Error)
		}
		return resp, nil
	case <-closeCh:
		return nil, bridge.Unreachable(command, ErrConnectionClosed)
	case <-ctx.Done():
		return nil, bridge.Unreachable(command, ctx.Err())
	case <-timeout:
		return nil, bridge.Unreachable(command, ErrRequestTimeout)
	}
}
