// Package hosttest runs an in-process Update.io host. It speaks the same
// WebSocket protocol as the real host: hello handshake, command requests and
// pushed events. Tests use New; the devhost command serves Handler directly.
package hosttest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// HandlerFunc answers one command. args is the raw argument bag sent by the
// hub, or nil when none was sent. Returning a *Failure replies with its code;
// any other error replies with an internal error.
type HandlerFunc func(args json.RawMessage) (any, error)

// Failure is a host-side command failure with a wire error code.
type Failure struct {
	Code    int
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d: %s", f.Code, f.Message)
}

// Fail builds a *Failure.
func Fail(code int, message string) error {
	return &Failure{Code: code, Message: message}
}

// Host is a fake host. New binds it to a local httptest server.
type Host struct {
	Name     string
	Version  string
	Platform string

	server   *httptest.Server
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	calls    map[string]int
	lastArgs map[string]json.RawMessage
	conn     *connection
	hello    *protocol.HubHelloRequest
}

type connection struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// New starts a host and stops it when the test ends.
func New(t testing.TB) *Host {
	t.Helper()

	h := NewHost()
	h.server = httptest.NewServer(h.Handler())
	t.Cleanup(h.Close)

	return h
}

// NewHost builds a host without a listener.
func NewHost() *Host {
	return &Host{
		Name:     "test-host",
		Version:  "0.0.0-test",
		Platform: "linux",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      slog.Default().With("component", "hosttest"),
		handlers: make(map[string]HandlerFunc),
		calls:    make(map[string]int),
		lastArgs: make(map[string]json.RawMessage),
	}
}

// SetLogger replaces the host's logger.
func (h *Host) SetLogger(l *slog.Logger) {
	h.log = l.With("component", "hosttest")
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// URL returns the ws:// endpoint of a host started with New.
func (h *Host) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
}

// Addr returns the host:port of a host started with New.
func (h *Host) Addr() string {
	return h.server.Listener.Addr().String()
}

// Handle registers the handler for command, replacing any previous one.
func (h *Host) Handle(command string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[command] = fn
}

// Reply registers a handler that always returns payload.
func (h *Host) Reply(command string, payload any) {
	h.Handle(command, func(json.RawMessage) (any, error) { return payload, nil })
}

// Calls returns how many times command was requested.
func (h *Host) Calls(command string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.calls[command]
}

// LastArgs returns the argument bag of the latest request for command.
func (h *Host) LastArgs(command string) json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastArgs[command]
}

// Hello returns the hello the hub sent, or nil before the handshake.
func (h *Host) Hello() *protocol.HubHelloRequest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hello
}

// Connected reports whether a hub is attached.
func (h *Host) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// Push sends payload on channel to the connected hub.
func (h *Host) Push(channel string, payload any) error {
	h.mu.RLock()
	c := h.conn
	h.mu.RUnlock()

	if c == nil {
		return errors.New("no hub connected")
	}

	msg, err := protocol.NewEventMessage(uuid.New().String(), channel, payload)
	if err != nil {
		return err
	}
	return h.send(c, msg)
}

// PushRaw sends an already encoded payload on channel.
func (h *Host) PushRaw(channel string, payload json.RawMessage) error {
	return h.Push(channel, payload)
}

// Disconnect drops the current hub connection.
func (h *Host) Disconnect() {
	h.mu.RLock()
	c := h.conn
	h.mu.RUnlock()

	if c != nil {
		h.closeConn(c)
	}
}

// Close drops the hub and stops the server, if any. Safe to call multiple
// times.
func (h *Host) Close() {
	h.Disconnect()
	if h.server != nil {
		h.server.CloseClientConnections()
		h.server.Close()
	}
}

// handleWS accepts a hub. A new hub replaces the connected one.
func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &connection{
		conn:    conn,
		sendCh:  make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.conn
	h.conn = c
	h.mu.Unlock()

	if prev != nil {
		h.closeConn(prev)
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Host) readPump(c *connection) {
	defer h.closeConn(c)

	c.conn.SetReadLimit(protocol.WSMaxMessageSize)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			h.handleTextMessage(c, data)
		}
	}
}

func (h *Host) writePump(c *connection) {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (h *Host) handleTextMessage(c *connection, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.send(c, protocol.NewErrorMessage(uuid.New().String(), protocol.WSErrCodeBadRequest, "invalid message format"))
		return
	}

	switch msg.Type {
	case protocol.MsgTypeHubHello:
		var hello protocol.HubHelloRequest
		msg.ParsePayload(&hello)
		h.mu.Lock()
		h.hello = &hello
		h.mu.Unlock()

		resp, _ := protocol.NewMessage(msg.ID, protocol.MsgTypeHostStatus, protocol.HostStatusResponse{
			Name:     h.Name,
			Version:  h.Version,
			Platform: h.Platform,
		})
		h.send(c, resp)

	case protocol.MsgTypeRequest:
		// Commands run concurrently so a slow handler does not stall others.
		go h.handleRequest(c, &msg)

	default:
		h.send(c, msg.ReplyError(protocol.WSErrCodeNotImplemented, "unknown message type"))
	}
}

func (h *Host) handleRequest(c *connection, msg *protocol.Message) {
	var req struct {
		Command string          `json:"command"`
		Args    json.RawMessage `json:"args"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		h.send(c, msg.ReplyError(protocol.WSErrCodeBadRequest, "invalid request"))
		return
	}

	h.mu.Lock()
	h.calls[req.Command]++
	h.lastArgs[req.Command] = req.Args
	fn, ok := h.handlers[req.Command]
	h.mu.Unlock()

	if !ok {
		h.send(c, msg.ReplyError(protocol.WSErrCodeNotFound, "unknown command: "+req.Command))
		return
	}

	result, err := fn(req.Args)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			h.send(c, msg.ReplyError(f.Code, f.Message))
		} else {
			h.send(c, msg.ReplyError(protocol.WSErrCodeInternal, err.Error()))
		}
		return
	}

	resp, err := msg.Reply(result)
	if err != nil {
		h.send(c, msg.ReplyError(protocol.WSErrCodeInternal, err.Error()))
		return
	}
	h.send(c, resp)
}

func (h *Host) send(c *connection, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (h *Host) closeConn(c *connection) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	close(c.closeCh)
	c.conn.Close()

	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
	}
	h.mu.Unlock()
}
