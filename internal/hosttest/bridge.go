package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// InvokeFunc answers one in-memory invocation.
type InvokeFunc func(ctx context.Context, args bridge.Args) (any, error)

// Bridge is an in-memory bridge.Bridge. Invocations run the registered
// InvokeFunc on the caller's goroutine and Emit delivers synchronously, so
// tests control ordering exactly.
type Bridge struct {
	mu       sync.Mutex
	handlers map[string]InvokeFunc
	calls    map[string][]bridge.Args
	subs     map[string]map[int]bridge.Handler
	nextSub  int
}

var _ bridge.Bridge = (*Bridge)(nil)

// NewBridge creates an empty in-memory bridge.
func NewBridge() *Bridge {
	return &Bridge{
		handlers: make(map[string]InvokeFunc),
		calls:    make(map[string][]bridge.Args),
		subs:     make(map[string]map[int]bridge.Handler),
	}
}

// On registers fn for command.
func (b *Bridge) On(command string, fn InvokeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[command] = fn
}

// Returns registers a handler that always replies with value.
func (b *Bridge) Returns(command string, value any) {
	b.On(command, func(context.Context, bridge.Args) (any, error) { return value, nil })
}

// Fails registers a handler that always fails with err.
func (b *Bridge) Fails(command string, err error) {
	b.On(command, func(context.Context, bridge.Args) (any, error) { return nil, err })
}

// Invoke implements bridge.Invoker. Handler errors that are not already a
// *bridge.Error are reported as host failures.
func (b *Bridge) Invoke(ctx context.Context, command string, args bridge.Args) (json.RawMessage, error) {
	b.mu.Lock()
	b.calls[command] = append(b.calls[command], args)
	fn, ok := b.handlers[command]
	b.mu.Unlock()

	if !ok {
		return nil, bridge.FromWire(command, &protocol.WSError{Code: protocol.WSErrCodeNotFound, Message: "unknown command"})
	}

	v, err := fn(ctx, args)
	if err != nil {
		var berr *bridge.Error
		if errors.As(err, &berr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &bridge.Error{Kind: bridge.KindHost, Command: command, Code: protocol.WSErrCodeInternal, Message: err.Error()}
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Subscribe implements bridge.Subscriber.
func (b *Bridge) Subscribe(ctx context.Context, channel string, handler bridge.Handler) (bridge.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]bridge.Handler)
	}
	b.subs[channel][id] = handler
	b.mu.Unlock()

	return bridge.Once(func() {
		b.mu.Lock()
		delete(b.subs[channel], id)
		b.mu.Unlock()
	}), nil
}

// Emit encodes payload and delivers it to every subscriber of channel.
func (b *Bridge) Emit(channel string, payload any) {
	data, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			panic(err)
		}
	}

	b.mu.Lock()
	handlers := make([]bridge.Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// Calls returns how many times command was invoked.
func (b *Bridge) Calls(command string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls[command])
}

// LastArgs returns the arguments of the latest invocation of command.
func (b *Bridge) LastArgs(command string) bridge.Args {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := b.calls[command]
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

// Subscribers returns the number of live handlers on channel.
func (b *Bridge) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
