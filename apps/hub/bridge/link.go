package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrDetached is the cause of Unreachable errors while a Link has no
// transport.
var ErrDetached = errors.New("no host connection")

// Link is a Bridge whose transport can be swapped. Subscriptions are held by
// the Link and carried over to each transport it is bound to, so views stay
// subscribed across reconnects.
type Link struct {
	mu       sync.Mutex
	target   Bridge
	subs     map[string]map[uint64]Handler
	upstream map[string]Unsubscribe
	nextID   uint64
}

var _ Bridge = (*Link)(nil)

// NewLink creates a detached link.
func NewLink() *Link {
	return &Link{
		subs:     make(map[string]map[uint64]Handler),
		upstream: make(map[string]Unsubscribe),
	}
}

// Bind makes b the transport and subscribes it to every channel that has
// handlers. The previous transport, if any, is unbound first.
func (l *Link) Bind(ctx context.Context, b Bridge) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.unbindLocked()
	l.target = b
	for channel := range l.subs {
		if err := l.subscribeLocked(ctx, channel); err != nil {
			l.unbindLocked()
			return err
		}
	}
	return nil
}

// Unbind drops the transport. Handlers stay registered.
func (l *Link) Unbind() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unbindLocked()
}

// Bound reports whether a transport is set.
func (l *Link) Bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target != nil
}

// Invoke forwards to the bound transport.
func (l *Link) Invoke(ctx context.Context, command string, args Args) (json.RawMessage, error) {
	l.mu.Lock()
	target := l.target
	l.mu.Unlock()

	if target == nil {
		return nil, Unreachable(command, ErrDetached)
	}
	return target.Invoke(ctx, command, args)
}

// Subscribe registers handler on channel. It works with or without a bound
// transport.
func (l *Link) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("nil handler for " + channel)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subs[channel] == nil {
		l.subs[channel] = make(map[uint64]Handler)
	}
	l.nextID++
	id := l.nextID
	l.subs[channel][id] = handler

	if l.target != nil && l.upstream[channel] == nil {
		if err := l.subscribeLocked(ctx, channel); err != nil {
			l.removeLocked(channel, id)
			return nil, err
		}
	}

	return Once(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.removeLocked(channel, id)
	}), nil
}

// Subscribers returns the number of handlers registered on channel.
func (l *Link) Subscribers(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[channel])
}

func (l *Link) subscribeLocked(ctx context.Context, channel string) error {
	unsub, err := l.target.Subscribe(ctx, channel, func(payload json.RawMessage) {
		l.dispatch(channel, payload)
	})
	if err != nil {
		return err
	}
	l.upstream[channel] = unsub
	return nil
}

func (l *Link) removeLocked(channel string, id uint64) {
	delete(l.subs[channel], id)
	if len(l.subs[channel]) > 0 {
		return
	}
	delete(l.subs, channel)
	if unsub := l.upstream[channel]; unsub != nil {
		unsub()
		delete(l.upstream, channel)
	}
}

func (l *Link) unbindLocked() {
	for channel, unsub := range l.upstream {
		unsub()
		delete(l.upstream, channel)
	}
	l.target = nil
}

func (l *Link) dispatch(channel string, payload json.RawMessage) {
	l.mu.Lock()
	handlers := make([]Handler, 0, len(l.subs[channel]))
	for _, h := range l.subs[channel] {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
