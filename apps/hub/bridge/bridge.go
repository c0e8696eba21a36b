// Package bridge defines the transport contract between the hub and the
// native host: named command invocation and named event subscription.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
)

// Args is the named-argument bag sent with a command. Keys are passed to
// the host verbatim.
type Args map[string]any

// Handler receives one raw payload per event delivered on a channel.
type Handler func(payload json.RawMessage)

// Unsubscribe releases a subscription. Implementations returned by this
// package are idempotent.
type Unsubscribe func()

// Invoker issues a command to the host and waits for its reply.
type Invoker interface {
	Invoke(ctx context.Context, command string, args Args) (json.RawMessage, error)
}

// Subscriber registers handlers for host push channels.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error)
}

// Bridge is the full host transport.
type Bridge interface {
	Invoker
	Subscriber
}

// Once wraps fn so that only the first call has an effect.
func Once(fn func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(fn)
	}
}
