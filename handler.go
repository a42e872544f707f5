package outbox

import "context"

// Handler processes a single outbox message. The context is cancelled with
// ErrLockLost as its cause when the message lease is lost.
type Handler interface {
	// Handle processes a single message and returns an error on failure.
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return fn(ctx, msg)
}

// Middleware decorates a Handler, e.g. with tracing or timeouts.
type Middleware func(Handler) Handler

// Chain wraps h with mws. The first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	return h
}
