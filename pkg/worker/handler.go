package worker

import "context"

// Handler processes one decoded event.
type Handler func(ctx context.Context, evt *Event) error

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so the first middleware runs outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// ClientProvider resolves the API client a handler should use for an event,
// typically by reading the installation id out of the payload.
type ClientProvider interface {
	Client(ctx context.Context, evt *Event) (interface{}, error)
}

// ClientProviderFunc adapts a function to ClientProvider.
type ClientProviderFunc func(ctx context.Context, evt *Event) (interface{}, error)

func (fn ClientProviderFunc) Client(ctx context.Context, evt *Event) (interface{}, error) {
	return fn(ctx, evt)
}
