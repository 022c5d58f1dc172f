package worker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// MiddlewareFromWatermill runs a Watermill handler middleware around a
// worker handler. The request id doubles as the correlation id.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *Event) error {
			msg := message.NewMessage(watermill.NewUUID(), message.Payload(evt.Payload))
			msg.SetContext(ctx)
			for key, value := range evt.Metadata {
				msg.Metadata.Set(key, value)
			}
			if reqID := evt.RequestID(); reqID != "" {
				middleware.SetCorrelationID(reqID, msg)
			}
			wrapped := m(func(msg *message.Message) ([]*message.Message, error) {
				return nil, next(msg.Context(), evt)
			})
			_, err := wrapped(msg)
			return err
		}
	}
}

// Recoverer turns a handler panic into an error.
func Recoverer() Middleware {
	return MiddlewareFromWatermill(middleware.Recoverer)
}
