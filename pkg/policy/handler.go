package policy

import (
	"context"
	"errors"

	"featurebot/internal"
	"featurebot/pkg/worker"
)

// EventCheckRun is the webhook event the engine acts on.
const EventCheckRun = "check_run"

// NewHandler adapts the engine to the worker. When the worker resolved a
// GitHub client for the message it is used in place of e.Clients.
// Malformed payloads are logged and dropped.
func NewHandler(e *Engine, cfg internal.CIConfig) worker.Handler {
	return func(ctx context.Context, evt *worker.Event) error {
		if evt.Type != EventCheckRun {
			return nil
		}
		ev, err := ParseCheckRunEvent(evt.Payload)
		if err != nil {
			if errors.Is(err, ErrInvalidEvent) {
				internal.WithRequestID(e.logger(), evt.RequestID()).Warn().Err(err).Msg("dropping check_run event")
				return nil
			}
			return err
		}
		ev.RequestID = evt.RequestID()
		ev.DeliveryID = evt.DeliveryID()
		ev.Topic = evt.Topic

		var opts Options
		if client, ok := worker.GitHubClient(evt); ok {
			clients, err := GitHubClients(client, ev, cfg, e.checkRunName(), e.logger())
			if err != nil {
				return err
			}
			opts.Clients = clients
		}
		_, err = e.HandleWithOptions(ctx, ev, opts)
		return err
	}
}
