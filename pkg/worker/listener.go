package worker

import (
	"context"

	"featurebot/internal"
)

// Listener hooks into the worker lifecycle. Any field may be nil.
type Listener struct {
	OnStart         func(ctx context.Context)
	OnExit          func(ctx context.Context)
	OnMessageStart  func(ctx context.Context, evt *Event)
	OnMessageFinish func(ctx context.Context, evt *Event, err error)
	// OnError also fires for messages that never decoded; evt is nil then.
	OnError func(ctx context.Context, evt *Event, err error)
}

// MetricsListener counts handled and failed messages per topic.
func MetricsListener() Listener {
	return Listener{
		OnMessageFinish: func(ctx context.Context, evt *Event, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			internal.IncMessage(evt.Topic, outcome)
		},
		OnError: func(ctx context.Context, evt *Event, err error) {
			if evt == nil {
				internal.IncMessage("", "rejected")
			}
		},
	}
}

type listeners []Listener

func (ls listeners) start(ctx context.Context) {
	for _, l := range ls {
		if l.OnStart != nil {
			l.OnStart(ctx)
		}
	}
}

func (ls listeners) exit(ctx context.Context) {
	for _, l := range ls {
		if l.OnExit != nil {
			l.OnExit(ctx)
		}
	}
}

func (ls listeners) messageStart(ctx context.Context, evt *Event) {
	for _, l := range ls {
		if l.OnMessageStart != nil {
			l.OnMessageStart(ctx, evt)
		}
	}
}

func (ls listeners) messageFinish(ctx context.Context, evt *Event, err error) {
	for _, l := range ls {
		if l.OnMessageFinish != nil {
			l.OnMessageFinish(ctx, evt, err)
		}
	}
}

func (ls listeners) failed(ctx context.Context, evt *Event, err error) {
	for _, l := range ls {
		if l.OnError != nil {
			l.OnError(ctx, evt, err)
		}
	}
}
