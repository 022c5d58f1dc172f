package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"featurebot/internal"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

var jobKind = "featurebot.event"

// SetJobKind sets the River job kind used by EventArgs. Call it before
// building clients.
func SetJobKind(kind string) {
	if kind != "" {
		jobKind = kind
	}
}

// EventArgs is the River job carrying one routed webhook event.
type EventArgs struct {
	Topic      string          `json:"topic"`
	Provider   string          `json:"provider"`
	Name       string          `json:"name"`
	RequestID  string          `json:"request_id,omitempty"`
	DeliveryID string          `json:"delivery_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func (EventArgs) Kind() string { return jobKind }

// Event converts the job back into the routing envelope.
func (a EventArgs) Event() internal.Event {
	return internal.Event{
		Provider:   a.Provider,
		Name:       a.Name,
		RequestID:  a.RequestID,
		DeliveryID: a.DeliveryID,
		RawPayload: []byte(a.Payload),
	}
}

// riverPublisher inserts jobs through an insert-only River client.
type riverPublisher struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	cfg    internal.RiverQueueConfig
}

func newRiverPublisher(cfg internal.RiverQueueConfig) (*riverPublisher, error) {
	if cfg.DSN == "" {
		return nil, permanent(errors.New("riverqueue dsn is required"))
	}
	SetJobKind(cfg.Kind)
	pool, err := pgxpool.New(context.Background(), cfg.DSN)
	if err != nil {
		return nil, err
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &riverPublisher{pool: pool, client: client, cfg: cfg}, nil
}

func (p *riverPublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	args := EventArgs{
		Topic:      topic,
		Provider:   event.Provider,
		Name:       event.Name,
		RequestID:  event.RequestID,
		DeliveryID: event.DeliveryID,
		Payload:    json.RawMessage(event.RawPayload),
	}
	if len(args.Payload) == 0 {
		args.Payload = json.RawMessage("{}")
	}
	metadata, err := json.Marshal(map[string]string{"topic": topic, "provider": event.Provider})
	if err != nil {
		return err
	}
	// A failed event is reported, never re-run, so one attempt only.
	_, err = p.client.Insert(ctx, args, &river.InsertOpts{
		MaxAttempts: 1,
		Metadata:    metadata,
		Priority:    p.cfg.Priority,
		Queue:       p.cfg.Queue,
		Tags:        p.cfg.Tags,
	})
	if err != nil {
		return fmt.Errorf("river insert: %w", err)
	}
	return nil
}

func (p *riverPublisher) PublishForDrivers(ctx context.Context, topic string, event internal.Event, drivers []string) error {
	return p.Publish(ctx, topic, event)
}

func (p *riverPublisher) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
