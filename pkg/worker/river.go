package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"featurebot/internal"
	"featurebot/pkg/queue"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// RiverWorker feeds River jobs through the same pipeline as broker messages.
type RiverWorker struct {
	river.WorkerDefaults[queue.EventArgs]
	worker *Worker
}

func NewRiverWorker(w *Worker) *RiverWorker {
	return &RiverWorker{worker: w}
}

// Work cancels a failed job instead of letting River retry it.
func (r *RiverWorker) Work(ctx context.Context, job *river.Job[queue.EventArgs]) error {
	evt := EventFromArgs(job.Args)
	if err := json.Unmarshal(evt.Payload, &evt.Normalized); err != nil {
		return river.JobCancel(err)
	}
	if err := r.worker.Process(ctx, evt); err != nil {
		return river.JobCancel(err)
	}
	return nil
}

// EventFromArgs rebuilds a worker event from a River job.
func EventFromArgs(args queue.EventArgs) *Event {
	metadata := map[string]string{
		"provider": args.Provider,
		"event":    args.Name,
	}
	if args.RequestID != "" {
		metadata["request_id"] = args.RequestID
	}
	if args.DeliveryID != "" {
		metadata["delivery_id"] = args.DeliveryID
	}
	return &Event{
		Provider: args.Provider,
		Type:     args.Name,
		Topic:    args.Topic,
		Metadata: metadata,
		Payload:  args.Payload,
	}
}

// RunRiver consumes the configured River queue until ctx is cancelled.
func RunRiver(ctx context.Context, cfg internal.RiverQueueConfig, w *Worker) error {
	if cfg.DSN == "" {
		return errors.New("riverqueue dsn is required")
	}
	queue.SetJobKind(cfg.Kind)

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	workers := river.NewWorkers()
	river.AddWorker(workers, NewRiverWorker(w))

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return err
	}

	w.listeners.start(ctx)
	defer w.listeners.exit(ctx)
	if err := client.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Stop(stopCtx)
}
