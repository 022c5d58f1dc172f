package cmd

import (
	"context"
	"sync"
	"time"

	"featurebot/internal"
	"featurebot/pkg/policy"
	ghprovider "featurebot/pkg/providers/github"
	"featurebot/pkg/storage"
	"featurebot/pkg/storage/runs"
	"featurebot/pkg/worker"

	"github.com/rs/zerolog"
)

// openRunStore returns a nil store when run history is disabled.
func openRunStore(cfg internal.AppConfig) (storage.RunStore, func() error, error) {
	if !cfg.Storage.Enabled {
		return nil, func() error { return nil }, nil
	}
	store, err := runs.Open(runs.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		Table:       cfg.Storage.Table,
		AutoMigrate: cfg.Storage.AutoMigrate,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func newEngine(cfg internal.AppConfig, factory *ghprovider.Factory, store storage.RunStore, log *zerolog.Logger) *policy.Engine {
	source := policy.GitHubSource{
		Factory:      factory,
		CI:           cfg.CI,
		CheckRunName: cfg.Policy.CheckRunName,
		Log:          log,
	}
	return policy.NewEngine(cfg.Policy, source, store, log)
}

// newWorker registers the policy handler on every configured topic.
func newWorker(cfg internal.AppConfig, factory *ghprovider.Factory, engine *policy.Engine, log *zerolog.Logger, opts ...worker.Option) *worker.Worker {
	base := []worker.Option{
		worker.WithConfig(cfg.Worker),
		worker.WithLogger(worker.ZerologLogger(log)),
		worker.WithClientProvider(worker.GitHubClientProvider(factory)),
		worker.WithMiddleware(worker.Recoverer()),
		worker.WithListener(logListener(log), worker.MetricsListener()),
	}
	w := worker.New(append(base, opts...)...)
	handler := policy.NewHandler(engine, cfg.CI)
	for _, topic := range cfg.Worker.Topics {
		w.HandleTopic(topic, handler)
	}
	w.HandleType(policy.EventCheckRun, handler)
	return w
}

func logListener(log *zerolog.Logger) worker.Listener {
	var started sync.Map
	return worker.Listener{
		OnStart: func(ctx context.Context) {
			log.Info().Msg("worker started")
		},
		OnExit: func(ctx context.Context) {
			log.Info().Msg("worker stopped")
		},
		OnMessageStart: func(ctx context.Context, evt *worker.Event) {
			started.Store(evt, time.Now())
		},
		OnMessageFinish: func(ctx context.Context, evt *worker.Event, err error) {
			level := zerolog.InfoLevel
			if err != nil {
				level = zerolog.WarnLevel
			}
			log.WithLevel(level).Err(err).Str("topic", evt.Topic).
				Str("event", evt.Type).
				Str("request_id", evt.RequestID()).
				Dur("elapsed", elapsed(&started, evt)).
				Msg("message handled")
		},
		OnError: func(ctx context.Context, evt *worker.Event, err error) {
			if evt == nil {
				log.Error().Err(err).Msg("message rejected")
			}
		},
	}
}

func elapsed(starts *sync.Map, evt *worker.Event) time.Duration {
	value, ok := starts.LoadAndDelete(evt)
	if !ok {
		return 0
	}
	return time.Since(value.(time.Time))
}
