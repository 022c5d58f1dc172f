package cmd

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"featurebot/internal"
	"featurebot/pkg/api"
	ghprovider "featurebot/pkg/providers/github"
	"featurebot/pkg/queue"
	"featurebot/pkg/webhook"
	"featurebot/pkg/worker"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive GitHub webhooks and route them to the queue",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("debug-events", false, "log every webhook body at debug level")
	serveCmd.Flags().Bool("inline-worker", false, "consume the gochannel queue inside this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	logger := internal.NewLogger("server")
	debugEvents, _ := cmd.Flags().GetBool("debug-events")
	if inline, _ := cmd.Flags().GetBool("inline-worker"); inline {
		cfg.Worker.Inline = true
	}

	ruleEngine, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  cfg.Rules,
		Strict: cfg.RulesStrict,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	publisher, err := queue.NewPublisher(cfg.Watermill, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	store, closeStore, err := openRunStore(cfg.AppConfig)
	if err != nil {
		return err
	}
	defer closeStore()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.GitHub.Enabled {
		ghHandler, err := webhook.NewGitHubHandler(cfg.GitHub.Secret, ruleEngine, publisher, logger, cfg.Server.MaxBodyBytes, debugEvents)
		if err != nil {
			return err
		}
		handler := internal.NewRateLimitHandler(ghHandler, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute)
		mux.Handle(cfg.GitHub.Path, handler)
		logger.Info().Str("path", cfg.GitHub.Path).Msg("github webhook enabled")
	} else {
		logger.Warn().Msg("github webhook disabled")
	}
	if cfg.Server.MetricsEnabled {
		mux.Handle(cfg.Server.MetricsPath, expvar.Handler())
	}
	if cfg.Server.APIEnabled {
		api.Register(mux, cfg.Server.APIPrefix, cfg.Server.APIToken, store, publisher, logger)
		logger.Info().Str("prefix", cfg.Server.APIPrefix).Msg("operator api enabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan error, 1)
	if cfg.Worker.Inline {
		subscriber, err := queue.NewSubscriber(cfg.Watermill, internal.NewLogger("queue"))
		if err != nil {
			return err
		}
		factory := ghprovider.NewFactory(cfg.GitHub)
		engine := newEngine(cfg.AppConfig, factory, store, internal.NewLogger("policy"))
		w := newWorker(cfg.AppConfig, factory, engine, internal.NewLogger("worker"), worker.WithSubscriber(subscriber))
		go func() { workerDone <- w.Run(ctx) }()
		defer w.Close()
	} else {
		workerDone <- nil
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderMS) * time.Millisecond,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	stop()
	return <-workerDone
}
