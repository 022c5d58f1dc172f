package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"featurebot/internal"
	ghprovider "featurebot/pkg/providers/github"
	"featurebot/pkg/queue"
	"featurebot/pkg/worker"

	"github.com/spf13/cobra"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Consume routed check_run events and apply the lifecycle policy",
	RunE:  runWork,
}

func init() {
	workCmd.Flags().String("driver", "watermill", "event source: watermill or riverqueue")
	workCmd.Flags().StringSlice("topics", nil, "topics to consume (default: worker.topics)")
	workCmd.Flags().Int("concurrency", 0, "parallel events (default: worker.concurrency)")
	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg := appConfig.AppConfig
	if topics, _ := cmd.Flags().GetStringSlice("topics"); len(topics) > 0 {
		cfg.Worker.Topics = topics
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Worker.Concurrency = n
	}
	driver, _ := cmd.Flags().GetString("driver")

	store, closeStore, err := openRunStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := internal.NewLogger("worker")
	factory := ghprovider.NewFactory(cfg.GitHub)
	engine := newEngine(cfg, factory, store, internal.NewLogger("policy"))

	switch strings.ToLower(driver) {
	case "riverqueue", "river":
		w := newWorker(cfg, factory, engine, log)
		log.Info().Str("queue", cfg.Watermill.RiverQueue.Queue).Msg("consuming river jobs")
		return worker.RunRiver(ctx, cfg.Watermill.RiverQueue, w)
	case "watermill", "":
		subscriber, err := queue.NewSubscriber(cfg.Watermill, internal.NewLogger("queue"))
		if err != nil {
			return err
		}
		w := newWorker(cfg, factory, engine, log, worker.WithSubscriber(subscriber))
		defer w.Close()
		log.Info().Strs("topics", cfg.Worker.Topics).Msg("consuming topics")
		return w.Run(ctx)
	default:
		return fmt.Errorf("unknown driver %q", driver)
	}
}
