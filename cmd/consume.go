package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/events"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run a job-scoped dedupe for each job-completed event",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDedupe(ctx, "consume")
		if err != nil {
			return err
		}
		defer env.Close()

		consumer := events.NewJobConsumer(events.ConsumerConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.JobsTopic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, jobHandler(env.Orchestrator))
		defer consumer.Close() //nolint:errcheck

		zap.L().Info("consuming job events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.JobsTopic),
		)
		return consumer.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
