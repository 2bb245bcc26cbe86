package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steersman/steersman/internal/bus"
	"github.com/steersman/steersman/internal/config"
	"github.com/steersman/steersman/internal/delivery"
	"github.com/steersman/steersman/internal/queue"
	"github.com/steersman/steersman/internal/relay"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run the consumer drain loop",
	Long: "Polls the pending queue, publishes ready messages to the in-process bus,\n" +
		"acks on successful dispatch and defers on failure. With the relay enabled,\n" +
		"messages are also mirrored to Kafka.",
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().Bool("once", false, "Run a single drain pass and exit")
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	svc, _, closer, err := openServiceFromConfig(cfg)
	if err != nil {
		return err
	}
	defer closer()

	journal, err := queue.NewJournal(cfg.Queue.JournalDir)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	msgBus.Subscribe(bus.SubscribeAll, func(msg *bus.RoutedMessage) {
		fmt.Fprintf(cmd.OutOrStdout(), "-> %s  type=%s key=%s\n", msg.Recipient, msg.MessageType, msg.IdempotencyKey)
	})

	if cfg.Relay.Enabled {
		mirror := relay.NewMirror(cfg.Relay.Brokers, cfg.Relay.GroupName)
		defer mirror.Close()
		mirror.Attach(msgBus)
	}

	handler := func(ctx context.Context, msg *queue.AgentMessage) error {
		msgBus.PublishRouted(&bus.RoutedMessage{
			Recipient:      msg.Recipient,
			Sender:         msg.Sender,
			MessageType:    msg.MessageType,
			Payload:        msg.Payload,
			IdempotencyKey: msg.IdempotencyKey,
			QueuedAt:       msg.QueuedAt,
		})
		return nil
	}

	worker := delivery.NewDrainWorker(svc, journal, cfg.Drain.Scope, handler)
	worker.SetInterval(cfg.Drain.Interval())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go msgBus.Dispatch(ctx)

	if once {
		worker.Poll(ctx)
		return nil
	}
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
