package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the durable message queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List pending agent messages",
		RunE:  runQueueList,
	}

	queueDeadCmd = &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered agent messages",
		RunE:  runQueueDead,
	}

	queueRequeueCmd = &cobra.Command{
		Use:   "requeue [ref]",
		Short: "Move a dead-lettered message back to pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRequeue,
	}

	queueRequeueAllCmd = &cobra.Command{
		Use:   "requeue-all",
		Short: "Requeue all dead-lettered messages",
		RunE:  runQueueRequeueAll,
	}

	queueSuggestionsCmd = &cobra.Command{
		Use:   "suggestions",
		Short: "List pending suggestions",
		RunE:  runQueueSuggestions,
	}
)

func init() {
	queueListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	queueDeadCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	queueRequeueAllCmd.Flags().Int("limit", 0, "Maximum messages to requeue (0 = all)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queueRequeueAllCmd)
	queueCmd.AddCommand(queueSuggestionsCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}
	now := time.Now()
	for _, msg := range msgs {
		ready := "ready"
		if !msg.Ready(now) {
			ready = fmt.Sprintf("backoff until %s", time.UnixMilli(msg.NextAttemptAt).Format(time.RFC3339))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s <- %s  type=%s attempts=%d  %s\n",
			msg.Ref, msg.Recipient, msg.Sender, msg.MessageType, msg.Attempts, ready)
	}
	return nil
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	msgs, err := svc.ListDeadLetterAgentMessages()
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty.")
		return nil
	}
	for _, msg := range msgs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s <- %s  type=%s attempts=%d  error=%s\n",
			msg.Ref, msg.Recipient, msg.Sender, msg.MessageType, msg.Attempts, msg.LastError)
	}
	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	ref, err := svc.RequeueDeadLetterAgentMessage(args[0])
	if err != nil {
		return err
	}
	if ref == "" {
		return fmt.Errorf("entry %s is not dead-lettered", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued as %s\n", ref)
	return nil
}

func runQueueRequeueAll(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	moved, err := svc.RequeueAllDeadLetterAgentMessages(limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d message(s)\n", moved)
	return nil
}

func runQueueSuggestions(cmd *cobra.Command, args []string) error {
	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	suggestions, err := svc.ReadQueuedSuggestions()
	if err != nil {
		return err
	}
	if len(suggestions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending suggestions.")
		return nil
	}
	for _, sg := range suggestions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sg.Ref, sg.PayloadText)
	}
	return nil
}
