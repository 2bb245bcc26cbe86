package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Route and enqueue an agent message",
		Long: "Resolves targets for a team/channel via the routing rules and enqueues one\n" +
			"message per resolved recipient. With --to, skips routing and enqueues directly.",
		RunE: runSend,
	}

	suggestCmd = &cobra.Command{
		Use:   "suggest [text]",
		Short: "Enqueue a free-form suggestion",
		Args:  cobra.ExactArgs(1),
		RunE:  runSuggest,
	}
)

func init() {
	sendCmd.Flags().String("team", "", "Team ID to route within")
	sendCmd.Flags().String("channel", "", "Message channel")
	sendCmd.Flags().StringSlice("meta", nil, "Metadata key=value pairs (repeatable)")
	sendCmd.Flags().String("to", "", "Recipient identity (bypasses routing)")
	sendCmd.Flags().String("sender", "", "Sender identity")
	sendCmd.Flags().String("type", "", "Message type")
	sendCmd.Flags().String("payload", "{}", "JSON payload")
	sendCmd.Flags().String("key", "", "Explicit idempotency key")

	suggestCmd.Flags().String("key", "", "Explicit idempotency key")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(suggestCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	to, _ := cmd.Flags().GetString("to")
	team, _ := cmd.Flags().GetString("team")
	channel, _ := cmd.Flags().GetString("channel")
	sender, _ := cmd.Flags().GetString("sender")
	msgType, _ := cmd.Flags().GetString("type")
	payloadStr, _ := cmd.Flags().GetString("payload")
	key, _ := cmd.Flags().GetString("key")
	metaPairs, _ := cmd.Flags().GetStringSlice("meta")

	if msgType == "" {
		return fmt.Errorf("--type is required")
	}
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		return fmt.Errorf("invalid --payload JSON: %w", err)
	}

	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	if to != "" {
		ref, err := svc.EnqueueAgentMessage(to, sender, msgType, payload, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued for %s: %s\n", to, ref)
		return nil
	}

	if team == "" || channel == "" {
		return fmt.Errorf("--team and --channel are required (or use --to)")
	}
	metadata, err := parseKeyValues(metaPairs)
	if err != nil {
		return err
	}

	refs, err := svc.DispatchToTargets(team, channel, metadata, sender, msgType, payload)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No deliverable target; see routing dead letters (steersman rules dead).")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d message(s):\n", len(refs))
	for _, ref := range refs {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", ref)
	}
	return nil
}

func runSuggest(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	text := strings.TrimSpace(args[0])
	if text == "" {
		return fmt.Errorf("suggestion text is empty")
	}

	svc, _, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	ref, err := svc.EnqueueSuggestion(text, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Suggestion enqueued: %s\n", ref)
	return nil
}
