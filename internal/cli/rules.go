package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steersman/steersman/internal/routing"
)

var (
	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "Administer routing rules and routing dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rulesAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create a routing rule",
		RunE:  runRulesAdd,
	}

	rulesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List a team's routing rules",
		RunE:  runRulesList,
	}

	rulesDeactivateCmd = &cobra.Command{
		Use:   "deactivate [id]",
		Short: "Retire a routing rule",
		Args:  cobra.ExactArgs(1),
		RunE:  runRulesDeactivate,
	}

	rulesDeadCmd = &cobra.Command{
		Use:   "dead",
		Short: "List routing dead letters",
		RunE:  runRulesDead,
	}

	rulesHandleCmd = &cobra.Command{
		Use:   "handle [id]",
		Short: "Mark a routing dead letter handled",
		Args:  cobra.ExactArgs(1),
		RunE:  runRulesHandle,
	}
)

func init() {
	rulesAddCmd.Flags().String("team", "", "Team ID the rule belongs to")
	rulesAddCmd.Flags().String("name", "", "Rule name")
	rulesAddCmd.Flags().String("channel", "*", "Channel to match (\"*\" matches any)")
	rulesAddCmd.Flags().StringSlice("filter", nil, "Metadata filter key=value pairs (repeatable)")
	rulesAddCmd.Flags().StringSlice("target-system", nil, "Target system IDs (repeatable)")
	rulesAddCmd.Flags().StringSlice("target-team", nil, "Target sub-team IDs (repeatable)")
	rulesAddCmd.Flags().Int("priority", 0, "Rule priority (higher wins)")

	rulesListCmd.Flags().String("team", "", "Team ID")
	rulesListCmd.Flags().Bool("all", false, "Include deactivated rules")
	rulesListCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	rulesDeadCmd.Flags().Bool("all", false, "Include handled entries")
	rulesDeadCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	rulesHandleCmd.Flags().String("by", "", "System ID handling the entry")

	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesDeactivateCmd)
	rulesCmd.AddCommand(rulesDeadCmd)
	rulesCmd.AddCommand(rulesHandleCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	team, _ := cmd.Flags().GetString("team")
	name, _ := cmd.Flags().GetString("name")
	channel, _ := cmd.Flags().GetString("channel")
	filterPairs, _ := cmd.Flags().GetStringSlice("filter")
	systemTargets, _ := cmd.Flags().GetStringSlice("target-system")
	teamTargets, _ := cmd.Flags().GetStringSlice("target-team")
	priority, _ := cmd.Flags().GetInt("priority")

	if team == "" || name == "" {
		return fmt.Errorf("--team and --name are required")
	}
	if len(systemTargets) == 0 && len(teamTargets) == 0 {
		return fmt.Errorf("at least one --target-system or --target-team is required")
	}
	filters, err := parseKeyValues(filterPairs)
	if err != nil {
		return err
	}

	var targets []routing.Target
	for _, id := range systemTargets {
		targets = append(targets, routing.Target{SystemID: id})
	}
	for _, id := range teamTargets {
		targets = append(targets, routing.Target{TeamID: id})
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	rule := &routing.Rule{
		TeamID:   team,
		Name:     name,
		Channel:  channel,
		Filters:  filters,
		Targets:  targets,
		Priority: priority,
		Active:   true,
	}
	id, err := store.CreateRule(rule)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created rule %d (%s)\n", id, name)
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	team, _ := cmd.Flags().GetString("team")
	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")

	if team == "" {
		return fmt.Errorf("--team is required")
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	var rules []*routing.Rule
	if all {
		rules, err = store.ListRules(team)
	} else {
		rules, err = store.ActiveRules(team)
	}
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), rules)
	}
	if len(rules) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rules.")
		return nil
	}
	for _, rule := range rules {
		state := "active"
		if !rule.Active {
			state = "inactive"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-20s channel=%-12s priority=%-4d targets=%d  %s\n",
			rule.ID, rule.Name, rule.Channel, rule.Priority, len(rule.Targets), state)
	}
	return nil
}

func runRulesDeactivate(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rule id %q", args[0])
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	if err := store.DeactivateRule(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deactivated rule %d\n", id)
	return nil
}

func runRulesDead(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	status := routing.DeadLetterPending
	if all {
		status = ""
	}
	entries, err := store.ListDeadLetters(status)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No routing dead letters.")
		return nil
	}
	for _, dl := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  team=%s channel=%s reason=%s status=%s\n",
			dl.ID, dl.TeamID, dl.Channel, dl.Reason, dl.Status)
	}
	return nil
}

func runRulesHandle(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")
	if by == "" {
		return fmt.Errorf("--by is required")
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	if err := store.MarkDeadLetterHandled(args[0], by); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Marked %s handled by %s\n", args[0], by)
	return nil
}
