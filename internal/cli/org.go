package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steersman/steersman/internal/routing"
)

var (
	orgCmd = &cobra.Command{
		Use:   "org",
		Short: "Administer the team/system directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	orgTeamAddCmd = &cobra.Command{
		Use:   "team-add [id] [name]",
		Short: "Register a team",
		Args:  cobra.ExactArgs(2),
		RunE:  runOrgTeamAdd,
	}

	orgTeamListCmd = &cobra.Command{
		Use:   "team-list",
		Short: "List registered teams",
		RunE:  runOrgTeamList,
	}

	orgSystemAddCmd = &cobra.Command{
		Use:   "system-add [id]",
		Short: "Register a control role identity within a team",
		Args:  cobra.ExactArgs(1),
		RunE:  runOrgSystemAdd,
	}

	orgSystemListCmd = &cobra.Command{
		Use:   "system-list",
		Short: "List a team's systems",
		RunE:  runOrgSystemList,
	}

	orgLinkCmd = &cobra.Command{
		Use:   "link [sub-team-id]",
		Short: "Register a team as a sub-team of a parent",
		Args:  cobra.ExactArgs(1),
		RunE:  runOrgLink,
	}
)

func init() {
	orgSystemAddCmd.Flags().String("team", "", "Team ID")
	orgSystemAddCmd.Flags().String("role", "", "Control role (e.g. intelligence)")
	orgSystemAddCmd.Flags().String("identity", "", "Recipient identity string")

	orgSystemListCmd.Flags().String("team", "", "Team ID")

	orgLinkCmd.Flags().String("parent", "", "Parent team ID")
	orgLinkCmd.Flags().String("origin", "", "Origin system ID")
	orgLinkCmd.Flags().String("by", "", "Creating actor")

	orgCmd.AddCommand(orgTeamAddCmd)
	orgCmd.AddCommand(orgTeamListCmd)
	orgCmd.AddCommand(orgSystemAddCmd)
	orgCmd.AddCommand(orgSystemListCmd)
	orgCmd.AddCommand(orgLinkCmd)
	rootCmd.AddCommand(orgCmd)
}

func runOrgTeamAdd(cmd *cobra.Command, args []string) error {
	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	if err := store.CreateTeam(routing.Team{ID: args[0], Name: args[1]}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered team %s\n", args[0])
	return nil
}

func runOrgTeamList(cmd *cobra.Command, args []string) error {
	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	teams, err := store.ListTeams()
	if err != nil {
		return err
	}
	if len(teams) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No teams registered.")
		return nil
	}
	for _, t := range teams {
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", t.ID, t.Name)
	}
	return nil
}

func runOrgSystemAdd(cmd *cobra.Command, args []string) error {
	team, _ := cmd.Flags().GetString("team")
	role, _ := cmd.Flags().GetString("role")
	identity, _ := cmd.Flags().GetString("identity")

	if team == "" || role == "" || identity == "" {
		return fmt.Errorf("--team, --role and --identity are required")
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	sys := routing.System{ID: args[0], TeamID: team, Role: role, Identity: identity}
	if err := store.CreateSystem(sys); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered system %s (%s) in team %s\n", args[0], role, team)
	return nil
}

func runOrgSystemList(cmd *cobra.Command, args []string) error {
	team, _ := cmd.Flags().GetString("team")
	if team == "" {
		return fmt.Errorf("--team is required")
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	systems, err := store.ListSystems(team)
	if err != nil {
		return err
	}
	if len(systems) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No systems registered.")
		return nil
	}
	for _, sys := range systems {
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s role=%-14s identity=%s\n", sys.ID, sys.Role, sys.Identity)
	}
	return nil
}

func runOrgLink(cmd *cobra.Command, args []string) error {
	parent, _ := cmd.Flags().GetString("parent")
	origin, _ := cmd.Flags().GetString("origin")
	by, _ := cmd.Flags().GetString("by")

	if parent == "" || origin == "" {
		return fmt.Errorf("--parent and --origin are required")
	}

	_, store, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	link := routing.RecursionLink{
		SubTeamID:      args[0],
		OriginSystemID: origin,
		ParentTeamID:   parent,
		CreatedBy:      by,
	}
	if err := store.LinkSubTeam(link); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Linked %s as sub-team of %s\n", args[0], parent)
	return nil
}
