package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage groups",
	Long:  "Every record belongs to exactly one group. Records of a deleted group move to the default group.",
}

var groupAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		group, err := archive.CreateGroup(args[0])
		if err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Group %d created", group.ID))
		return nil
	},
}

var groupRenameCmd = &cobra.Command{
	Use:   "rename <group> <new-name>",
	Short: "Rename a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		id, err := resolveGroup(args[0])
		if err != nil {
			return err
		}
		if err = archive.RenameGroup(id, args[1]); err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Group %d renamed", id))
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:     "delete <group>",
	Aliases: []string{"rm"},
	Short:   "Delete a group",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		id, err := resolveGroup(args[0])
		if err != nil {
			return err
		}
		if err = archive.DeleteGroup(id); err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Group %d deleted", id))
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List groups",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		groups, err := archive.ListGroups()
		if err != nil {
			return err
		}
		if labelJSON {
			return printJSON(groups)
		}

		w := newTable()
		defer w.Flush()
		fmt.Fprintln(w, "ID\tNAME\tCREATED")
		for _, g := range groups {
			fmt.Fprintf(w, "%d\t%s\t%s\n", g.ID, g.Name, g.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

// shared by the group and tag list commands
var labelJSON bool

func init() {
	rootCmd.AddCommand(groupCmd)

	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupRenameCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	groupCmd.AddCommand(groupListCmd)

	groupListCmd.Flags().BoolVar(&labelJSON, "json", false, "print as JSON")
}
