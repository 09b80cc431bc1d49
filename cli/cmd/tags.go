package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage tags",
	Long:  "Tags are labels that can be attached to any number of records.",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		tag, err := archive.CreateTag(args[0])
		if err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Tag %d created", tag.ID))
		return nil
	},
}

var tagRenameCmd = &cobra.Command{
	Use:   "rename <tag> <new-name>",
	Short: "Rename a tag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		id, err := resolveTag(args[0])
		if err != nil {
			return err
		}
		if err = archive.RenameTag(id, args[1]); err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Tag %d renamed", id))
		return nil
	},
}

var tagDeleteCmd = &cobra.Command{
	Use:     "delete <tag>",
	Aliases: []string{"rm"},
	Short:   "Delete a tag and detach it from all records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		id, err := resolveTag(args[0])
		if err != nil {
			return err
		}
		if err = archive.DeleteTag(id); err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Tag %d deleted", id))
		return nil
	},
}

var tagListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tags",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		tags, err := archive.ListTags()
		if err != nil {
			return err
		}
		if labelJSON {
			return printJSON(tags)
		}

		w := newTable()
		defer w.Flush()
		fmt.Fprintln(w, "ID\tNAME\tCREATED")
		for _, t := range tags {
			fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, t.Name, t.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var tagAttachCmd = &cobra.Command{
	Use:   "attach <record-id> <tag>",
	Short: "Attach a tag to a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkTag(cmd, args, true)
	},
}

var tagDetachCmd = &cobra.Command{
	Use:   "detach <record-id> <tag>",
	Short: "Detach a tag from a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkTag(cmd, args, false)
	},
}

func init() {
	rootCmd.AddCommand(tagCmd)

	tagCmd.AddCommand(tagAddCmd)
	tagCmd.AddCommand(tagRenameCmd)
	tagCmd.AddCommand(tagDeleteCmd)
	tagCmd.AddCommand(tagListCmd)
	tagCmd.AddCommand(tagAttachCmd)
	tagCmd.AddCommand(tagDetachCmd)

	tagListCmd.Flags().BoolVar(&labelJSON, "json", false, "print as JSON")
}

func linkTag(cmd *cobra.Command, args []string, attach bool) error {
	recordID, err := parseID(args[0], "record")
	if err != nil {
		return err
	}
	if err = unlock(cmd); err != nil {
		return err
	}
	tagID, err := resolveTag(args[1])
	if err != nil {
		return err
	}

	if attach {
		err = archive.TagRecord(recordID, tagID)
	} else {
		err = archive.UntagRecord(recordID, tagID)
	}
	if err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Record %d updated", recordID))
	return nil
}
