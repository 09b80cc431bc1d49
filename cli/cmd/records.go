package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
	"os"
	"southwinds.dev/tome"
	"southwinds.dev/tome/persist"
	"strings"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"rec"},
	Short:   "Manage records",
	Long: `Create, read and change records. Titles, abstracts, groups and tags are stored in
the clear; record bodies are encrypted.`,
}

var recordAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a record",
	Long:  "Create a record from --file, --data or standard input.",
	Args:  cobra.ExactArgs(1),
	RunE:  addRecord,
}

var recordShowCmd = &cobra.Command{
	Use:     "show <id>",
	Aliases: []string{"cat"},
	Short:   "Print the body of a record",
	Args:    cobra.ExactArgs(1),
	RunE:    showRecord,
}

var recordWriteCmd = &cobra.Command{
	Use:   "write <id>",
	Short: "Replace the body of a record",
	Long:  "Replace the body of a record with --file, --data or standard input.",
	Args:  cobra.ExactArgs(1),
	RunE:  writeRecord,
}

var recordEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change the title, abstract or group of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  editRecord,
}

var recordInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show record details without the body",
	Args:  cobra.ExactArgs(1),
	RunE:  recordInfo,
}

var recordDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(1),
	RunE:    deleteRecord,
}

var recordListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List records, newest first",
	Args:    cobra.NoArgs,
	RunE:    listRecords,
}

var (
	recordFile     string
	recordData     string
	recordGroup    string
	recordTag      string
	recordTitle    string
	recordAbstract string
	recordLimit    int
	recordOffset   int
	recordJSON     bool
	recordForce    bool
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.AddCommand(recordAddCmd)
	recordCmd.AddCommand(recordShowCmd)
	recordCmd.AddCommand(recordWriteCmd)
	recordCmd.AddCommand(recordEditCmd)
	recordCmd.AddCommand(recordInfoCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	recordCmd.AddCommand(recordListCmd)

	for _, c := range []*cobra.Command{recordAddCmd, recordWriteCmd} {
		c.Flags().StringVarP(&recordFile, "file", "f", "", "read the body from a file (- for stdin)")
		c.Flags().StringVarP(&recordData, "data", "d", "", "record body")
	}

	recordAddCmd.Flags().StringVarP(&recordGroup, "group", "g", "", "group id or name (default group if empty)")
	recordAddCmd.Flags().StringVarP(&recordTag, "tag", "t", "", "comma separated tag ids or names")
	recordAddCmd.Flags().StringVarP(&recordAbstract, "abstract", "a", "", "short plaintext summary")

	recordEditCmd.Flags().StringVar(&recordTitle, "title", "", "new title")
	recordEditCmd.Flags().StringVarP(&recordAbstract, "abstract", "a", "", "new abstract")
	recordEditCmd.Flags().StringVarP(&recordGroup, "group", "g", "", "move to group id or name")

	recordInfoCmd.Flags().BoolVar(&recordJSON, "json", false, "print as JSON")

	recordDeleteCmd.Flags().BoolVar(&recordForce, "force", false, "delete without confirmation")

	recordListCmd.Flags().StringVarP(&recordGroup, "group", "g", "", "only records in this group")
	recordListCmd.Flags().StringVarP(&recordTag, "tag", "t", "", "only records with this tag")
	recordListCmd.Flags().IntVarP(&recordLimit, "limit", "n", 0, "maximum number of records")
	recordListCmd.Flags().IntVar(&recordOffset, "offset", 0, "records to skip")
	recordListCmd.Flags().BoolVar(&recordJSON, "json", false, "print as JSON")
}

func addRecord(cmd *cobra.Command, args []string) error {
	title := strings.TrimSpace(args[0])
	if title == "" {
		return fmt.Errorf("title cannot be empty")
	}

	if err := unlock(cmd); err != nil {
		return err
	}

	groupID := persist.DefaultGroupID
	if recordGroup != "" {
		var err error
		if groupID, err = resolveGroup(recordGroup); err != nil {
			return err
		}
	}

	var tagIDs []uint64
	if recordTag != "" {
		for _, name := range strings.Split(recordTag, ",") {
			tagID, err := resolveTag(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			tagIDs = append(tagIDs, tagID)
		}
	}

	body, err := readBody(recordFile, recordData)
	if err != nil {
		return fmt.Errorf("failed to read record body: %w", err)
	}

	id, err := archive.CreateRecord(groupID, title, body)
	if err != nil {
		return err
	}

	if recordAbstract != "" {
		abstract := recordAbstract
		if err = archive.UpdateRecordInfo(id, tome.RecordUpdate{Abstract: &abstract}); err != nil {
			return err
		}
	}

	for _, tagID := range tagIDs {
		if err = archive.TagRecord(id, tagID); err != nil {
			return err
		}
	}

	printSuccess(fmt.Sprintf("Record %d created", id))
	return nil
}

func showRecord(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	if err = unlock(cmd); err != nil {
		return err
	}

	body, err := archive.ReadRecord(id)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(body)
	clear(body)
	return err
}

func writeRecord(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	if err = unlock(cmd); err != nil {
		return err
	}

	body, err := readBody(recordFile, recordData)
	if err != nil {
		return fmt.Errorf("failed to read record body: %w", err)
	}

	if err = archive.WriteRecord(id, body); err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Record %d updated", id))
	return nil
}

func editRecord(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	var update tome.RecordUpdate
	if cmd.Flags().Changed("title") {
		title := strings.TrimSpace(recordTitle)
		if title == "" {
			return fmt.Errorf("title cannot be empty")
		}
		update.Title = &title
	}
	if cmd.Flags().Changed("abstract") {
		update.Abstract = &recordAbstract
	}
	if update.Title == nil && update.Abstract == nil && recordGroup == "" {
		return fmt.Errorf("nothing to change, use --title, --abstract or --group")
	}

	if err = unlock(cmd); err != nil {
		return err
	}

	if recordGroup != "" {
		groupID, err := resolveGroup(recordGroup)
		if err != nil {
			return err
		}
		update.GroupID = &groupID
	}

	if err = archive.UpdateRecordInfo(id, update); err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Record %d updated", id))
	return nil
}

func recordInfo(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	if err = unlock(cmd); err != nil {
		return err
	}

	info, err := archive.RecordInfo(id)
	if err != nil {
		return err
	}

	if recordJSON {
		return printJSON(info)
	}

	groups, tags, err := nameLookups()
	if err != nil {
		return err
	}

	fmt.Printf("ID:        %d\n", info.ID)
	fmt.Printf("Title:     %s\n", info.Title)
	if info.Abstract != "" {
		fmt.Printf("Abstract:  %s\n", info.Abstract)
	}
	fmt.Printf("Group:     %s\n", groups[info.GroupID])
	fmt.Printf("Tags:      %s\n", tagNames(info.Tags, tags))
	fmt.Printf("Size:      %d bytes\n", info.Size)
	fmt.Printf("Created:   %s\n", info.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:   %s\n", info.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func deleteRecord(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	if !recordForce && !promptConfirmation(fmt.Sprintf("Delete record %d?", id)) {
		fmt.Println("Delete cancelled")
		return nil
	}

	if err = unlock(cmd); err != nil {
		return err
	}

	if err = archive.DeleteRecord(id); err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Record %d deleted", id))
	return nil
}

func listRecords(cmd *cobra.Command, args []string) error {
	if err := unlock(cmd); err != nil {
		return err
	}

	filter := tome.ListFilter{Limit: recordLimit, Offset: recordOffset}
	var err error
	if recordGroup != "" {
		if filter.GroupID, err = resolveGroup(recordGroup); err != nil {
			return err
		}
	}
	if recordTag != "" {
		if filter.TagID, err = resolveTag(recordTag); err != nil {
			return err
		}
	}

	records, err := archive.ListRecords(filter)
	if err != nil {
		return err
	}

	if recordJSON {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No records found")
		return nil
	}

	groups, tags, err := nameLookups()
	if err != nil {
		return err
	}

	w := newTable()
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTITLE\tGROUP\tTAGS\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, truncate(r.Title, 40), groups[r.GroupID], tagNames(r.Tags, tags),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// resolveGroup accepts a group id or name
func resolveGroup(arg string) (uint64, error) {
	groups, err := archive.ListGroups()
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == arg || fmt.Sprint(g.ID) == arg {
			return g.ID, nil
		}
	}
	return 0, fmt.Errorf("group not found: %s", arg)
}

// resolveTag accepts a tag id or name
func resolveTag(arg string) (uint64, error) {
	tags, err := archive.ListTags()
	if err != nil {
		return 0, err
	}
	for _, t := range tags {
		if t.Name == arg || fmt.Sprint(t.ID) == arg {
			return t.ID, nil
		}
	}
	return 0, fmt.Errorf("tag not found: %s", arg)
}

func nameLookups() (map[uint64]string, map[uint64]string, error) {
	groups, err := archive.ListGroups()
	if err != nil {
		return nil, nil, err
	}
	tags, err := archive.ListTags()
	if err != nil {
		return nil, nil, err
	}

	groupNames := make(map[uint64]string, len(groups))
	for _, g := range groups {
		groupNames[g.ID] = g.Name
	}
	tagsByID := make(map[uint64]string, len(tags))
	for _, t := range tags {
		tagsByID[t.ID] = t.Name
	}
	return groupNames, tagsByID, nil
}

func tagNames(ids []uint64, names map[uint64]string) string {
	if len(ids) == 0 {
		return "-"
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, names[id])
	}
	return strings.Join(out, ",")
}
