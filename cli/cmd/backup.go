package cmd

import (
	"fmt"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore the archive",
	Long: `Create sealed backups of the whole archive, or restore from them.
A backup opens with the archive password that was current when it was taken.`,
}

var createBackupCmd = &cobra.Command{
	Use:   "create [destination]",
	Short: "Create a backup",
	Long: `Seal the archive into a backup file. destination is a file name in the
archive's backup directory or a path; it defaults to the generated backup id.`,
	Args: cobra.MaximumNArgs(1),
	RunE: createBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Restore from backup",
	Long:  "Replace the archive content with a backup. The archive is left locked.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backups",
	Args:    cobra.NoArgs,
	RunE:    listBackups,
}

var deleteBackupCmd = &cobra.Command{
	Use:     "delete <backup-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a backup",
	Args:    cobra.ExactArgs(1),
	RunE:    deleteBackup,
}

var (
	backupForce bool
	backupJSON  bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(deleteBackupCmd)

	restoreBackupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "restore without confirmation")
	deleteBackupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "delete without confirmation")
	listBackupsCmd.Flags().BoolVar(&backupJSON, "json", false, "print backups as JSON")
}

func createBackup(cmd *cobra.Command, args []string) error {
	if err := unlock(cmd); err != nil {
		return err
	}

	destination := ""
	if len(args) == 1 {
		destination = args[0]
	}

	backupID, err := archive.Backup(destination)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}

	printSuccess(fmt.Sprintf("Backup %s created", backupID))
	return nil
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	if !backupForce {
		printWarning("This will overwrite all records, groups and tags in the archive.")
		if !promptConfirmation("Continue?") {
			fmt.Println("Restore cancelled")
			return nil
		}
	}

	password, err := readPassword("Backup password: ")
	if err != nil {
		return err
	}

	if err = archive.Restore(cmd.Context(), args[0], password); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	printSuccess("Backup restored")
	return nil
}

func listBackups(cmd *cobra.Command, args []string) error {
	backups, err := archive.ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	if backupJSON {
		return printJSON(backups)
	}
	if len(backups) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	w := newTable()
	defer w.Flush()

	fmt.Fprintln(w, "ID\tCREATED\tRECORDS\tSIZE\tVALID")
	for _, b := range backups {
		valid := color.GreenString("yes")
		if !b.IsValid {
			valid = color.RedString("no")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			b.BackupID, b.BackupTimestamp.Local().Format("2006-01-02 15:04"), b.RecordCount, b.FileSize, valid)
	}
	return nil
}

func deleteBackup(cmd *cobra.Command, args []string) error {
	if !backupForce && !promptConfirmation(fmt.Sprintf("Delete backup %s?", args[0])) {
		fmt.Println("Delete cancelled")
		return nil
	}

	if err := archive.DeleteBackup(args[0]); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}

	printSuccess(fmt.Sprintf("Backup %s deleted", args[0]))
	return nil
}
