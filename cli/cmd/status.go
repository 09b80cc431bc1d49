package cmd

import (
	"fmt"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/tome"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show archive status",
	Long: `Display information about the archive including memory protection level.
With --unlock the archive is unlocked to count records, groups and tags.`,
	RunE: showStatus,
}

var statusUnlock bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusUnlock, "unlock", "u", false, "unlock the archive and show content counts")
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Archive Status")
	fmt.Println("==============")

	fmt.Printf("Archive Path: %s\n", archivePath)
	fmt.Printf("Store Type: %s\n", viper.GetString("archive.store_type"))
	fmt.Printf("Memory Protection: %s\n", archive.SecureMemoryProtection())

	initialized, err := archive.IsInitialized()
	if err != nil {
		return fmt.Errorf("failed to read archive state: %w", err)
	}
	if !initialized {
		fmt.Printf("Initialized: %s\n", color.YellowString("no"))
		return nil
	}
	fmt.Printf("Initialized: %s\n", color.GreenString("yes"))

	if !statusUnlock {
		return nil
	}
	if err = unlock(cmd); err != nil {
		return err
	}

	records, err := archive.ListRecords(tome.ListFilter{})
	if err != nil {
		fmt.Printf("Records: ERROR - %v\n", err)
	} else {
		fmt.Printf("Records: %d\n", len(records))
	}

	groups, err := archive.ListGroups()
	if err != nil {
		fmt.Printf("Groups: ERROR - %v\n", err)
	} else {
		fmt.Printf("Groups: %d\n", len(groups))
	}

	tags, err := archive.ListTags()
	if err != nil {
		fmt.Printf("Tags: ERROR - %v\n", err)
	} else {
		fmt.Printf("Tags: %d\n", len(tags))
	}

	backups, err := archive.ListBackups()
	if err == nil {
		fmt.Printf("Backups: %d\n", len(backups))
	}

	return nil
}
