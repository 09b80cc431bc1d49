package cmd

import (
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"southwinds.dev/tome"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new archive",
	Long: `Create the key hierarchy of a new archive: a random content key wrapped under a key
derived from your password. The password cannot be recovered.`,
	Args: cobra.NoArgs,
	RunE: initArchive,
}

var verifyCmd = &cobra.Command{
	Use:     "verify",
	Aliases: []string{"unlock"},
	Short:   "Check the archive password",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := unlock(cmd); err != nil {
			return err
		}
		printSuccess("Password accepted")
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the archive password",
	Long:  "Rewrap the content key under a new password. Records are not re-encrypted.",
	Args:  cobra.NoArgs,
	RunE:  changePassword,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(passwdCmd)
}

// unlock unlocks the archive for the current command
func unlock(cmd *cobra.Command) error {
	if archive.IsUnlocked() {
		return nil
	}

	initialized, err := archive.IsInitialized()
	if err != nil {
		return err
	}
	if !initialized {
		return tome.ErrNotInitialized
	}

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	return archive.Unlock(cmd.Context(), password)
}

func initArchive(cmd *cobra.Command, args []string) error {
	initialized, err := archive.IsInitialized()
	if err != nil {
		return err
	}
	if initialized {
		return fmt.Errorf("an archive already exists at %s", archivePath)
	}

	password, err := readNewPassword("New password: ", passwordEnv)
	if err != nil {
		return err
	}

	if err = archive.Initialize(password); err != nil {
		if errors.Is(err, tome.ErrVaultExists) {
			return fmt.Errorf("an archive already exists at %s", archivePath)
		}
		return err
	}

	printSuccess(fmt.Sprintf("Archive created at %s", archivePath))
	printWarning("Keep your password safe, it cannot be recovered.")
	return nil
}

func changePassword(cmd *cobra.Command, args []string) error {
	oldPassword, err := readPassword("Current password: ")
	if err != nil {
		return err
	}

	newPassword, err := readNewPassword("New password: ", newPasswordEnv)
	if err != nil {
		clear(oldPassword)
		return err
	}

	if err = archive.ChangePassword(cmd.Context(), oldPassword, newPassword); err != nil {
		return err
	}

	printSuccess("Password changed")
	return nil
}
