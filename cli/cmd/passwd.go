package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/fieldstore"
)

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the lockbox password",
	Long: `Change the password: verify the old one, derive a new key under a fresh
salt, and atomically replace the persisted credentials. When a fields
database is configured, every stored value is re-encrypted under the new
key in the same transaction-protected pass; a failure at any point leaves
the old password and all data untouched.`,
	RunE: runPasswd,
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}

func runPasswd(cmd *cobra.Command, args []string) error {
	oldPassword := viper.GetString("lockbox.password")
	var err error
	if oldPassword == "" {
		oldPassword, err = promptPassword("Current password: ")
		if err != nil {
			return err
		}
	}

	ok, err := manager.Unlock(oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invalid password")
	}

	newPassword, err := promptNewPassword("New password: ")
	if err != nil {
		return err
	}

	// The fields database must stay open for the whole change: its
	// re-encryption transaction commits inside the rekey commit
	var migrate func(*lockbox.Rekey) error
	if dbPath := viper.GetString("lockbox.fields_db"); dbPath != "" {
		if _, statErr := os.Stat(dbPath); statErr == nil {
			store, openErr := fieldstore.Open(dbPath, manager)
			if openErr != nil {
				return openErr
			}
			defer store.Close()
			migrate = func(rk *lockbox.Rekey) error {
				return store.Reencrypt(context.Background(), rk)
			}
		}
	}

	if err = manager.ChangePassword(oldPassword, newPassword, migrate); err != nil {
		return err
	}

	fmt.Println("Password changed.")
	return nil
}
