package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up a new lockbox",
	Long: `Create the credentials record for a new lockbox: choose a password,
derive the master key, and persist the salt and verifier. Refuses to run
against an already initialised store.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	initialized, err := manager.Initialized()
	if err != nil {
		return fmt.Errorf("failed to check store: %w", err)
	}
	if initialized {
		return fmt.Errorf("store at %s is already initialised", storePath)
	}

	password := viper.GetString("lockbox.password")
	if password == "" {
		password, err = promptNewPassword("New password: ")
		if err != nil {
			return err
		}
	}

	if err = manager.Initialize(password); err != nil {
		return err
	}

	fmt.Printf("Lockbox initialised at %s\n", storePath)
	fmt.Printf("Memory protection: %s\n", manager.MemoryProtection())
	return nil
}
