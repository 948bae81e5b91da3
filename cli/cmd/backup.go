package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and import unlock credentials",
	Long: `Move the persisted salt and verifier between installations. The export
is encrypted under a separate passphrase and never contains the master
key; the original password is still required to unlock after an import.`,
}

var backupExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export credentials to an encrypted file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import credentials from an encrypted export",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupImport,
}

func init() {
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	passphrase, err := promptNewPassword("Backup passphrase: ")
	if err != nil {
		return err
	}

	if err = manager.ExportCredentials(args[0], passphrase); err != nil {
		return err
	}

	fmt.Printf("Credentials exported to %s\n", args[0])
	return nil
}

func runBackupImport(cmd *cobra.Command, args []string) error {
	passphrase, err := promptPassword("Backup passphrase: ")
	if err != nil {
		return err
	}

	if err = manager.ImportCredentials(args[0], passphrase); err != nil {
		return err
	}

	fmt.Printf("Credentials imported from %s\n", args[0])
	fmt.Println("Unlock with the password that was active when the export was taken.")
	return nil
}
