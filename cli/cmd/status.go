package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lockbox status",
	Long:  "Display information about the store, memory protection level, and audit configuration.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Lockbox Status")
	fmt.Println("==============")

	initialized, err := manager.Initialized()
	if err != nil {
		fmt.Printf("Store: ERROR - %v\n", err)
	} else if initialized {
		fmt.Println("Store: initialised")
	} else {
		fmt.Println("Store: not initialised (run 'lockbox init')")
	}

	fmt.Printf("Store Path: %s\n", storePath)
	fmt.Printf("Store Type: %s\n", viper.GetString("lockbox.store_type"))
	fmt.Printf("Memory Protection: %s\n", manager.MemoryProtection())
	fmt.Printf("KDF: Argon2id t=%d m=%d KiB\n",
		viper.GetUint32("lockbox.kdf.time"), viper.GetUint32("lockbox.kdf.memory_kib"))

	if viper.GetBool("audit.enabled") {
		fmt.Printf("Audit: enabled (%s, %s)\n",
			viper.GetString("audit.type"), viper.GetString("audit.options.file_path"))
	} else {
		fmt.Println("Audit: disabled")
	}

	return nil
}
