package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt <input> [output]",
	Short: "Encrypt a file",
	Long: `Encrypt a file of any size in authenticated chunks. The output defaults
to the input path with a .lbx suffix. A failed or interrupted run removes
the partial output.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <input> [output]",
	Short: "Decrypt a file",
	Long: `Decrypt a container produced by encrypt. Tampering, truncation, and
wrong-password conditions are detected before the run reports success;
a failed run removes the partial output.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDecrypt,
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
	outputPath := inputPath + ".lbx"
	if len(args) == 2 {
		outputPath = args[1]
	}

	if err := unlockManager(); err != nil {
		return err
	}
	defer manager.Lock()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Files().EncryptFile(ctx, inputPath, outputPath); err != nil {
		return err
	}

	fmt.Printf("Encrypted %s -> %s\n", inputPath, outputPath)
	return nil
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
	var outputPath string
	if len(args) == 2 {
		outputPath = args[1]
	} else if strings.HasSuffix(inputPath, ".lbx") {
		outputPath = strings.TrimSuffix(inputPath, ".lbx")
	} else {
		return fmt.Errorf("cannot derive output path from %s, pass it explicitly", inputPath)
	}

	if err := unlockManager(); err != nil {
		return err
	}
	defer manager.Lock()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Files().DecryptFile(ctx, inputPath, outputPath); err != nil {
		return err
	}

	fmt.Printf("Decrypted %s -> %s\n", inputPath, outputPath)
	return nil
}
