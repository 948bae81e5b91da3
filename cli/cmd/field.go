package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/lockbox/fieldstore"
)

var fieldCmd = &cobra.Command{
	Use:   "field",
	Short: "Manage encrypted fields",
	Long: `Store, retrieve, and list individually encrypted values in the fields
database. Each value is bound to its scope and name, so ciphertext moved
between fields fails authentication.`,
}

var fieldSetCmd = &cobra.Command{
	Use:   "set <scope> <name> [value]",
	Short: "Store an encrypted field",
	Long:  "Store a value encrypted under the master key. Reads the value from stdin when not given as an argument.",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runFieldSet,
}

var fieldGetCmd = &cobra.Command{
	Use:   "get <scope> <name>",
	Short: "Retrieve a field",
	Args:  cobra.ExactArgs(2),
	RunE:  runFieldGet,
}

var fieldDeleteCmd = &cobra.Command{
	Use:   "delete <scope> <name>",
	Short: "Delete a field",
	Args:  cobra.ExactArgs(2),
	RunE:  runFieldDelete,
}

var fieldListCmd = &cobra.Command{
	Use:   "list [scope]",
	Short: "List stored fields",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFieldList,
}

func init() {
	fieldCmd.AddCommand(fieldSetCmd)
	fieldCmd.AddCommand(fieldGetCmd)
	fieldCmd.AddCommand(fieldDeleteCmd)
	fieldCmd.AddCommand(fieldListCmd)
	rootCmd.AddCommand(fieldCmd)
}

// openFieldStore unlocks the manager and opens the fields database. The
// caller must Close the store and Lock the manager.
func openFieldStore() (*fieldstore.Store, error) {
	dbPath := viper.GetString("lockbox.fields_db")
	if dbPath == "" {
		dbPath = filepath.Join(storePath, "fields.db")
	}

	if err := unlockManager(); err != nil {
		return nil, err
	}

	store, err := fieldstore.Open(dbPath, manager)
	if err != nil {
		manager.Lock()
		return nil, err
	}
	return store, nil
}

func runFieldSet(cmd *cobra.Command, args []string) error {
	scope, name := args[0], args[1]

	var value []byte
	if len(args) == 3 {
		value = []byte(args[2])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read value from stdin: %w", err)
		}
		value = []byte(strings.TrimRight(string(data), "\n"))
	}

	store, err := openFieldStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer manager.Lock()

	if err = store.Put(cmd.Context(), scope, name, value); err != nil {
		return err
	}

	fmt.Printf("Stored %s.%s\n", scope, name)
	return nil
}

func runFieldGet(cmd *cobra.Command, args []string) error {
	store, err := openFieldStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer manager.Lock()

	value, err := store.Get(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Println(string(value))
	return nil
}

func runFieldDelete(cmd *cobra.Command, args []string) error {
	store, err := openFieldStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer manager.Lock()

	if err = store.Delete(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}

	fmt.Printf("Deleted %s.%s\n", args[0], args[1])
	return nil
}

func runFieldList(cmd *cobra.Command, args []string) error {
	scope := ""
	if len(args) == 1 {
		scope = args[0]
	}

	store, err := openFieldStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer manager.Lock()

	fields, err := store.List(cmd.Context(), scope)
	if err != nil {
		return err
	}

	if len(fields) == 0 {
		fmt.Println("No fields stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tNAME\tUPDATED")
	for _, f := range fields {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Scope, f.Name, f.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
