package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  "Show and edit the lockbox configuration file. Passwords are never stored in configuration.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configGlobal bool

func init() {
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "write to the system-wide config")
	configUnsetCmd.Flags().BoolVar(&configGlobal, "global", false, "write to the system-wide config")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	keys := viper.AllKeys()
	sort.Strings(keys)

	for _, key := range keys {
		if key == "lockbox.password" || key == "lockbox.s3.secret_access_key" {
			continue
		}
		fmt.Printf("%s = %v\n", key, viper.Get(key))
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("\nConfig file: %s\n", used)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if key == "lockbox.password" {
		return fmt.Errorf("passwords cannot be stored in configuration")
	}

	configFile := getConfigFilePath(configGlobal)
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	config, err := loadConfigFile(configFile)
	if err != nil {
		return err
	}

	setNestedKey(config, key, convertStringValue(value))

	if err = writeConfigFile(configFile, config); err != nil {
		return err
	}

	fmt.Printf("Set %s in %s\n", key, configFile)
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	configFile := getConfigFilePath(configGlobal)

	config, err := loadConfigFile(configFile)
	if err != nil {
		return err
	}

	if err = unsetNestedKey(config, key); err != nil {
		return err
	}

	if err = writeConfigFile(configFile, config); err != nil {
		return err
	}

	fmt.Printf("Removed %s from %s\n", key, configFile)
	return nil
}

func loadConfigFile(path string) (map[string]interface{}, error) {
	config := map[string]interface{}{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeConfigFile(path string, config map[string]interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialise config: %w", err)
	}
	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
