package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/persist"
)

var (
	cfgFile     string
	storePath   string
	manager     *lockbox.Manager
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "Password-based encryption for local data",
	Long: `Lockbox encrypts local files and individual values under a key derived
from a password with Argon2id. The key never touches disk: it lives in
guarded memory while unlocked and every stored item is independently
authenticated, so tampering and misplaced ciphertext are detected on read.`,
	PersistentPreRunE: initializeManager,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			return manager.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lockbox.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to credentials storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3, keychain)")
	rootCmd.PersistentFlags().String("password", "", "password (or use LOCKBOX_PASSWORD env var; prompted when absent)")

	bindFlagOrPanic("lockbox.path", "store-path")
	bindFlagOrPanic("lockbox.store_type", "store-type")
	bindFlagOrPanic("lockbox.password", "password")

	// KDF flags
	rootCmd.PersistentFlags().Uint32("kdf-time", 0, "Argon2id iteration count")
	rootCmd.PersistentFlags().Uint32("kdf-memory", 0, "Argon2id memory cost in KiB")
	bindFlagOrPanic("lockbox.kdf.time", "kdf-time")
	bindFlagOrPanic("lockbox.kdf.memory_kib", "kdf-memory")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("lockbox.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("lockbox.s3.region", "s3-region")
	bindFlagOrPanic("lockbox.s3.bucket", "s3-bucket")
	bindFlagOrPanic("lockbox.s3.prefix", "s3-prefix")
	bindFlagOrPanic("lockbox.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("lockbox.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("lockbox.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/lockbox")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".lockbox")
	}

	viper.SetEnvPrefix("LOCKBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	viper.SetDefault("lockbox.path", ".lockbox")
	viper.SetDefault("lockbox.store_type", "file")
	viper.SetDefault("lockbox.fields_db", "")

	defaults := lockbox.DefaultOptions()
	viper.SetDefault("lockbox.kdf.time", defaults.KDFTime)
	viper.SetDefault("lockbox.kdf.memory_kib", defaults.KDFMemoryKiB)
	viper.SetDefault("lockbox.kdf.threads", defaults.KDFThreads)
	viper.SetDefault("lockbox.policy.min_length", defaults.MinPasswordLength)
	viper.SetDefault("lockbox.policy.min_score", defaults.MinPasswordScore)
	viper.SetDefault("lockbox.memory_lock", defaults.EnableMemoryLock)

	viper.SetDefault("lockbox.s3.region", "us-east-1")
	viper.SetDefault("lockbox.s3.prefix", "lockbox/")
	viper.SetDefault("lockbox.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeManager(cmd *cobra.Command, args []string) error {
	// Commands that do not touch the store
	switch cmd.Name() {
	case "help", "completion", "__complete", "config":
		return nil
	}
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	storePath = viper.GetString("lockbox.path")

	// Audit file defaults to living next to the credentials
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createStore(viper.GetString("lockbox.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	manager, err = lockbox.New(managerOptions(), store, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	return nil
}

func managerOptions() lockbox.Options {
	opts := lockbox.DefaultOptions()
	opts.KDFTime = viper.GetUint32("lockbox.kdf.time")
	opts.KDFMemoryKiB = viper.GetUint32("lockbox.kdf.memory_kib")
	opts.KDFThreads = uint8(viper.GetUint32("lockbox.kdf.threads"))
	opts.MinPasswordLength = viper.GetInt("lockbox.policy.min_length")
	opts.MinPasswordScore = viper.GetInt("lockbox.policy.min_score")
	opts.EnableMemoryLock = viper.GetBool("lockbox.memory_lock")
	return opts
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch storeType {
	case "file", "":
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Opts: map[string]interface{}{"base_path": storePath},
		})
	case "s3":
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeS3,
			S3: &persist.S3Config{
				Endpoint:        viper.GetString("lockbox.s3.endpoint"),
				Region:          viper.GetString("lockbox.s3.region"),
				Bucket:          viper.GetString("lockbox.s3.bucket"),
				Prefix:          viper.GetString("lockbox.s3.prefix"),
				AccessKeyID:     viper.GetString("lockbox.s3.access_key_id"),
				SecretAccessKey: viper.GetString("lockbox.s3.secret_access_key"),
				UseSSL:          viper.GetBool("lockbox.s3.use_ssl"),
			},
		})
	case "keychain":
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeKeychain,
			Opts: map[string]interface{}{
				"service": "lockbox",
				"account": getCurrentUser(),
			},
		})
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

// unlockManager obtains the password and unlocks, retrying interactive
// prompts up to three times on a wrong password.
func unlockManager() error {
	password := viper.GetString("lockbox.password")
	if password != "" {
		ok, err := manager.Unlock(password)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("invalid password")
		}
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		ok, err := manager.Unlock(password)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		fmt.Fprintln(os.Stderr, "Invalid password, try again.")
	}
	return fmt.Errorf("too many failed attempts")
}
