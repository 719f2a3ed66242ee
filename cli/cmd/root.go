package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	dok "github.com/Doctor-One/doctor-dok"
	"github.com/Doctor-One/doctor-dok/audit"
)

var (
	cfgFile     string
	dataPath    string
	service     *dok.Service
	auditLogger audit.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "doctor-dok",
	Short: "Zero-knowledge key registry and authorization server for encrypted record databases",
	Long: `doctor-dok manages the multi-key encryption layer of a record server.
Every tenant database is encrypted under a master key the server never
stores in the clear; this tool serves the authorization API, manages key
shares and tenants, and queries the audit trail.`,
	PersistentPreRunE: initializeService,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if service != nil {
			return service.Close()
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.doctor-dok.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataPath, "data-path", "p", "", "path to tenant data storage")
	rootCmd.PersistentFlags().String("token-secret", "", "JWT signing secret (or DOK_TOKEN_SECRET env var)")
	rootCmd.PersistentFlags().String("storage-key", "", "hex SQLCipher page key for at-rest registry encryption")
	rootCmd.PersistentFlags().String("otp-mode", "", "one-time password mode (time-based, storage)")

	bindFlagOrPanic("server.data_path", "data-path")
	bindFlagOrPanic("server.token_secret", "token-secret")
	bindFlagOrPanic("server.storage_key", "storage-key")
	bindFlagOrPanic("server.otp_mode", "otp-mode")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
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
		viper.AddConfigPath("/etc/doctor-dok")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".doctor-dok")
	}

	viper.SetEnvPrefix("DOK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("server.data_path", ".dok")
	viper.SetDefault("server.listen", ":3002")
	viper.SetDefault("server.otp_mode", "time-based")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeService(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	dataPath = viper.GetString("server.data_path")

	// Audit file lives next to the tenant data unless configured elsewhere
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(dataPath, "audit.log"))
	}

	tokenSecret := viper.GetString("server.token_secret")
	if tokenSecret == "" {
		tokenSecret = os.Getenv("DOK_TOKEN_SECRET")
	}
	if tokenSecret == "" {
		return fmt.Errorf("token secret is required. Use --token-secret flag or DOK_TOKEN_SECRET environment variable")
	}

	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	options := dok.Options{
		DataPath:          dataPath,
		TokenSecret:       tokenSecret,
		EnvTokenSecretVar: "DOK_TOKEN_SECRET",
		StorageKey:        viper.GetString("server.storage_key"),
		EnvStorageKeyVar:  "DOK_STORAGE_KEY",
		OTPMode:           dok.OTPMode(viper.GetString("server.otp_mode")),
	}

	service, err = dok.NewService(options, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	return nil
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
