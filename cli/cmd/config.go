package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and edit the doctor-dok configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View effective configuration",
	Long:  `Display the effective configuration merged from file, environment and flags. Secrets are redacted.`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., server.data_path).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

// validConfigKeys are the keys config set accepts.
var validConfigKeys = []string{
	"server.data_path",
	"server.listen",
	"server.otp_mode",
	"server.storage_key",
	"server.token_secret",
	"audit.enabled",
	"audit.type",
	"audit.options.file_path",
	"audit.log_level",
}

func isValidConfigKey(key string) bool {
	for _, validKey := range validConfigKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

// sensitiveConfigKeys never print in clear.
func isSensitiveKey(key string) bool {
	return strings.Contains(key, "secret") || strings.Contains(key, "storage_key")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	redactSensitive(settings, "")

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func redactSensitive(settings map[string]interface{}, prefix string) {
	for key, value := range settings {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			redactSensitive(nested, full)
			continue
		}
		if isSensitiveKey(full) {
			if s, ok := value.(string); ok && s != "" {
				settings[key] = "[redacted]"
			}
		}
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (valid keys: %s)", key, strings.Join(validConfigKeys, ", "))
	}

	configFile := configFilePath()
	if err := os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, value)
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("Set %s in %s\n", key, configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not set: %s", key)
	}
	if isSensitiveKey(key) {
		fmt.Println("[redacted]")
		return nil
	}
	fmt.Println(viper.Get(key))
	return nil
}

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".doctor-dok.yaml")
}
