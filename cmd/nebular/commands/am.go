package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/nebular/am"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage nebular configuration",
	Long: sym.AM + ` am — Manage nebular configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/nebular/config.toml)
3. User config (~/.nebular/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (NEBULAR_* prefix)

Examples:
  nebular am show                    # Show effective configuration
  nebular am show --format json      # Same, as JSON
  nebular am get pull.schedule       # Get one value
  nebular am validate                # Validate configuration
  nebular am where                   # Show the file being watched`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g., pull.workers, flags.events_v2)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config file is active",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	// viper settings keep the snake_case keys used in config files
	settings := am.GetViper().AllSettings()

	data, err := marshalSettings(settings, configFormat)
	if err != nil {
		return err
	}
	if configFormat != "json" {
		fmt.Print("# nebular configuration\n")
	}
	fmt.Println(string(data))
	return nil
}

func marshalSettings(settings map[string]any, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		return data, errors.Wrap(err, "failed to marshal config to JSON")
	case "yaml":
		data, err := yaml.Marshal(settings)
		return data, errors.Wrap(err, "failed to marshal config to YAML")
	case "toml":
		data, err := toml.Marshal(settings)
		return data, errors.Wrap(err, "failed to marshal config to TOML")
	default:
		return nil, errors.WithHint(
			errors.Newf("unsupported format: %s", format),
			"supported formats: toml, json, yaml")
	}
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.Newf("configuration key %q not found", args[0])
	}
	fmt.Println(v.Get(args[0]))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	path := am.ActiveConfigFile()
	if path == "" {
		fmt.Println("No config file found; using defaults and NEBULAR_* environment variables")
		return nil
	}
	fmt.Printf("Active config file: %s\n", path)
	fmt.Println("The server watches this file and reloads [flags] on change.")
	return nil
}
