package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/display"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage StudioOS configuration",
	Long: sym.AM + ` am - Manage StudioOS configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (STUDIOOS_* prefix)
2. Project config (./am.toml, searched up from the working directory)
3. User config (~/.studioos/am.toml)
4. System config (/etc/studioos/am.toml)
5. Default values

Examples:
  studioos am show                    # Show current configuration
  studioos am show --format json      # Show configuration in JSON format
  studioos am get engine.workers      # Get specific config value
  studioos am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged configuration from all sources. API keys are masked.",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, engine.workers)",
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
	Short: "Show which configuration files are loaded",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd, amGetCmd, amValidateCmd, amWhereCmd)
}

const maskedSecret = "********"

// secretKeys are masked wherever they appear in the settings tree
var secretKeys = map[string]bool{"api_key": true}

// maskSecrets returns a copy of settings with secret values replaced
func maskSecrets(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = maskSecrets(val)
		default:
			if secretKeys[k] && fmt.Sprint(val) != "" {
				out[k] = maskedSecret
			} else {
				out[k] = val
			}
		}
	}
	return out
}

// formatSettings renders settings as toml, json or yaml
func formatSettings(w io.Writer, settings map[string]interface{}, format string) error {
	switch format {
	case "json":
		return display.OutputJSON(w, settings)
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# StudioOS configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(w, "# StudioOS configuration\n%s", data)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	return formatSettings(cmd.OutOrStdout(), maskSecrets(am.GetViper().AllSettings()), configFormat)
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q", key)
	}
	if secretKeys[key[strings.LastIndex(key, ".")+1:]] {
		fmt.Fprintln(cmd.OutOrStdout(), maskedSecret)
		return nil
	}

	value := v.Get(key)
	if m, ok := value.(map[string]interface{}); ok {
		data, err := json.MarshalIndent(maskSecrets(m), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	// Load validates before returning
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	homeDir, _ := os.UserHomeDir()

	fmt.Fprintln(w, "Configuration cascade (later overrides earlier):")
	sources := []struct{ label, path string }{
		{"[SYSTEM] ", "/etc/studioos/am.toml"},
		{"[USER]   ", filepath.Join(homeDir, ".studioos", "am.toml")},
		{"[PROJECT]", am.ProjectConfigPath()},
	}
	fmt.Fprintln(w, "  [DEFAULT]  built-in defaults")
	for _, s := range sources {
		switch {
		case s.path == "":
			fmt.Fprintf(w, "  %s  no am.toml above the working directory\n", s.label)
		case fileExists(s.path):
			fmt.Fprintf(w, "  %s  %s (loaded)\n", s.label, s.path)
		default:
			fmt.Fprintf(w, "  %s  %s (missing)\n", s.label, s.path)
		}
	}
	fmt.Fprintln(w, "  [ENV]      STUDIOOS_* environment variables")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
