package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/display"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show vigil configuration",
	Long: sym.AM + ` am: vigil configuration ("I am")

Configuration sources (lowest to highest precedence):
1. Default values
2. System config (/etc/vigil/vigil.toml)
3. User config (~/.vigil/vigil.toml)
4. Project config (./vigil.toml)
5. Environment variables (VIGIL_* prefix)

Every existing file is merged; later files override individual keys.

Examples:
  vigil am show                    # Show merged configuration
  vigil am show --format yaml
  vigil am get guardrails.cpu_threshold_pct
  vigil am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show merged configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value by dotted key",
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
	Short: "Show which config files exist and which one wins",
	RunE:  runAmWhere,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	settings := am.Settings()

	format, _ := cmd.Flags().GetString("format")
	if display.ShouldOutputJSON(cmd) {
		format = "json"
	}
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return display.OutputJSON(out, settings)
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# vigil configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# vigil configuration\n%s", data)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	value, ok := lookupSetting(am.Settings(), args[0])
	if !ok {
		return errors.NewNotFoundError("configuration key %q not found", args[0])
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), value)
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

// lookupSetting walks a dotted key through viper's nested settings map.
func lookupSetting(settings map[string]interface{}, key string) (interface{}, bool) {
	var cur interface{} = settings
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	active := am.ActiveConfigFile()
	if path, _ := cmd.Root().PersistentFlags().GetString("config"); path != "" {
		active = path
	}

	var rows [][]string
	for _, path := range am.SearchPaths() {
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "merged"
		}
		if path == active {
			status = "active"
		}
		rows = append(rows, []string{path, status})
	}

	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "VIGIL_") {
			env = append(env, strings.SplitN(kv, "=", 2)[0])
		}
	}
	sort.Strings(env)
	for _, name := range env {
		rows = append(rows, []string{"$" + name, "env"})
	}

	return display.Table(cmd.OutOrStdout(), []string{"SOURCE", "STATUS"}, rows, "")
}
