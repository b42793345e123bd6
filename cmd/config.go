package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "reviewd"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage reviewd configuration.

Running bare 'reviewd config' is the same as 'reviewd config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# reviewd configuration
# See: reviewd config show (for effective values and sources)

# SQLite database path (default: ~/.config/reviewd/reviewd.db)
# db_path: {{ .DBPath }}

# Default owner for CLI and MCP commands, "org:<name>" or "user:<id>"
owner: "{{ .Owner }}"

# HTTP listen address for 'reviewd serve'
listen_addr: "{{ .ListenAddr }}"

# How often pending work is re-dispatched (jittered by 10%)
sweep_interval: {{ .SweepInterval }}

# Running jobs without a callback after this long are failed
stuck_after: {{ .StuckAfter }}

log:
  # text or json
  format: {{ .LogFormat }}

worker:
  # local runs sessions in the server process, remote posts them to a worker pool
  mode: {{ .WorkerMode }}
  # remote_url: https://workers.example.com
  # callback_url: https://reviewd.example.com
  # callback_token: ""
  # HTTP timeout for the remote worker pool
  timeout: {{ .WorkerTimeout }}
  # Upper bound on one local session
  session_timeout: {{ .SessionTimeout }}

anthropic:
  # api_key: "" (or ANTHROPIC_API_KEY)
  model: "{{ .Model }}"
  deep_model: "{{ .DeepModel }}"

github:
  # token: "" (or GITHUB_TOKEN)
  # app_id: ""
  # private_key_path: ""
  # webhook_secret: ""

gitlab:
  # token: ""
  # host: gitlab.example.com
  # webhook_secret: ""
`

type configTemplateData struct {
	DBPath         string
	Owner          string
	ListenAddr     string
	SweepInterval  string
	StuckAfter     string
	LogFormat      string
	WorkerMode     string
	WorkerTimeout  string
	SessionTimeout string
	Model          string
	DeepModel      string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		DBPath:         viper.GetString("db_path"),
		Owner:          viper.GetString("owner"),
		ListenAddr:     viper.GetString("listen_addr"),
		SweepInterval:  viper.GetString("sweep_interval"),
		StuckAfter:     viper.GetString("stuck_after"),
		LogFormat:      viper.GetString("log.format"),
		WorkerMode:     viper.GetString("worker.mode"),
		WorkerTimeout:  viper.GetString("worker.timeout"),
		SessionTimeout: viper.GetString("worker.session_timeout"),
		Model:          viper.GetString("anthropic.model"),
		DeepModel:      viper.GetString("anthropic.deep_model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "db_path", EnvVar: "REVIEWD_DB_PATH"},
	{Key: "owner", EnvVar: "REVIEWD_OWNER"},
	{Key: "listen_addr", EnvVar: "REVIEWD_LISTEN_ADDR"},
	{Key: "sweep_interval", EnvVar: "REVIEWD_SWEEP_INTERVAL"},
	{Key: "stuck_after", EnvVar: "REVIEWD_STUCK_AFTER"},
	{Key: "log.format", EnvVar: "REVIEWD_LOG_FORMAT"},
	{Key: "worker.mode", EnvVar: "REVIEWD_WORKER_MODE"},
	{Key: "worker.remote_url", EnvVar: "REVIEWD_WORKER_REMOTE_URL"},
	{Key: "worker.callback_url", EnvVar: "REVIEWD_WORKER_CALLBACK_URL"},
	{Key: "worker.callback_token", EnvVar: "REVIEWD_WORKER_CALLBACK_TOKEN", Secret: true},
	{Key: "worker.timeout", EnvVar: "REVIEWD_WORKER_TIMEOUT"},
	{Key: "worker.session_timeout", EnvVar: "REVIEWD_WORKER_SESSION_TIMEOUT"},
	{Key: "anthropic.api_key", EnvVar: "REVIEWD_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "REVIEWD_ANTHROPIC_MODEL"},
	{Key: "anthropic.deep_model", EnvVar: "REVIEWD_ANTHROPIC_DEEP_MODEL"},
	{Key: "github.token", EnvVar: "REVIEWD_GITHUB_TOKEN", Secret: true},
	{Key: "github.app_id", EnvVar: "REVIEWD_GITHUB_APP_ID"},
	{Key: "github.private_key_path", EnvVar: "REVIEWD_GITHUB_PRIVATE_KEY_PATH"},
	{Key: "github.webhook_secret", EnvVar: "REVIEWD_GITHUB_WEBHOOK_SECRET", Secret: true},
	{Key: "gitlab.token", EnvVar: "REVIEWD_GITLAB_TOKEN", Secret: true},
	{Key: "gitlab.host", EnvVar: "REVIEWD_GITLAB_HOST"},
	{Key: "gitlab.webhook_secret", EnvVar: "REVIEWD_GITLAB_WEBHOOK_SECRET", Secret: true},
}

// displayValue masks secrets that are set.
func displayValue(k configKeyInfo) any {
	val := viper.Get(k.Key)
	if k.Secret {
		if s, ok := val.(string); ok && s != "" {
			return "********"
		}
	}
	return val
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, displayValue(k), source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'reviewd config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
