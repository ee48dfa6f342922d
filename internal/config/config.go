package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("5m", "1500ms") in JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Plain numbers are read as
// milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ms int64
		if numErr := json.Unmarshal(data, &ms); numErr != nil {
			return fmt.Errorf("duration must be a string like \"5m\": %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the askdata configuration
type Config struct {
	// Channel selects the messaging channel: "webhook" or "console".
	Channel   string `json:"channel"`
	Listen    string `json:"listen"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Limits  Limits        `json:"limits"`
	Bot     BotConfig     `json:"bot"`
	Dataset DatasetConfig `json:"dataset"`

	Generator   Endpoint `json:"generator"`
	Humanizer   Endpoint `json:"humanizer"`
	Fallback    Endpoint `json:"fallback_humanizer"`
	Transcriber Endpoint `json:"transcriber"`
	ChartWriter Endpoint `json:"chart_writer"`

	Webhook WebhookConfig `json:"webhook"`
	Media   MediaConfig   `json:"media"`
	Charts  ChartConfig   `json:"charts"`
	Export  ExportConfig  `json:"export"`
}

// Limits holds the knobs of the request orchestration core.
type Limits struct {
	MaxConcurrentWorkflows int      `json:"max_concurrent_workflows"`
	DedupWindow            Duration `json:"dedup_window"`
	MaxQueryAttempts       int      `json:"max_query_attempts"`
	MaxGenerationRetries   int      `json:"max_generation_retries"`
	GenerationBackoff      Duration `json:"generation_backoff"`
	MaxHumanizeRetries     int      `json:"max_humanize_retries"`
	HumanizeBackoff        Duration `json:"humanize_backoff"`
}

// BotConfig controls conversational behavior.
type BotConfig struct {
	WelcomeInterval Duration `json:"welcome_interval"`
	CancelKeyword   string   `json:"cancel_keyword"`
	ChartMarker     string   `json:"chart_marker"`
}

// DatasetConfig points at the CSV the engine serves.
type DatasetConfig struct {
	CSVPath       string   `json:"csv_path"`
	Table         string   `json:"table"`
	MaxResultRows int      `json:"max_result_rows"`
	WatchDebounce Duration `json:"watch_debounce"`
}

// Endpoint is an OpenAI-compatible API endpoint.
type Endpoint struct {
	BaseURL string   `json:"base_url"`
	APIKey  string   `json:"api_key"`
	Model   string   `json:"model"`
	Timeout Duration `json:"timeout"`
}

// WebhookConfig configures the HTTP bridge channel.
type WebhookConfig struct {
	Secret      string `json:"secret"`
	OutboundURL string `json:"outbound_url"`
}

// MediaConfig configures audio handling.
type MediaConfig struct {
	TempDir        string `json:"temp_dir"`
	ConvertCommand string `json:"convert_command"`
}

// ChartConfig configures chart rendering.
type ChartConfig struct {
	Dir               string `json:"dir"`
	ScreenshotCommand string `json:"screenshot_command"`
}

// ExportConfig configures the scheduled dataset export trigger.
type ExportConfig struct {
	URL   string   `json:"url"`
	Hours []string `json:"hours"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Channel:   "webhook",
		Listen:    ":8080",
		LogLevel:  "info",
		LogFormat: "json",
		Limits: Limits{
			MaxConcurrentWorkflows: 5,
			DedupWindow:            Duration(5 * time.Minute),
			MaxQueryAttempts:       3,
			MaxGenerationRetries:   3,
			GenerationBackoff:      Duration(1500 * time.Millisecond),
			MaxHumanizeRetries:     2,
			HumanizeBackoff:        Duration(time.Second),
		},
		Bot: BotConfig{
			WelcomeInterval: Duration(30 * time.Minute),
			CancelKeyword:   "cancelar",
			ChartMarker:     "&",
		},
		Dataset: DatasetConfig{
			CSVPath:       "data/records.csv",
			Table:         "records",
			MaxResultRows: 790,
			WatchDebounce: Duration(2 * time.Second),
		},
		Generator: Endpoint{
			BaseURL: "https://api.deepseek.com",
			APIKey:  "${DEEPSEEK_API_KEY}",
			Model:   "deepseek-chat",
			Timeout: Duration(2 * time.Minute),
		},
		Humanizer: Endpoint{
			BaseURL: "https://api.openai.com",
			APIKey:  "${OPENAI_API_KEY}",
			Model:   "gpt-4o-mini",
			Timeout: Duration(2 * time.Minute),
		},
		Fallback: Endpoint{
			BaseURL: "https://api.openai.com",
			APIKey:  "${OPENAI_API_KEY}",
			Model:   "gpt-4o-mini-2024-07-18",
			Timeout: Duration(2 * time.Minute),
		},
		Transcriber: Endpoint{
			BaseURL: "https://api.openai.com",
			APIKey:  "${OPENAI_API_KEY}",
			Model:   "gpt-4o-transcribe",
			Timeout: Duration(2 * time.Minute),
		},
		ChartWriter: Endpoint{
			BaseURL: "https://api.deepseek.com",
			APIKey:  "${DEEPSEEK_API_KEY}",
			Model:   "deepseek-chat",
			Timeout: Duration(2 * time.Minute),
		},
		Webhook: WebhookConfig{
			Secret:      "${ASKDATA_WEBHOOK_SECRET}",
			OutboundURL: "http://localhost:3000/send",
		},
		Media: MediaConfig{
			TempDir:        "audios",
			ConvertCommand: `ffmpeg -loglevel error -y -i "$IN" -f wav -acodec pcm_s16le -ar 16000 -ac 1 "$OUT"`,
		},
		Charts: ChartConfig{
			Dir:               "charts",
			ScreenshotCommand: `chromium --headless --disable-gpu --no-sandbox --hide-scrollbars --window-size=1280,900 --screenshot="$OUT" "file://$IN"`,
		},
		Export: ExportConfig{
			URL:   "http://localhost:8003/",
			Hours: []string{"06:00", "15:00"},
		},
	}
}

// Manager handles configuration loading and saving
type Manager struct {
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager for the file at path
func NewManager(path string) *Manager {
	return &Manager{
		configPath: path,
		config:     DefaultConfig(),
	}
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the configuration from disk, writing defaults if the file does
// not exist yet. Fields missing from the file keep their default values.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.configPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := m.Save(); err != nil {
			return err
		}
		m.expandEnvVars(m.config)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}

	m.expandEnvVars(config)
	m.config = config
	return nil
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	if dir := filepath.Dir(m.configPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

// BindFlags registers the command-line overrides on fs. Call ApplyFlags after
// fs.Parse and after Load.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("channel", "", "messaging channel: webhook or console")
	fs.String("listen", "", "HTTP listen address for the webhook channel")
	fs.String("csv", "", "path of the dataset CSV")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: json or console")
	fs.Int("max-concurrent-workflows", 0, "maximum workflows running at once")
}

// ApplyFlags copies every flag the user actually set onto the loaded config.
func (m *Manager) ApplyFlags(fs *pflag.FlagSet) error {
	var errs error
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "channel":
			m.config.Channel = f.Value.String()
		case "listen":
			m.config.Listen = f.Value.String()
		case "csv":
			m.config.Dataset.CSVPath = f.Value.String()
		case "log-level":
			m.config.LogLevel = f.Value.String()
		case "log-format":
			m.config.LogFormat = f.Value.String()
		case "max-concurrent-workflows":
			n, err := fs.GetInt(f.Name)
			errs = multierr.Append(errs, err)
			m.config.Limits.MaxConcurrentWorkflows = n
		}
	})
	return errs
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Channel == "webhook" || c.Channel == "console", "channel must be webhook or console, got %q", c.Channel)
	check(c.Limits.MaxConcurrentWorkflows > 0, "limits.max_concurrent_workflows must be positive")
	check(c.Limits.DedupWindow > 0, "limits.dedup_window must be positive")
	check(c.Limits.MaxQueryAttempts > 0, "limits.max_query_attempts must be positive")
	check(c.Limits.MaxGenerationRetries > 0, "limits.max_generation_retries must be positive")
	check(c.Limits.MaxHumanizeRetries >= 0, "limits.max_humanize_retries must not be negative")
	check(c.Limits.GenerationBackoff >= 0, "limits.generation_backoff must not be negative")
	check(c.Limits.HumanizeBackoff >= 0, "limits.humanize_backoff must not be negative")
	check(strings.TrimSpace(c.Bot.CancelKeyword) != "", "bot.cancel_keyword must be set")
	check(strings.TrimSpace(c.Dataset.CSVPath) != "", "dataset.csv_path must be set")
	check(validTable.MatchString(c.Dataset.Table), "dataset.table %q is not a valid identifier", c.Dataset.Table)
	check(c.Dataset.MaxResultRows > 0, "dataset.max_result_rows must be positive")
	check(c.Generator.BaseURL != "", "generator.base_url must be set")
	check(c.Humanizer.BaseURL != "", "humanizer.base_url must be set")
	if c.Channel == "webhook" {
		check(c.Webhook.OutboundURL != "", "webhook.outbound_url must be set")
	}
	for _, h := range c.Export.Hours {
		_, err := time.Parse("15:04", h)
		check(err == nil, "export.hours entry %q is not HH:MM", h)
	}
	return errs
}

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// expandEnvVars expands environment variables in config values
func (m *Manager) expandEnvVars(config *Config) {
	for _, s := range []*string{
		&config.Dataset.CSVPath,
		&config.Webhook.Secret,
		&config.Webhook.OutboundURL,
		&config.Export.URL,
		&config.Media.TempDir,
		&config.Charts.Dir,
	} {
		*s = expandString(*s)
	}
	for _, e := range []*Endpoint{
		&config.Generator,
		&config.Humanizer,
		&config.Fallback,
		&config.Transcriber,
		&config.ChartWriter,
	} {
		e.BaseURL = expandString(e.BaseURL)
		e.APIKey = expandString(e.APIKey)
		e.Model = expandString(e.Model)
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandString expands environment variables in a string
// Supports $VAR and ${VAR} syntax. Unset variables expand to "".
func expandString(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}
		return os.Getenv(varName)
	})
}
