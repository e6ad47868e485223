// Package config loads wabot's configuration: a YAML file overlaid with
// WABOT_* environment variables. It is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WABOT_"

type Config struct {
	Agent        AgentConfig        `yaml:"agent" envPrefix:"AGENT_"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Attachments  AttachmentsConfig  `yaml:"attachments" envPrefix:"ATTACHMENTS_"`
	Providers    ProvidersConfig    `yaml:"providers" envPrefix:"PROVIDERS_"`
	Tools        ToolsConfig        `yaml:"tools" envPrefix:"TOOLS_"`
	Channels     ChannelsConfig     `yaml:"channels" envPrefix:"CHANNELS_"`
	Gateway      GatewayConfig      `yaml:"gateway" envPrefix:"GATEWAY_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Logging      LoggingConfig      `yaml:"logging" envPrefix:"LOGGING_"`
}

// AgentConfig controls the inbound path in front of the orchestrator.
type AgentConfig struct {
	OwnerName   string        `yaml:"owner_name" env:"OWNER_NAME"`
	Greeting    string        `yaml:"greeting" env:"GREETING"`
	Signature   string        `yaml:"signature" env:"SIGNATURE"`
	AllowFrom   []string      `yaml:"allow_from" env:"ALLOW_FROM" envSeparator:","`
	DenyFrom    []string      `yaml:"deny_from" env:"DENY_FROM" envSeparator:","`
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	QueueSize   int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

type OrchestratorConfig struct {
	Workers      int                      `yaml:"workers" env:"WORKERS"`
	InstantGuard time.Duration            `yaml:"instant_guard" env:"INSTANT_GUARD"`
	Retention    time.Duration            `yaml:"retention" env:"RETENTION"`
	FileGrace    time.Duration            `yaml:"file_grace" env:"FILE_GRACE"`
	Timeouts     map[string]time.Duration `yaml:"timeouts"`
}

type AttachmentsConfig struct {
	Dir           string        `yaml:"dir" env:"DIR"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	MaxBytes      int64         `yaml:"max_bytes" env:"MAX_BYTES"`
	SweepSchedule string        `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
}

// ProviderConfig holds one LLM provider's credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	APIBase string `yaml:"api_base" env:"API_BASE"`
	Model   string `yaml:"model" env:"MODEL"`
}

type ProvidersConfig struct {
	Default      string         `yaml:"default" env:"DEFAULT"`
	MaxTokens    int            `yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature  float64        `yaml:"temperature" env:"TEMPERATURE"`
	SystemPrompt string         `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	OpenAI       ProviderConfig `yaml:"openai" envPrefix:"OPENAI_"`
	Anthropic    ProviderConfig `yaml:"anthropic" envPrefix:"ANTHROPIC_"`
	Moonshot     ProviderConfig `yaml:"moonshot" envPrefix:"MOONSHOT_"`
}

// ToolsConfig holds endpoints and credentials of HTTP-backed capabilities.
type ToolsConfig struct {
	WeatherURL     string        `yaml:"weather_url" env:"WEATHER_URL"`
	QRCodeURL      string        `yaml:"qr_code_url" env:"QR_CODE_URL"`
	RemoveBGURL    string        `yaml:"remove_bg_url" env:"REMOVE_BG_URL"`
	RemoveBGAPIKey string        `yaml:"remove_bg_api_key" env:"REMOVE_BG_API_KEY"`
	ConvertURL     string        `yaml:"convert_url" env:"CONVERT_URL"`
	HTTPTimeout    time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	MaxCSVRows     int           `yaml:"max_csv_rows" env:"MAX_CSV_ROWS"`
	TimeZone       string        `yaml:"time_zone" env:"TIME_ZONE"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp" envPrefix:"WHATSAPP_"`
	Telegram TelegramConfig `yaml:"telegram" envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `yaml:"discord" envPrefix:"DISCORD_"`
	Slack    SlackConfig    `yaml:"slack" envPrefix:"SLACK_"`
	Console  ConsoleConfig  `yaml:"console" envPrefix:"CONSOLE_"`

	SendRetries    int           `yaml:"send_retries" env:"SEND_RETRIES"`
	SendBackoff    time.Duration `yaml:"send_backoff" env:"SEND_BACKOFF"`
	SendMaxBackoff time.Duration `yaml:"send_max_backoff" env:"SEND_MAX_BACKOFF"`
}

// WhatsAppConfig drives the WhatsApp Web browser session. SelectorsFile, if
// set, overrides the built-in XPath profile.
type WhatsAppConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	URL           string        `yaml:"url" env:"URL"`
	BrowserBin    string        `yaml:"browser_bin" env:"BROWSER_BIN"`
	UserDataDir   string        `yaml:"user_data_dir" env:"USER_DATA_DIR"`
	Headless      bool          `yaml:"headless" env:"HEADLESS"`
	ScanInterval  time.Duration `yaml:"scan_interval" env:"SCAN_INTERVAL"`
	ChatCooldown  time.Duration `yaml:"chat_cooldown" env:"CHAT_COOLDOWN"`
	LoginTimeout  time.Duration `yaml:"login_timeout" env:"LOGIN_TIMEOUT"`
	Signatures    []string      `yaml:"signatures" env:"SIGNATURES" envSeparator:"|"`
	AllowFrom     []string      `yaml:"allow_from" env:"ALLOW_FROM" envSeparator:","`
	SelectorsFile string        `yaml:"selectors_file" env:"SELECTORS_FILE"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	Token     string   `yaml:"token" env:"TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"ALLOW_FROM" envSeparator:","`
}

type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	Token     string   `yaml:"token" env:"TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"ALLOW_FROM" envSeparator:","`
}

type SlackConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	BotToken  string   `yaml:"bot_token" env:"BOT_TOKEN"`
	AppToken  string   `yaml:"app_token" env:"APP_TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"ALLOW_FROM" envSeparator:","`
}

type ConsoleConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Prompt      string `yaml:"prompt" env:"PROMPT"`
	HistoryFile string `yaml:"history_file" env:"HISTORY_FILE"`
}

// GatewayConfig is the dashboard HTTP server.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
}

type StorageConfig struct {
	ArchivePath      string `yaml:"archive_path" env:"ARCHIVE_PATH"`
	ContactsDir      string `yaml:"contacts_dir" env:"CONTACTS_DIR"`
	ArchiveRetention string `yaml:"archive_retention" env:"ARCHIVE_RETENTION"`
	ArchivePruneCron string `yaml:"archive_prune_cron" env:"ARCHIVE_PRUNE_CRON"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	File  string `yaml:"file" env:"FILE"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// WorkspacePath is the default home for wabot state.
func WorkspacePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabot"
	}
	return filepath.Join(home, ".wabot")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(WorkspacePath(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	ws := WorkspacePath()
	return &Config{
		Agent: AgentConfig{
			OwnerName:   "the owner",
			Signature:   "🤖",
			DedupWindow: 2 * time.Minute,
			QueueSize:   100,
		},
		Orchestrator: OrchestratorConfig{
			Workers:      4,
			InstantGuard: 3 * time.Second,
			Retention:    15 * time.Minute,
			FileGrace:    2 * time.Minute,
		},
		Attachments: AttachmentsConfig{
			Dir:           filepath.Join(ws, "attachments"),
			TTL:           30 * time.Minute,
			MaxBytes:      25 << 20,
			SweepSchedule: "* * * * *",
		},
		Providers: ProvidersConfig{
			Default:     "openai",
			MaxTokens:   256,
			Temperature: 0.8,
			SystemPrompt: "You are a friendly WhatsApp assistant. " +
				"Answer briefly and naturally, in the language of the message.",
			OpenAI:    ProviderConfig{Model: "gpt-4o-mini"},
			Anthropic: ProviderConfig{Model: "claude-3-5-haiku-latest"},
			Moonshot:  ProviderConfig{APIBase: "https://api.moonshot.cn/v1", Model: "moonshot-v1-32k"},
		},
		Tools: ToolsConfig{
			WeatherURL:  "https://wttr.in",
			QRCodeURL:   "https://api.qrserver.com/v1/create-qr-code/",
			RemoveBGURL: "https://api.remove.bg/v1.0/removebg",
			HTTPTimeout: 20 * time.Second,
			MaxCSVRows:  50,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				URL:          "https://web.whatsapp.com",
				UserDataDir:  filepath.Join(ws, "browser"),
				ScanInterval: 5 * time.Second,
				ChatCooldown: 15 * time.Second,
				LoginTimeout: 3 * time.Minute,
				Signatures:   []string{"🤖"},
			},
			Console: ConsoleConfig{
				Prompt:      "you> ",
				HistoryFile: filepath.Join(ws, "console_history"),
			},
			SendRetries:    3,
			SendBackoff:    500 * time.Millisecond,
			SendMaxBackoff: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Storage: StorageConfig{
			ArchivePath:      filepath.Join(ws, "tasks.db"),
			ContactsDir:      filepath.Join(ws, "contacts"),
			ArchiveRetention: "168h",
			ArchivePruneCron: "@hourly",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (or DefaultPath when empty), applies environment
// overrides and validates the result. A missing default file is not an
// error; a missing explicit file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Orchestrator.Workers <= 0 {
		add("orchestrator.workers must be positive")
	}
	if c.Orchestrator.InstantGuard <= 0 {
		add("orchestrator.instant_guard must be positive")
	}
	for name, d := range c.Orchestrator.Timeouts {
		if d <= 0 {
			add("orchestrator.timeouts.%s must be positive", name)
		}
	}
	if c.Attachments.Dir == "" {
		add("attachments.dir is required")
	}
	gron := gronx.New()
	if !gron.IsValid(c.Attachments.SweepSchedule) {
		add("attachments.sweep_schedule %q is not a valid cron expression", c.Attachments.SweepSchedule)
	}
	if c.Storage.ArchivePath != "" && c.Storage.ArchivePruneCron != "" && !gron.IsValid(c.Storage.ArchivePruneCron) {
		add("storage.archive_prune_cron %q is not a valid cron expression", c.Storage.ArchivePruneCron)
	}
	if c.Storage.ArchiveRetention != "" {
		if _, err := time.ParseDuration(c.Storage.ArchiveRetention); err != nil {
			add("storage.archive_retention: %v", err)
		}
	}
	switch c.Providers.Default {
	case "openai", "anthropic", "moonshot", "":
	default:
		add("providers.default %q is not one of openai, anthropic, moonshot", c.Providers.Default)
	}
	if c.Channels.SendRetries < 1 {
		add("channels.send_retries must be at least 1")
	}
	if len(c.EnabledChannels()) == 0 {
		add("no channel is enabled")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		add("channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		add("channels.discord.token is required when discord is enabled")
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		add("channels.slack.bot_token and app_token are required when slack is enabled")
	}
	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		add("gateway.port %d is out of range", c.Gateway.Port)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnabledChannels lists the enabled gateways by name.
func (c *Config) EnabledChannels() []string {
	var out []string
	if c.Channels.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if c.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Channels.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.Channels.Slack.Enabled {
		out = append(out, "slack")
	}
	if c.Channels.Console.Enabled {
		out = append(out, "console")
	}
	return out
}

// ArchiveRetention returns the parsed archive retention, or zero.
func (c *Config) ArchiveRetention() time.Duration {
	d, err := time.ParseDuration(c.Storage.ArchiveRetention)
	if err != nil {
		return 0
	}
	return d
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Attachments.Dir,
		&c.Channels.WhatsApp.UserDataDir,
		&c.Channels.WhatsApp.SelectorsFile,
		&c.Channels.Console.HistoryFile,
		&c.Storage.ArchivePath,
		&c.Storage.ContactsDir,
		&c.Logging.File,
	} {
		*p = ExpandHome(*p)
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
