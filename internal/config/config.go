package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for wagate.
type Config struct {
	General    GeneralConfig    `json:"general"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp"`
	Compliance ComplianceConfig `json:"compliance"`
	Gateway    GatewayConfig    `json:"gateway"`
	Store      StoreConfig      `json:"store"`
	Server     ServerConfig     `json:"server"`
	Events     EventsConfig     `json:"events"`
	Alerts     AlertsConfig     `json:"alerts"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// WhatsAppConfig holds the provider account and channel settings. A disabled
// channel rejects every send with a configuration error.
type WhatsAppConfig struct {
	Enabled           bool   `json:"enabled"`
	AccountSID        string `json:"accountSid,omitempty"`
	AuthToken         string `json:"authToken,omitempty"`
	SenderNumber      string `json:"senderNumber,omitempty"`
	APIBase           string `json:"apiBase,omitempty"`
	PublicBaseURL     string `json:"publicBaseUrl,omitempty"` // status callbacks are only requested when set
	ReplyMessage      string `json:"replyMessage,omitempty"`
	ValidateSignature bool   `json:"validateSignature"`
	TimeoutSeconds    int    `json:"timeoutSeconds"`
}

type ComplianceConfig struct {
	StopWords []string `json:"stopWords,omitempty"` // extra words the name heuristic skips
}

type GatewayConfig struct {
	MaxConcurrentSends int `json:"maxConcurrentSends"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool       `json:"enabled"`
	Token   string     `json:"token,omitempty"`
	ChatID  FlexString `json:"chatId,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexString is a string that also unmarshals from a JSON number, so chat
// ids can be written either way (e.g. -100123 and "-100123").
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wagate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadEnvFile loads KEY=value pairs from path (".env" when empty) into the
// process environment. Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may hold the provider auth token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Gateway.MaxConcurrentSends < 1 || cfg.Gateway.MaxConcurrentSends > 64 {
		errs = append(errs, "gateway.maxConcurrentSends must be between 1 and 64")
	}
	if cfg.WhatsApp.TimeoutSeconds < 1 {
		errs = append(errs, "whatsapp.timeoutSeconds must be >= 1")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if wa := cfg.WhatsApp; wa.Enabled {
		if wa.AccountSID == "" {
			errs = append(errs, "whatsapp.accountSid is required when whatsapp is enabled")
		}
		if wa.AuthToken == "" {
			errs = append(errs, "whatsapp.authToken is required when whatsapp is enabled")
		}
		if wa.SenderNumber == "" {
			errs = append(errs, "whatsapp.senderNumber is required when whatsapp is enabled")
		}
	}

	if k := cfg.Events.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, "events.kafka.brokers is required when kafka is enabled")
		}
		if k.Topic == "" {
			errs = append(errs, "events.kafka.topic is required when kafka is enabled")
		}
	}

	if tg := cfg.Alerts.Telegram; tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, "alerts.telegram.token is required when telegram alerts are enabled")
		}
		if _, err := strconv.ParseInt(string(tg.ChatID), 10, 64); err != nil {
			errs = append(errs, "alerts.telegram.chatId must be a numeric chat id")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
