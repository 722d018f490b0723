package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultCharacterLimit = 900
	// MaxCharacterLimit is GroupMe's hard per-message cap.
	MaxCharacterLimit = 1000
	// SafeCharacterLimit leaves room for segment labels and the UID marker.
	SafeCharacterLimit = 970
)

// Config is the root runtime configuration, built once at process start.
type Config struct {
	App      AppConfig      `json:"app"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	GroupMe  GroupMeConfig  `json:"groupme"`
	Routing  RoutingConfig  `json:"routing"`
	Store    StoreConfig    `json:"store"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// AppConfig configures the HTTP intake server.
type AppConfig struct {
	Host     string `json:"host" env:"APP_HOST"`
	Port     int    `json:"port" env:"APP_PORT"`
	Password string `json:"password" env:"APP_PASSWORD"`
}

// RabbitMQConfig holds broker connection settings. Durations are written
// as "5s" both in the config file and in the environment.
type RabbitMQConfig struct {
	Host               string        `json:"host" env:"RABBITMQ_HOST"`
	Port               int           `json:"port" env:"RABBITMQ_PORT"`
	User               string        `json:"user" env:"RABBITMQ_USER"`
	Password           string        `json:"password" env:"RABBITMQ_PASS"`
	VHost              string        `json:"vhost" env:"RABBITMQ_VHOST"`
	Exchange           string        `json:"exchange" env:"RABBITMQ_EXCHANGE"`
	DeadLetterExchange string        `json:"dead_letter_exchange" env:"RABBITMQ_DL_EXCHANGE"`
	ReconnectDelay     time.Duration `json:"reconnect_delay" env:"RABBITMQ_RECONNECT_DELAY"`
}

// GroupMeConfig configures the chat platform endpoints and delivery pacing.
// Durations take the same "10s" / "100ms" form as RabbitMQConfig.
type GroupMeConfig struct {
	BotID          string        `json:"bot_id" env:"GROUPME_BOT_ID"`
	AccessToken    string        `json:"access_token" env:"GROUPME_ACCESS_TOKEN"`
	CharacterLimit int           `json:"character_limit" env:"GROUPME_CHARACTER_LIMIT"`
	GroupName      string        `json:"group_name" env:"GROUPCHAT_NAME"`
	APIURL         string        `json:"api_url" env:"GROUPME_API"`
	ImageAPIURL    string        `json:"image_api_url" env:"GROUPME_IMAGE_API"`
	RequestTimeout time.Duration `json:"request_timeout" env:"GROUPME_REQUEST_TIMEOUT"`
	SendInterval   time.Duration `json:"send_interval" env:"GROUPME_SEND_INTERVAL"`
}

// RoutingConfig holds source names and routing-key blocklists.
type RoutingConfig struct {
	TwilioSource string `json:"twilio_source" env:"TWILIO_SOURCE"`
	// GlobalBlocklist entries are routing keys with the "source." prefix stripped.
	GlobalBlocklist []string `json:"global_blocklist" env:"GLOBAL_BLOCKLIST" envSeparator:","`
	// SendBlocklist lists sources the /send endpoint refuses.
	SendBlocklist []string `json:"send_blocklist" env:"SEND_BLOCKLIST" envSeparator:","`
}

// StoreConfig locates the sender log database. An empty path disables it.
type StoreConfig struct {
	Path string `json:"path" env:"STORE_PATH"`
}

// LoadConfig resolves an optional config file, applies environment overrides,
// then fills defaults.
func LoadConfig() (*Config, error) {
	var cfg Config

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	applyDefaults(&cfg)
	cfg.Routing.GlobalBlocklist = compact(cfg.Routing.GlobalBlocklist)
	cfg.Routing.SendBlocklist = compact(cfg.Routing.SendBlocklist)

	return &cfg, nil
}

// Validate reports settings the relay cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GroupMe.BotID) == "" {
		errs = append(errs, errors.New("groupme.bot_id (GROUPME_BOT_ID) is required"))
	}
	if strings.TrimSpace(c.GroupMe.AccessToken) == "" {
		errs = append(errs, errors.New("groupme.access_token (GROUPME_ACCESS_TOKEN) is required"))
	}
	if c.GroupMe.CharacterLimit < 1 || c.GroupMe.CharacterLimit > MaxCharacterLimit {
		errs = append(errs, fmt.Errorf("groupme.character_limit must be between 1 and %d, got %d", MaxCharacterLimit, c.GroupMe.CharacterLimit))
	}

	return errors.Join(errs...)
}

// AMQPURL renders the broker connection URL. Credentials and vhost are
// escaped, so passwords may contain '@', ':' or '/'.
func (c RabbitMQConfig) AMQPURL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(c.User, c.Password),
		Host:    net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
	return u.String()
}

func applyDefaults(cfg *Config) {
	if cfg.App.Host == "" {
		cfg.App.Host = "0.0.0.0"
	}
	if cfg.App.Port <= 0 {
		cfg.App.Port = 2000
	}

	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "rabbitmq"
	}
	if cfg.RabbitMQ.Port <= 0 {
		cfg.RabbitMQ.Port = 5672
	}
	if cfg.RabbitMQ.User == "" {
		cfg.RabbitMQ.User = "guest"
	}
	if cfg.RabbitMQ.Password == "" {
		cfg.RabbitMQ.Password = "guest"
	}
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "source_exchange"
	}
	if cfg.RabbitMQ.DeadLetterExchange == "" {
		cfg.RabbitMQ.DeadLetterExchange = "dead_letter_exchange"
	}
	if cfg.RabbitMQ.ReconnectDelay <= 0 {
		cfg.RabbitMQ.ReconnectDelay = 5 * time.Second
	}

	if cfg.GroupMe.CharacterLimit == 0 {
		cfg.GroupMe.CharacterLimit = DefaultCharacterLimit
	}
	if cfg.GroupMe.CharacterLimit < 0 {
		cfg.GroupMe.CharacterLimit = -cfg.GroupMe.CharacterLimit
	}
	if cfg.GroupMe.GroupName == "" {
		cfg.GroupMe.GroupName = "WBOR MGMT"
	}
	if cfg.GroupMe.APIURL == "" {
		cfg.GroupMe.APIURL = "https://api.groupme.com/v3/bots/post"
	}
	if cfg.GroupMe.ImageAPIURL == "" {
		cfg.GroupMe.ImageAPIURL = "https://image.groupme.com/pictures"
	}
	if cfg.GroupMe.RequestTimeout <= 0 {
		cfg.GroupMe.RequestTimeout = 10 * time.Second
	}
	if cfg.GroupMe.SendInterval <= 0 {
		cfg.GroupMe.SendInterval = 100 * time.Millisecond
	}

	if cfg.Routing.TwilioSource == "" {
		cfg.Routing.TwilioSource = "twilio"
	}
	if cfg.Routing.GlobalBlocklist == nil {
		cfg.Routing.GlobalBlocklist = []string{
			"twilio.sms.outgoing",
			"twilio.call-events",
			"twilio.voice-intelligence",
		}
	}
	if cfg.Routing.SendBlocklist == nil {
		cfg.Routing.SendBlocklist = []string{cfg.Routing.TwilioSource}
	}
}

// compact trims entries and drops empty ones.
func compact(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the optional config file location.
//
// Precedence is WBOR_GROUPME_CONFIG first, then cwd-local fallback paths. No
// file at all is fine: the environment alone can configure the relay.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("WBOR_GROUPME_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("WBOR_GROUPME_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
