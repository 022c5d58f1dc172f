package internal

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		APIEnabled     bool   `yaml:"api_enabled"`
		APIPrefix      string `yaml:"api_prefix"`
		APIToken       string `yaml:"api_token"`
	} `yaml:"server"`
	// GitHub configures webhook ingestion and API access.
	GitHub GitHubConfig `yaml:"github"`
	// Watermill holds configuration for the message router.
	Watermill WatermillConfig `yaml:"watermill"`
	Storage   StorageConfig   `yaml:"storage"`
	CI        CIConfig        `yaml:"ci"`
	Policy    PolicyConfig    `yaml:"policy"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// GitHubConfig holds the webhook endpoint and API credentials.
type GitHubConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	Secret         string `yaml:"secret"`
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// Token is used instead of App authentication when set.
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
	// ConsumerGroup is used by kafka and nats subscribers.
	ConsumerGroup string `yaml:"consumer_group"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the RiverQueue publisher and worker.
type RiverQueueConfig struct {
	DSN        string   `yaml:"dsn"`
	Queue      string   `yaml:"queue"`
	Kind       string   `yaml:"kind"`
	Priority   int      `yaml:"priority"`
	Tags       []string `yaml:"tags"`
	MaxWorkers int      `yaml:"max_workers"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// StorageConfig enables the run history table.
type StorageConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Table       string `yaml:"table"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// CIConfig selects how build state is read for a check run.
type CIConfig struct {
	// Provider is one of auto, travis or checks.
	Provider     string `yaml:"provider"`
	TravisAPIURL string `yaml:"travis_api_url"`
	TravisToken  string `yaml:"travis_token"`
	Retries      uint64 `yaml:"retries"`
	TimeoutMS    int64  `yaml:"timeout_ms"`
}

// PolicyConfig holds process-wide policy settings. Per-repository switches
// live in the repository's own config file.
type PolicyConfig struct {
	ConfigFile     string `yaml:"config_file"`
	CheckRunName   string `yaml:"check_run_name"`
	ReportCheckRun bool   `yaml:"report_check_run"`
	BotName        string `yaml:"bot_name"`
	BotEmail       string `yaml:"bot_email"`
	BranchPrefix   string `yaml:"branch_prefix"`
	ReportIssueURL string `yaml:"report_issue_url"`
	FinishTimeout  int64  `yaml:"finish_timeout_ms"`
}

// WorkerConfig controls message consumption.
type WorkerConfig struct {
	Topics      []string `yaml:"topics"`
	Concurrency int      `yaml:"concurrency"`
	// Inline runs the worker inside the serve process on the shared gochannel.
	Inline bool `yaml:"inline"`
	// NackOnError hands failed messages back to the broker instead of acking.
	NackOnError bool `yaml:"nack_on_error"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadAppConfig loads the main application configuration from a YAML file.
// It expands environment variables and applies default values.
func LoadAppConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// LoadConfig loads the full application configuration, including rules, from a YAML file.
// It expands environment variables, applies defaults, and normalizes rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig over an in-memory document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	return cfg, nil
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	applyDefaults(&cfg.AppConfig)
	return cfg
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *zerolog.Logger
}

// LoadRulesConfig loads only the rules from a YAML configuration file.
func LoadRulesConfig(path string) (RulesConfig, error) {
	var cfg RulesConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.APIPrefix == "" {
		cfg.Server.APIPrefix = "/api"
	}
	if cfg.GitHub.Path == "" {
		cfg.GitHub.Path = "/webhooks/github"
	}
	if cfg.Watermill.Driver == "" {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.Kind == "" {
		cfg.Watermill.RiverQueue.Kind = "featurebot.event"
	}
	if cfg.Watermill.RiverQueue.MaxWorkers == 0 {
		cfg.Watermill.RiverQueue.MaxWorkers = 5
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
	if cfg.Watermill.ConsumerGroup == "" {
		cfg.Watermill.ConsumerGroup = "featurebot"
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "featurebot_runs"
	}
	if cfg.CI.Provider == "" {
		cfg.CI.Provider = "auto"
	}
	if cfg.CI.TravisAPIURL == "" {
		cfg.CI.TravisAPIURL = "https://api.travis-ci.com"
	}
	if cfg.CI.Retries == 0 {
		cfg.CI.Retries = 3
	}
	if cfg.CI.TimeoutMS == 0 {
		cfg.CI.TimeoutMS = 10000
	}
	if cfg.Policy.ConfigFile == "" {
		cfg.Policy.ConfigFile = "featurebot.yml"
	}
	if cfg.Policy.CheckRunName == "" {
		cfg.Policy.CheckRunName = "featurebot"
	}
	if cfg.Policy.BotName == "" {
		cfg.Policy.BotName = "featurebot"
	}
	if cfg.Policy.BotEmail == "" {
		cfg.Policy.BotEmail = "featurebot@users.noreply.github.com"
	}
	if cfg.Policy.BranchPrefix == "" {
		cfg.Policy.BranchPrefix = "featurebot/prune-"
	}
	if cfg.Policy.FinishTimeout == 0 {
		cfg.Policy.FinishTimeout = 10000
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if len(cfg.Worker.Topics) == 0 {
		cfg.Worker.Topics = []string{DefaultTopic}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		emit := make(EmitList, 0, len(rule.Emit))
		for _, topic := range rule.Emit {
			if trimmed := strings.TrimSpace(topic); trimmed != "" {
				emit = append(emit, trimmed)
			}
		}
		rule.Emit = emit
		if rule.When == "" || len(rule.Emit) == 0 {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, strings.ToLower(trimmed))
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
