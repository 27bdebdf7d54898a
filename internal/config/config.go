package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Database     DatabaseConfig           `mapstructure:"database"`
	Logging      LoggingConfig            `mapstructure:"logging"`
	Jobs         JobsConfig               `mapstructure:"jobs"`
	Search       SearchConfig             `mapstructure:"search"`
	Pipeline     PipelineConfig           `mapstructure:"pipeline"`
	Library      LibraryConfig            `mapstructure:"library"`
	RSS          RSSConfig                `mapstructure:"rss"`
	IRC          IRCConfig                `mapstructure:"irc"`
	Indexers     []IndexerSpec            `mapstructure:"indexers"`
	MediaServers []MediaServerSpec        `mapstructure:"mediaServers"`
	Downloader   DownloaderConfig         `mapstructure:"downloader"`
	RateLimiter  map[string]RateLimitSpec `mapstructure:"rateLimiter"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

// JobsConfig holds job queue configuration.
type JobsConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	PollIntervalMs int `mapstructure:"pollInterval"`
}

// PollInterval returns the job-claim poll period.
func (c *JobsConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SearchConfig holds search pipeline configuration.
type SearchConfig struct {
	RetryIntervalHours int `mapstructure:"retryIntervalHours"`
}

// PipelineConfig holds request pipeline configuration.
type PipelineConfig struct {
	RequireApproval        bool    `mapstructure:"requireApproval"`
	ApprovalTimeoutHours   float64 `mapstructure:"approvalTimeoutHours"`
	ApprovalAutoAction     string  `mapstructure:"approvalAutoAction"`
	DownloadPollIntervalMs int     `mapstructure:"downloadPollInterval"`
}

// DownloadPollInterval returns the transfer progress polling cadence.
func (c *PipelineConfig) DownloadPollInterval() time.Duration {
	if c.DownloadPollIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DownloadPollIntervalMs) * time.Millisecond
}

// LibraryConfig holds library reconciliation cadences.
type LibraryConfig struct {
	SyncIntervalHours     int `mapstructure:"syncIntervalHours"`
	CheckNewEpisodesHours int `mapstructure:"checkNewEpisodesHours"`
}

// IndexerSpec configures one indexer adapter.
type IndexerSpec struct {
	Type      string `mapstructure:"type"` // "torznab" or "private"
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"apiKey"`
	LoginPath string `mapstructure:"loginPath"`
	QueryPath string `mapstructure:"queryPath"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// MediaServerSpec configures one delivery target server.
type MediaServerSpec struct {
	ID     string `mapstructure:"id"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"apiKey"`
}

// DownloaderConfig configures the download client.
type DownloaderConfig struct {
	Type        string `mapstructure:"type"` // only "mock" is built in
	DownloadDir string `mapstructure:"downloadDir"`
}

// RSSConfig holds RSS announce poller configuration.
type RSSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	PollIntervalMs int      `mapstructure:"pollInterval"`
	FeedURLs       []string `mapstructure:"feeds"`
}

// PollInterval returns the RSS poll period.
func (c *RSSConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// IRCConfig holds IRC announce listener configuration.
type IRCConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	Server              string   `mapstructure:"server"`
	Port                int      `mapstructure:"port"`
	SSL                 bool     `mapstructure:"ssl"`
	Nickname            string   `mapstructure:"nickname"`
	Channels            []string `mapstructure:"channels"`
	Reconnect           bool     `mapstructure:"reconnect"`
	ReconnectDelayMs    int      `mapstructure:"reconnectDelay"`
	ReconnectMaxRetries int      `mapstructure:"reconnectMaxRetries"`
	RSSKey              string   `mapstructure:"rssKey"`
	AnnounceBaseURL     string   `mapstructure:"announceBaseUrl"`
}

// ReconnectDelay returns the base reconnect delay.
func (c *IRCConfig) ReconnectDelay() time.Duration {
	if c.ReconnectDelayMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// RateLimitSpec configures one named upstream bucket.
type RateLimitSpec struct {
	Capacity int `mapstructure:"capacity"`
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.fetcharr")
	}

	v.SetEnvPrefix("FETCHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8989)

	v.SetDefault("database.path", "./data/fetcharr.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")

	v.SetDefault("jobs.concurrency", 3)
	v.SetDefault("jobs.pollInterval", 1000)

	v.SetDefault("search.retryIntervalHours", 6)

	v.SetDefault("pipeline.requireApproval", false)
	v.SetDefault("pipeline.approvalTimeoutHours", 24)
	v.SetDefault("pipeline.approvalAutoAction", "approve")
	v.SetDefault("pipeline.downloadPollInterval", 5000)

	v.SetDefault("library.syncIntervalHours", 24)
	v.SetDefault("library.checkNewEpisodesHours", 12)

	v.SetDefault("downloader.type", "mock")
	v.SetDefault("downloader.downloadDir", "./data/downloads")

	v.SetDefault("rss.enabled", false)
	v.SetDefault("rss.pollInterval", 60000)

	v.SetDefault("irc.enabled", false)
	v.SetDefault("irc.port", 6697)
	v.SetDefault("irc.ssl", true)
	v.SetDefault("irc.nickname", "fetcharr")
	v.SetDefault("irc.reconnect", true)
	v.SetDefault("irc.reconnectDelay", 5000)
	v.SetDefault("irc.reconnectMaxRetries", 10)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
