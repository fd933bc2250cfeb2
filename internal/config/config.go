// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Health    HealthConfig    `mapstructure:"health"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey enables X-API-Key authentication on /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count      int           `mapstructure:"count"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// QueueConfig bounds the workflow queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// RetryConfig drives the retry policy and scheduler.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	Factor       float64       `mapstructure:"factor"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	// JournalPath is the sqlite file for pending retries and dead letters.
	// Empty disables persistence.
	JournalPath string `mapstructure:"journal_path"`
}

// MemoryConfig selects the tier backend.
type MemoryConfig struct {
	Backend         string        `mapstructure:"backend"`
	ShortTermTTL    time.Duration `mapstructure:"short_term_ttl"`
	LongTermCap     int           `mapstructure:"long_term_cap"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// StorageConfig sets where raw records are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	BasePath  string `mapstructure:"base_path"`
	RawPrefix string `mapstructure:"raw_prefix"`
}

// PublisherConfig holds metadata for publish-subscribe notifications.
type PublisherConfig struct {
	Type      string `mapstructure:"type"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SheetsConfig enables the Google Sheets export of recorded items.
type SheetsConfig struct {
	// SpreadsheetID enables the export when set.
	SpreadsheetID string `mapstructure:"spreadsheet_id"`
	Worksheet     string `mapstructure:"worksheet"`
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// Enabled reports whether items are exported to a spreadsheet.
func (c SheetsConfig) Enabled() bool {
	return c.SpreadsheetID != ""
}

// ScrapeConfig governs product page fetching.
type ScrapeConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	AcceptLanguage   string        `mapstructure:"accept_language"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	DefaultDomain    string        `mapstructure:"default_domain"`
	AllowedDomains   []string      `mapstructure:"allowed_domains"`
	RatePerDomain    float64       `mapstructure:"rate_per_domain"`
	Burst            int           `mapstructure:"burst"`
	Headless         bool          `mapstructure:"headless"`
	HeadlessParallel int           `mapstructure:"headless_max_parallel"`
	NavTimeout       time.Duration `mapstructure:"nav_timeout"`
	PromoteThreshold int           `mapstructure:"promote_threshold"`
}

// HealthConfig controls dependency probing.
type HealthConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// TelemetryConfig feeds the otel resource and trace exporter.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// ProjectID enables the Google Cloud Trace exporter when set.
	ProjectID string `mapstructure:"project_id"`
	Region    string `mapstructure:"region"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.job_timeout", 2*time.Minute)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 5*time.Minute)
	v.SetDefault("retry.factor", 3.0)
	v.SetDefault("retry.max_delay", 2*time.Hour)
	v.SetDefault("retry.jitter", 0.0)
	v.SetDefault("retry.scan_interval", 10*time.Second)
	v.SetDefault("retry.journal_path", "data/retry.db")
	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.short_term_ttl", 24*time.Hour)
	v.SetDefault("memory.long_term_cap", 1000)
	v.SetDefault("memory.janitor_interval", time.Minute)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db.connect_timeout", 5*time.Second)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_path", "data/archive")
	v.SetDefault("storage.raw_prefix", "raw")
	v.SetDefault("publisher.type", "memory")
	v.SetDefault("publisher.topic", "scraper-events")
	v.SetDefault("sheets.worksheet", "Sheet1")
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("scrape.accept_language", "en-US,en;q=0.9")
	v.SetDefault("scrape.timeout", 20*time.Second)
	v.SetDefault("scrape.respect_robots", false)
	v.SetDefault("scrape.default_domain", "com")
	v.SetDefault("scrape.rate_per_domain", 0.5)
	v.SetDefault("scrape.burst", 1)
	v.SetDefault("scrape.headless", false)
	v.SetDefault("scrape.headless_max_parallel", 1)
	v.SetDefault("scrape.nav_timeout", 25*time.Second)
	v.SetDefault("scrape.promote_threshold", 2048)
	v.SetDefault("health.probe_interval", 5*time.Second)
	v.SetDefault("health.probe_timeout", 2*time.Second)
	v.SetDefault("telemetry.service_name", "amazon-scraper")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.JobTimeout <= 0 {
		return fmt.Errorf("workers.job_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay")
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	if c.Retry.ScanInterval <= 0 {
		return fmt.Errorf("retry.scan_interval must be > 0")
	}
	if c.Memory.ShortTermTTL <= 0 {
		return fmt.Errorf("memory.short_term_ttl must be > 0")
	}
	if c.Memory.LongTermCap <= 0 {
		return fmt.Errorf("memory.long_term_cap must be > 0")
	}
	switch c.Memory.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when memory.backend is postgres")
		}
	default:
		return fmt.Errorf("memory.backend must be memory or postgres, got %q", c.Memory.Backend)
	}
	switch c.Storage.Backend {
	case "memory", "none":
	case "local":
		if c.Storage.BasePath == "" {
			return fmt.Errorf("storage.base_path must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, gcs or none, got %q", c.Storage.Backend)
	}
	switch c.Publisher.Type {
	case "memory", "none":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.type must be memory, pubsub or none, got %q", c.Publisher.Type)
	}
	if c.Sheets.CredentialsFile != "" && !c.Sheets.Enabled() {
		return fmt.Errorf("sheets.spreadsheet_id must be set when sheets.credentials_file is")
	}
	if c.Sheets.Enabled() && strings.TrimSpace(c.Sheets.Worksheet) == "" {
		return fmt.Errorf("sheets.worksheet must not be blank")
	}
	if c.Scrape.Timeout <= 0 {
		return fmt.Errorf("scrape.timeout must be > 0")
	}
	if c.Scrape.Headless && c.Scrape.HeadlessParallel <= 0 {
		return fmt.Errorf("scrape.headless_max_parallel must be > 0 when headless is enabled")
	}
	if c.Health.ProbeInterval <= 0 {
		return fmt.Errorf("health.probe_interval must be > 0")
	}
	return nil
}

// AllowedHosts expands AllowedDomains (marketplace suffixes such as "com" or
// "co.uk") into Amazon hostnames. The default domain is always included.
func (c ScrapeConfig) AllowedHosts() []string {
	seen := map[string]bool{}
	var hosts []string
	add := func(domain string) {
		domain = strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
		if domain == "" {
			return
		}
		host := "amazon." + domain
		if strings.HasPrefix(domain, "amazon.") {
			host = domain
		}
		if seen[host] {
			return
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	add(c.DefaultDomain)
	for _, d := range c.AllowedDomains {
		add(d)
	}
	return hosts
}
