package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"storefront-gateway/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Transport TransportConfig `mapstructure:"transport"`
	Supplier  SupplierConfig  `mapstructure:"supplier"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the durable store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig covers the optional shared Redis instance.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Backend          string        `mapstructure:"backend"`
	FailureThreshold uint          `mapstructure:"failure_threshold"`
	SuccessThreshold uint          `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

// ExecutorConfig tunes retries.
type ExecutorConfig struct {
	MaxRetries     int             `mapstructure:"max_retries"`
	DelaySchedule  []time.Duration `mapstructure:"delay_schedule"`
	AttemptTimeout time.Duration   `mapstructure:"attempt_timeout"`
}

// RouteConfig describes one way of reaching the supplier.
type RouteConfig struct {
	Name         string `mapstructure:"name"`
	ProxyURL     string `mapstructure:"proxy_url"`
	EncodeTarget bool   `mapstructure:"encode_target"`
}

// TransportConfig lists candidate routes in rotation order.
type TransportConfig struct {
	Routes            []RouteConfig `mapstructure:"routes"`
	PreferenceBackend string        `mapstructure:"preference_backend"`
	DefaultPreference string        `mapstructure:"default_preference"`
	PreferenceScope   string        `mapstructure:"preference_scope"`
}

// SupplierConfig captures digital-goods supplier connectivity.
type SupplierConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// InventoryConfig governs the read-through stock cache.
type InventoryConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	WatchTokens []string      `mapstructure:"watch_tokens"`
	SyncWorkers int           `mapstructure:"sync_workers"`
}

// SchedulerConfig governs the stock sync cadence.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PaymentsConfig covers the payment processor API used for webhook verification.
type PaymentsConfig struct {
	Name          string        `mapstructure:"name"`
	APIBase       string        `mapstructure:"api_base"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	WebhookID     string        `mapstructure:"webhook_id"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads the config file on change and hands the new value to onChange.
// Invalid revisions are reported through onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("no config file in use; nothing to watch")
	}

	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", ev.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "storefront-gateway")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "data/storefront.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "storefront")

	v.SetDefault("breaker.backend", "database")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("breaker.cooldown", "60s")
	v.SetDefault("breaker.probe_timeout", "60s")

	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.delay_schedule", []string{"300ms", "1s", "3s"})
	v.SetDefault("executor.attempt_timeout", "12s")

	v.SetDefault("transport.routes", []map[string]any{
		{"name": "direct"},
		{"name": "relay_a", "proxy_url": "https://corsproxy.io/?", "encode_target": true},
		{"name": "relay_b", "proxy_url": "https://api.allorigins.win/raw?url=", "encode_target": true},
		{"name": "relay_c", "proxy_url": "https://thingproxy.freeboard.io/fetch/", "encode_target": false},
	})
	v.SetDefault("transport.preference_backend", "memory")
	v.SetDefault("transport.preference_scope", "system")

	v.SetDefault("supplier.name", "supplier")
	v.SetDefault("supplier.timeout", "12s")

	v.SetDefault("inventory.ttl", "15m")
	v.SetDefault("inventory.sync_workers", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "10m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53544f43))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("payments.name", "paypal")
	v.SetDefault("payments.api_base", "https://api-m.paypal.com")
	v.SetDefault("payments.verify_timeout", "10s")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.body_limit", 1<<20)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_rows", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	switch c.Breaker.Backend {
	case "database", "redis", "memory":
	default:
		return fmt.Errorf("breaker.backend must be database, redis or memory, got %q", c.Breaker.Backend)
	}
	switch c.Transport.PreferenceBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("transport.preference_backend must be memory or redis, got %q", c.Transport.PreferenceBackend)
	}
	if (c.Breaker.Backend == "redis" || c.Transport.PreferenceBackend == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Breaker.SuccessThreshold == 0 {
		return fmt.Errorf("breaker.success_threshold must be greater than zero")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be greater than zero")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries cannot be negative")
	}
	if c.Executor.MaxRetries > 0 && len(c.Executor.DelaySchedule) == 0 {
		return fmt.Errorf("executor.delay_schedule must list at least one delay when retries are enabled")
	}
	if len(c.Transport.Routes) == 0 {
		return fmt.Errorf("transport.routes must list at least one route")
	}
	if c.Inventory.TTL <= 0 {
		return fmt.Errorf("inventory.ttl must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
