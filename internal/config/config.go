package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot anomaly-hub.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Inference InferenceConfig `yaml:"inference"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Probe     ProbeConfig     `yaml:"probe"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig controls the HTTP, gRPC health and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// Store drivers.
const (
	DriverAuto       = "auto"
	DriverMemory     = "memory"
	DriverClickHouse = "clickhouse"
)

// StoreConfig selects and configures the analytics backend.
type StoreConfig struct {
	Driver       string           `yaml:"driver"`
	SeedFixtures bool             `yaml:"seedFixtures"`
	ClickHouse   ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig configures the columnar backend connection.
type ClickHouseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	Secure       bool          `yaml:"secure"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	QueryTimeout time.Duration `yaml:"queryTimeout"`
	AutoMigrate  bool          `yaml:"autoMigrate"`
	MaxOpenConns int           `yaml:"maxOpenConns"`
}

// Configured reports whether a columnar endpoint is set.
func (c ClickHouseConfig) Configured() bool { return c.Host != "" }

// Addr returns host:port.
func (c ClickHouseConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// UseClickHouse resolves the driver choice.
func (c StoreConfig) UseClickHouse() bool {
	switch strings.ToLower(c.Driver) {
	case DriverClickHouse:
		return true
	case DriverMemory:
		return false
	default:
		return c.ClickHouse.Configured()
	}
}

// Inference providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderRules  = "rules"
)

// InferenceConfig configures the recommendation model.
type InferenceConfig struct {
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"baseURL"`
	APIKey       string        `yaml:"apiKey"`
	Model        string        `yaml:"model"`
	MaxTokens    int           `yaml:"maxTokens"`
	Temperature  float32       `yaml:"temperature"`
	TopP         float32       `yaml:"topP"`
	SystemPrompt string        `yaml:"systemPrompt"`
	RulesPath    string        `yaml:"rulesPath"`
	// Timeout bounds the wait for the first response byte. Zero waits indefinitely.
	Timeout      time.Duration `yaml:"timeout"`
}

// Configured reports whether a remote model endpoint is set.
func (c InferenceConfig) Configured() bool {
	return c.Provider != ProviderRules && c.BaseURL != ""
}

// GatewayConfig tunes websocket keepalive and per-connection request limits.
type GatewayConfig struct {
	PingInterval      time.Duration `yaml:"pingInterval"`
	PongWait          time.Duration `yaml:"pongWait"`
	WriteWait         time.Duration `yaml:"writeWait"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	// StreamTimeout bounds a single recommendation stream. Zero disables the bound.
	StreamTimeout time.Duration `yaml:"streamTimeout"`
}

// ProbeConfig bounds the startup reachability check.
type ProbeConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxElapsed      time.Duration `yaml:"maxElapsed"`
}

// CacheConfig controls caching of aggregate views.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Memory       bool          `yaml:"memory"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	AggregateTTL time.Duration `yaml:"aggregateTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// TracingConfig names the service in spans.
type TracingConfig struct {
	ServiceName string `yaml:"serviceName"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ANOMALY_HUB_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{
			Driver:       DriverAuto,
			SeedFixtures: true,
			ClickHouse: ClickHouseConfig{
				Port:         9000,
				Username:     "default",
				Database:     "l1_anomaly_detection",
				DialTimeout:  5 * time.Second,
				QueryTimeout: 10 * time.Second,
				MaxOpenConns: 10,
			},
		},
		Inference: InferenceConfig{
			Provider:    ProviderRules,
			Model:       "tslam-4b",
			MaxTokens:   800,
			Temperature: 0.2,
			TopP:        0.9,
			Timeout:     30 * time.Second,
		},
		Gateway: GatewayConfig{
			PingInterval:      30 * time.Second,
			PongWait:          60 * time.Second,
			WriteWait:         10 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Probe: ProbeConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxElapsed:      15 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			AggregateTTL: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false, MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 14},
		Tracing: TracingConfig{ServiceName: "anomaly-hub"},
	}
}

func (c Config) validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case DriverAuto, DriverMemory, DriverClickHouse:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if strings.EqualFold(c.Store.Driver, DriverClickHouse) && !c.Store.ClickHouse.Configured() {
		return errors.New("store driver clickhouse requires store.clickhouse.host")
	}
	switch strings.ToLower(c.Inference.Provider) {
	case ProviderOpenAI, ProviderOllama, ProviderRules:
	default:
		return fmt.Errorf("unknown inference provider %q", c.Inference.Provider)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANOMALY_HUB_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("ANOMALY_HUB_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("ANOMALY_HUB_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("ANOMALY_HUB_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("ANOMALY_HUB_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ANOMALY_HUB_SEED_FIXTURES"); v != "" {
		cfg.Store.SeedFixtures = parseBool(v)
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		cfg.Store.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Store.ClickHouse.Port = port
		}
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		cfg.Store.ClickHouse.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Store.ClickHouse.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		cfg.Store.ClickHouse.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_SECURE"); v != "" {
		cfg.Store.ClickHouse.Secure = parseBool(v)
	}
	if v := os.Getenv("ANOMALY_HUB_CLICKHOUSE_AUTO_MIGRATE"); v != "" {
		cfg.Store.ClickHouse.AutoMigrate = parseBool(v)
	}
	if v := os.Getenv("ANOMALY_HUB_CLICKHOUSE_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.ClickHouse.QueryTimeout = d
		}
	}
	if v := os.Getenv("ANOMALY_HUB_INFERENCE_PROVIDER"); v != "" {
		cfg.Inference.Provider = v
	}
	if v := os.Getenv("TSLAM_REMOTE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("ANOMALY_HUB_INFERENCE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("ANOMALY_HUB_INFERENCE_MODEL"); v != "" {
		cfg.Inference.Model = v
	}
	if v := os.Getenv("ANOMALY_HUB_RULES_PATH"); v != "" {
		cfg.Inference.RulesPath = v
	}
	if v := os.Getenv("ANOMALY_HUB_STREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.StreamTimeout = d
		}
	}
	if v := os.Getenv("ANOMALY_HUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ANOMALY_HUB_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ANOMALY_HUB_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("ANOMALY_HUB_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.AggregateTTL = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
