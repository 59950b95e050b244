// Package config handles loading and validation of StreamVeil configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// STREAMVEIL_ prefix:
//
//	server.address → STREAMVEIL_SERVER_ADDRESS
//	risk.failure_policy → STREAMVEIL_RISK_FAILURE_POLICY
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via STREAMVEIL_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/streamveil/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls behavior when the risk reputation lookup fails.
type FailurePolicy string

const (
	FailurePolicyFailOpen   FailurePolicy = "failopen"
	FailurePolicyFailClosed FailurePolicy = "failclosed"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyFailOpen, FailurePolicyFailClosed:
		return true
	}
	return false
}

// RiskProvider identifies the external IP reputation service.
type RiskProvider string

const (
	RiskProviderProxycheck RiskProvider = "proxycheck"
	RiskProviderIPAPI      RiskProvider = "ipapi"
)

func (p RiskProvider) Valid() bool {
	switch p {
	case RiskProviderProxycheck, RiskProviderIPAPI:
		return true
	}
	return false
}

// StoreBackend selects the TTL store implementation shared by the token
// service and the risk cache.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

func (b StoreBackend) Valid() bool {
	switch b {
	case StoreBackendMemory, StoreBackendRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level StreamVeil configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Token    TokenConfig    `yaml:"token"    envPrefix:"TOKEN_"`
	Risk     RiskConfig     `yaml:"risk"     envPrefix:"RISK_"`
	Store    StoreConfig    `yaml:"store"    envPrefix:"STORE_"`
	Events   EventsConfig   `yaml:"events"   envPrefix:"EVENTS_"`
	Logging  LoggingConfig  `yaml:"logging"  envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing"  envPrefix:"TRACING_"`
}

// ServerConfig holds the main proxy server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig defines the wrapped Xtream-style media API and the real
// subscription credentials injected into every upstream request. The password
// never appears in logs or serialized output.
type UpstreamConfig struct {
	BaseURL  string         `yaml:"base_url" env:"BASE_URL"`
	Username string         `yaml:"username" env:"USERNAME"`
	Password RedactedString `yaml:"password" env:"PASSWORD"`

	Timeout           string `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns      int    `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout   string `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify bool   `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// TokenConfig holds bearer token issuance settings.
type TokenConfig struct {
	// TTL is the token lifetime. There is no renewal; clients request a
	// fresh token after expiry.
	TTL string `yaml:"ttl" env:"TTL"`

	// BindAddress binds each token to the client address observed at
	// issuance. A bound token presented from a different address is invalid.
	BindAddress bool `yaml:"bind_address" env:"BIND_ADDRESS"`
}

// RiskConfig holds VPN/proxy/hosting detection settings.
type RiskConfig struct {
	Enabled       bool           `yaml:"enabled"        env:"ENABLED"`
	Provider      RiskProvider   `yaml:"provider"       env:"PROVIDER"`
	APIKey        RedactedString `yaml:"api_key"        env:"API_KEY"`
	Timeout       string         `yaml:"timeout"        env:"TIMEOUT"`
	CacheTTL      string         `yaml:"cache_ttl"      env:"CACHE_TTL"`
	FailurePolicy FailurePolicy  `yaml:"failure_policy" env:"FAILURE_POLICY"`

	// ScoreThreshold blocks addresses whose provider risk score meets or
	// exceeds this value. Provider scores range 0-100.
	ScoreThreshold int `yaml:"score_threshold" env:"SCORE_THRESHOLD"`

	// Keywords are matched case-insensitively as substrings against the
	// combined ISP and organization fields of the reputation report.
	// Empty uses DefaultSuspiciousKeywords.
	Keywords []string `yaml:"keywords" env:"KEYWORDS" envSeparator:","`

	// AllowedCountries, when non-empty, blocks any address whose reported
	// country is not in the list (case-insensitive exact match).
	AllowedCountries []string `yaml:"allowed_countries" env:"ALLOWED_COUNTRIES" envSeparator:","`
}

// DefaultSuspiciousKeywords flag ISP/organization text associated with VPN,
// proxy, and hosting providers.
var DefaultSuspiciousKeywords = []string{
	"vpn", "proxy", "hosting", "host", "datacenter", "data center",
	"colo", "cloud", "digitalocean", "ovh", "hetzner", "aws",
	"amazon web services", "google cloud", "gcp", "azure",
	"linode", "contabo", "vultr",
}

// EffectiveKeywords returns the configured keyword list, falling back to the
// defaults when none are set.
func (c RiskConfig) EffectiveKeywords() []string {
	if len(c.Keywords) > 0 {
		return c.Keywords
	}
	return DefaultSuspiciousKeywords
}

// StoreConfig selects and configures the shared TTL store.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend" env:"BACKEND"`
	Redis   RedisConfig  `yaml:"redis"   envPrefix:"REDIS_"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds optional audit event emission settings. When enabled,
// StreamVeil batches access decisions (token issuance, risk blocks, token
// rejections) and POSTs them to an external HTTP receiver.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":8080",
			ReadTimeout: "30s",
			// Streaming responses stay open for the life of the transfer;
			// a write timeout would sever live streams mid-play.
			WriteTimeout: "0s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			Timeout:         "15s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		Token: TokenConfig{
			TTL:         "6h",
			BindAddress: true,
		},
		Risk: RiskConfig{
			Provider:       RiskProviderProxycheck,
			Timeout:        "5s",
			CacheTTL:       "1h",
			FailurePolicy:  FailurePolicyFailOpen,
			ScoreThreshold: 50,
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				Mode:         RedisModeSingle,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
			},
		},
		Events: EventsConfig{
			BatchSize:     64,
			FlushInterval: "5s",
			BufferSize:    4096,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "streamveil",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("STREAMVEIL_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/streamveil/config.yaml and
// can be overridden via STREAMVEIL_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "STREAMVEIL_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "FailOpen"
// or env values like "FAILCLOSED" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Risk.Provider = RiskProvider(strings.ToLower(string(cfg.Risk.Provider)))
	cfg.Risk.FailurePolicy = FailurePolicy(strings.ToLower(strings.ReplaceAll(string(cfg.Risk.FailurePolicy), "-", "")))
	cfg.Store.Backend = StoreBackend(strings.ToLower(string(cfg.Store.Backend)))
	cfg.Store.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Store.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateToken(cfg); err != nil {
		return err
	}
	if err := validateRisk(cfg); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateUpstream(cfg *Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid upstream.base_url %q: %w", cfg.Upstream.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upstream.base_url %q: scheme must be http or https", cfg.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url %q: host is required", cfg.Upstream.BaseURL)
	}
	// Normalized without trailing slash so path templates can prepend "/".
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")

	if cfg.Upstream.Username == "" || cfg.Upstream.Password == "" {
		return fmt.Errorf("upstream.username and upstream.password are required")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"token.ttl", cfg.Token.TTL},
		{"risk.timeout", cfg.Risk.Timeout},
		{"risk.cache_ttl", cfg.Risk.CacheTTL},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"store.redis.dial_timeout", cfg.Store.Redis.DialTimeout},
		{"store.redis.read_timeout", cfg.Store.Redis.ReadTimeout},
		{"store.redis.write_timeout", cfg.Store.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateToken(cfg *Config) error {
	ttl, err := ParseDuration(cfg.Token.TTL, 6*time.Hour)
	if err != nil || ttl <= 0 {
		return fmt.Errorf("token.ttl must be a positive duration, got %q", cfg.Token.TTL)
	}
	return nil
}

func validateRisk(cfg *Config) error {
	if !cfg.Risk.Enabled {
		return nil
	}
	if !cfg.Risk.Provider.Valid() {
		return fmt.Errorf("invalid risk.provider %q: must be proxycheck or ipapi", cfg.Risk.Provider)
	}
	if fp := cfg.Risk.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid risk.failure_policy %q: must be failopen or failclosed", fp)
	}
	if cfg.Risk.ScoreThreshold < 0 || cfg.Risk.ScoreThreshold > 100 {
		return fmt.Errorf("risk.score_threshold must be within 0-100, got %d", cfg.Risk.ScoreThreshold)
	}
	return nil
}

func validateStore(cfg *Config) error {
	if !cfg.Store.Backend.Valid() {
		return fmt.Errorf("invalid store.backend %q: must be memory or redis", cfg.Store.Backend)
	}
	if cfg.Store.Backend != StoreBackendRedis {
		return nil
	}
	rc := cfg.Store.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid store.redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("store.redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("store.redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("store.redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	u, err := url.Parse(cfg.Events.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid events.url %q: must be an http(s) URL", cfg.Events.URL)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Store.Backend != old.Store.Backend {
		fields = append(fields, "store.backend")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
