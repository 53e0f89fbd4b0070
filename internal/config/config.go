package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SNTACC_"

// Config is the resolved runtime configuration of the API server.
type Config struct {
	Environment string
	LogLevel    string

	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateLimitRPS    float64
	RateLimitBurst  int
	CORSOrigins     []string
	// TrustedProxies lists the CIDRs whose X-Forwarded-For header is
	// believed. Empty means the socket peer is always the client.
	TrustedProxies []string

	DatabaseURL string
	RedisURL    string

	KafkaBrokers    []string
	KafkaAuditTopic string
	AuditBuffer     int

	JWTSecret  string
	JWTIssuer  string
	TOTPIssuer string

	IPFailureThreshold int
	IPFailureWindow    time.Duration

	BootstrapAdmin    string
	BootstrapPassword string
	BootstrapTenant   string
}

// fileConfig mirrors the YAML/TOML schema of configs/sntacc.{yaml,toml}.
type fileConfig struct {
	Environment string `yaml:"environment" toml:"environment"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	Server      struct {
		HTTPAddr               string   `yaml:"http_addr" toml:"http_addr"`
		GRPCAddr               string   `yaml:"grpc_addr" toml:"grpc_addr"`
		ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
		MaxBodyBytes           int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
		RateLimitRPS           float64  `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
		RateLimitBurst         int      `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
		CORSOrigins            []string `yaml:"cors_origins" toml:"cors_origins"`
		TrustedProxies         []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
	} `yaml:"server" toml:"server"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url" toml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url" toml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers" toml:"kafka_brokers"`
	} `yaml:"dependencies" toml:"dependencies"`
	Audit struct {
		KafkaTopic string `yaml:"kafka_topic" toml:"kafka_topic"`
		Buffer     int    `yaml:"buffer" toml:"buffer"`
	} `yaml:"audit" toml:"audit"`
	Security struct {
		JWTSecret           string `yaml:"jwt_secret" toml:"jwt_secret"`
		JWTIssuer           string `yaml:"jwt_issuer" toml:"jwt_issuer"`
		TOTPIssuer          string `yaml:"totp_issuer" toml:"totp_issuer"`
		IPFailureThreshold  int    `yaml:"ip_failure_threshold" toml:"ip_failure_threshold"`
		IPFailureWindowMins int    `yaml:"ip_failure_window_minutes" toml:"ip_failure_window_minutes"`
		BootstrapAdmin      string `yaml:"bootstrap_admin" toml:"bootstrap_admin"`
		BootstrapTenant     string `yaml:"bootstrap_tenant" toml:"bootstrap_tenant"`
	} `yaml:"security" toml:"security"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment:        "production",
		LogLevel:           "info",
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		ShutdownTimeout:    10 * time.Second,
		MaxBodyBytes:       1 << 20,
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		CORSOrigins:        []string{"*"},
		KafkaAuditTopic:    "sntacc.audit",
		AuditBuffer:        1024,
		JWTIssuer:          "sntacc",
		TOTPIssuer:         "sntacc",
		IPFailureThreshold: 10,
		IPFailureWindow:    30 * time.Minute,
		BootstrapTenant:    "default",
	}
}

// Load resolves configuration in priority order: defaults -> file -> env.
// An empty path skips the file; a missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		f, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		f.apply(&cfg)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values the server cannot run without.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.JWTSecret) == "" {
		problems = append(problems, "jwt secret is required (SNTACC_JWT_SECRET)")
	}
	if c.IPFailureThreshold < 1 {
		problems = append(problems, "ip failure threshold must be positive")
	}
	if c.IPFailureWindow <= 0 {
		problems = append(problems, "ip failure window must be positive")
	}
	if c.AuditBuffer < 1 {
		problems = append(problems, "audit buffer must be positive")
	}
	if _, err := ParsePrefixes(c.TrustedProxies); err != nil {
		problems = append(problems, err.Error())
	}
	if c.BootstrapAdmin != "" && c.BootstrapPassword == "" {
		problems = append(problems, "bootstrap admin needs SNTACC_BOOTSTRAP_PASSWORD")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParsePrefixes parses CIDRs; a bare address is taken as a single host.
func ParsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			addr, err := netip.ParseAddr(r)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", r, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", r, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Development reports whether human-readable logging is wanted.
func (c Config) Development() bool {
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local":
		return true
	}
	return false
}

func readFile(path string) (fileConfig, error) {
	var f fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &f)
	case ".toml":
		_, err = toml.Decode(string(raw), &f)
	default:
		return f, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return f, fmt.Errorf("parse config file: %w", err)
	}
	return f, nil
}

func (f fileConfig) apply(cfg *Config) {
	setString(&cfg.Environment, f.Environment)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.HTTPAddr, f.Server.HTTPAddr)
	setString(&cfg.GRPCAddr, f.Server.GRPCAddr)
	if f.Server.ShutdownTimeoutSeconds > 0 {
		cfg.ShutdownTimeout = time.Duration(f.Server.ShutdownTimeoutSeconds) * time.Second
	}
	if f.Server.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = f.Server.MaxBodyBytes
	}
	if f.Server.RateLimitRPS > 0 {
		cfg.RateLimitRPS = f.Server.RateLimitRPS
	}
	if f.Server.RateLimitBurst > 0 {
		cfg.RateLimitBurst = f.Server.RateLimitBurst
	}
	if len(f.Server.CORSOrigins) > 0 {
		cfg.CORSOrigins = f.Server.CORSOrigins
	}
	if len(f.Server.TrustedProxies) > 0 {
		cfg.TrustedProxies = f.Server.TrustedProxies
	}
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	setString(&cfg.KafkaAuditTopic, f.Audit.KafkaTopic)
	if f.Audit.Buffer > 0 {
		cfg.AuditBuffer = f.Audit.Buffer
	}
	setString(&cfg.JWTSecret, f.Security.JWTSecret)
	setString(&cfg.JWTIssuer, f.Security.JWTIssuer)
	setString(&cfg.TOTPIssuer, f.Security.TOTPIssuer)
	if f.Security.IPFailureThreshold > 0 {
		cfg.IPFailureThreshold = f.Security.IPFailureThreshold
	}
	if f.Security.IPFailureWindowMins > 0 {
		cfg.IPFailureWindow = time.Duration(f.Security.IPFailureWindowMins) * time.Minute
	}
	setString(&cfg.BootstrapAdmin, f.Security.BootstrapAdmin)
	setString(&cfg.BootstrapTenant, f.Security.BootstrapTenant)
}

func applyEnv(cfg *Config) {
	cfg.Environment = envOrDefault("ENV", cfg.Environment)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("GRPC_ADDR", cfg.GRPCAddr)
	cfg.ShutdownTimeout = time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", int(cfg.ShutdownTimeout.Seconds()))) * time.Second
	cfg.MaxBodyBytes = int64(envInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.CORSOrigins = envCSV("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.TrustedProxies = envCSV("TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.DatabaseURL = envOrDefault("PG_DSN", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaAuditTopic = envOrDefault("KAFKA_AUDIT_TOPIC", cfg.KafkaAuditTopic)
	cfg.AuditBuffer = envInt("AUDIT_BUFFER", cfg.AuditBuffer)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.TOTPIssuer = envOrDefault("TOTP_ISSUER", cfg.TOTPIssuer)
	cfg.IPFailureThreshold = envInt("IP_FAILURE_THRESHOLD", cfg.IPFailureThreshold)
	cfg.IPFailureWindow = time.Duration(envInt("IP_FAILURE_WINDOW_MINUTES", int(cfg.IPFailureWindow.Minutes()))) * time.Minute
	cfg.BootstrapAdmin = envOrDefault("BOOTSTRAP_ADMIN", cfg.BootstrapAdmin)
	cfg.BootstrapPassword = envOrDefault("BOOTSTRAP_PASSWORD", cfg.BootstrapPassword)
	cfg.BootstrapTenant = envOrDefault("BOOTSTRAP_TENANT", cfg.BootstrapTenant)
	if envBool("DEBUG", false) {
		cfg.LogLevel = "debug"
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(envPrefix + name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}

// ErrNoConfig is returned by Path when neither flag nor env names a file.
var ErrNoConfig = errors.New("no config file")

// Path picks the config file from the flag value or SNTACC_CONFIG.
func Path(flagValue string) (string, error) {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		return p, nil
	}
	return "", ErrNoConfig
}
