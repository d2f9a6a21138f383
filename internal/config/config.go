// Package config provides configuration management for randomness-sts.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment constants define the application runtime environments.
const (
	EnvironmentDevelopment = "dev"
	EnvironmentProduction  = "prod"

	defaultBlockSizeBits    = 8192
	defaultTemplateLength   = 9
	defaultBlockCount       = 8
	defaultSignificance     = 0.01
	maxTemplateLength       = 21
	defaultAssessBind       = "127.0.0.1:9798"
	defaultMetricsBind      = "127.0.0.1:9797"
	defaultMaxBodyBytes     = 16 << 20
	defaultRateLimitRPS     = 5
	defaultRateLimitBurst   = 10
	defaultSampleBytes      = 125000 // 10^6 bits, the usual SP 800-22 sequence length.
	defaultMinSampleBytes   = 1250
	defaultFlushInterval    = 30 * time.Second
	defaultPayloadEncoding  = PayloadRaw
	defaultMQTTBrokerURL    = "tcp://127.0.0.1:1883"
	defaultMQTTSampleTopics = "sts/samples/#"
	defaultTLSClientAuth    = TLSClientAuthNone
)

// TLS client authentication modes.
const (
	TLSClientAuthNone    = "none"
	TLSClientAuthRequest = "request"
	TLSClientAuthRequire = "require"
)

// Payload encodings accepted on MQTT topics.
const (
	PayloadRaw    = "raw"
	PayloadHex    = "hex"
	PayloadBase64 = "base64"
)

// Battery holds the parameters of the default test battery.
type Battery struct {
	BlockSizeBits  int     `json:"block_size_bits"` // Read granularity of file sources
	Bits           int     `json:"bits"`            // Sequence length n, 0 means every available bit
	Template       string  `json:"template"`        // Literal template, overrides TemplateLength when set
	TemplateLength int     `json:"template_length"` // Library template length m
	TemplateIndex  int     `json:"template_index"`  // Library template index
	AllTemplates   bool    `json:"all_templates"`   // Evaluate every library template of length m
	BlockCount     int     `json:"block_count"`     // Number of blocks N
	TemplateDir    string  `json:"template_dir"`    // Directory of NIST template files (generated when empty)
	Significance   float64 `json:"significance"`    // Advisory significance level
	PlanFile       string  `json:"plan_file"`       // YAML plan overriding the defaults above
	Parallelism    int     `json:"parallelism"`     // Concurrent tests, 0 means one per CPU
}

// Assess contains assessment HTTP API configuration.
type Assess struct {
	Bind           string `json:"bind"`
	AllowPublic    bool   `json:"allow_public"`
	MaxBodyBytes   int    `json:"max_body_bytes"`
	RateLimitRPS   int    `json:"rate_limit_rps"`
	RateLimitBurst int    `json:"rate_limit_burst"`
	TLSEnabled     bool   `json:"tls_enabled"`
	TLSCertFile    string `json:"tls_cert_file"`
	TLSKeyFile     string `json:"tls_key_file"`
	TLSCAFile      string `json:"tls_ca_file"`     // CA for mTLS client verification (optional)
	TLSClientAuth  string `json:"tls_client_auth"` // "none", "request" or "require"
}

// Metrics contains Prometheus metrics server configuration
type Metrics struct {
	Bind          string `json:"bind"`
	Enabled       bool   `json:"enabled"`
	TLSEnabled    bool   `json:"tls_enabled"`
	TLSCertFile   string `json:"tls_cert_file"`
	TLSKeyFile    string `json:"tls_key_file"`
	TLSCAFile     string `json:"tls_ca_file"`
	TLSClientAuth string `json:"tls_client_auth"`
}

// MQTT contains configuration for the optional sample ingestion over MQTT.
type MQTT struct {
	Enabled         bool     `json:"enabled"`
	BrokerURL       string   `json:"broker_url"` // e.g. "tcp://localhost:1883" or "ssl://mqtt.example.com:8883"
	ClientID        string   `json:"client_id"`  // generated when empty
	Topics          []string `json:"topics"`
	QoS             byte     `json:"qos"` // 0 or 1
	Username        string   `json:"username"`
	Password        string   `json:"-"`
	TLSCAFile       string   `json:"tls_ca_file"`
	PayloadEncoding string   `json:"payload_encoding"` // raw, hex or base64
}

// Collector contains sample collector configuration.
type Collector struct {
	SampleBytes   int           `json:"sample_bytes"`   // Bytes per assessed sample
	MinBytes      int           `json:"min_bytes"`      // Smallest partial sample flushed on the interval
	FlushInterval time.Duration `json:"flush_interval"` // 0 disables auto flush
}

// Config holds the complete application configuration.
type Config struct {
	Battery     Battery   `json:"battery"`
	Assess      Assess    `json:"assess"`
	Metrics     Metrics   `json:"metrics"`
	MQTT        MQTT      `json:"mqtt"`
	Collector   Collector `json:"collector"`
	Environment string    `json:"environment"` // "dev" or "prod"
}

// Default returns the configuration used when no environment variable is set.
func Default() Config {
	return Config{
		Battery: Battery{
			BlockSizeBits:  defaultBlockSizeBits,
			TemplateLength: defaultTemplateLength,
			BlockCount:     defaultBlockCount,
			Significance:   defaultSignificance,
		},
		Assess: Assess{
			Bind:           defaultAssessBind,
			MaxBodyBytes:   defaultMaxBodyBytes,
			RateLimitRPS:   defaultRateLimitRPS,
			RateLimitBurst: defaultRateLimitBurst,
			TLSClientAuth:  defaultTLSClientAuth,
		},
		Metrics: Metrics{
			Bind:          defaultMetricsBind,
			Enabled:       true,
			TLSClientAuth: defaultTLSClientAuth,
		},
		MQTT: MQTT{
			BrokerURL:       defaultMQTTBrokerURL,
			Topics:          []string{defaultMQTTSampleTopics},
			PayloadEncoding: defaultPayloadEncoding,
		},
		Collector: Collector{
			SampleBytes:   defaultSampleBytes,
			MinBytes:      defaultMinSampleBytes,
			FlushInterval: defaultFlushInterval,
		},
		Environment: EnvironmentDevelopment,
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// It applies defaults first, then overrides with environment variables.
func Load() (Config, error) {
	configuration := Default()

	if err := applyBatteryEnvVars(&configuration); err != nil {
		return configuration, err
	}
	applyAssessEnvVars(&configuration)
	applyMetricsEnvVars(&configuration)
	if err := applyMQTTEnvVars(&configuration); err != nil {
		return configuration, err
	}
	applyCollectorEnvVars(&configuration)
	applyEnvironmentEnvVars(&configuration)

	if err := validate(&configuration); err != nil {
		return configuration, err
	}

	return configuration, nil
}

// applyBatteryEnvVars reads the STS_* variables. STS_TEMPLATE is taken
// verbatim so malformed templates surface as test construction errors.
func applyBatteryEnvVars(configuration *Config) error {
	b := &configuration.Battery
	b.BlockSizeBits = ParsePositiveEnvInt("STS_BLOCK_SIZE_BITS", b.BlockSizeBits)
	b.Bits = ParsePositiveEnvInt("STS_BITS", b.Bits)
	b.Template = GetEnvDefault("STS_TEMPLATE", b.Template)
	b.TemplateLength = ParsePositiveEnvInt("STS_TEMPLATE_LENGTH", b.TemplateLength)
	b.AllTemplates = ParseBoolEnv("STS_ALL_TEMPLATES", b.AllTemplates)
	b.BlockCount = ParsePositiveEnvInt("STS_BLOCK_COUNT", b.BlockCount)
	b.TemplateDir = GetEnvDefault("STS_TEMPLATE_DIR", b.TemplateDir)
	b.Significance = ParseFloatEnv("STS_SIGNIFICANCE", b.Significance)
	b.PlanFile = GetEnvDefault("STS_PLAN_FILE", b.PlanFile)
	b.Parallelism = ParsePositiveEnvInt("STS_PARALLELISM", b.Parallelism)

	if v := os.Getenv("STS_TEMPLATE_INDEX"); v != "" {
		index, err := strconv.Atoi(cleanEnvValue(v))
		if err != nil || index < 0 {
			return fmt.Errorf("config: STS_TEMPLATE_INDEX must be a non-negative integer, got %q", v)
		}
		b.TemplateIndex = index
	}
	return nil
}

// applyAssessEnvVars reads assessment API environment variables
func applyAssessEnvVars(configuration *Config) {
	a := &configuration.Assess
	a.Bind = GetEnvDefault("ASSESS_BIND", a.Bind)
	a.AllowPublic = ParseBoolEnv("ALLOW_PUBLIC_HTTP", a.AllowPublic)
	a.MaxBodyBytes = ParsePositiveEnvInt("STS_MAX_BODY_BYTES", a.MaxBodyBytes)
	a.RateLimitRPS = ParsePositiveEnvInt("ASSESS_RATE_LIMIT_RPS", a.RateLimitRPS)
	a.RateLimitBurst = ParsePositiveEnvInt("ASSESS_RATE_LIMIT_BURST", a.RateLimitBurst)

	// Component-specific TLS files win over the shared TLS_* variables.
	a.TLSEnabled = ParseBoolEnv("ASSESS_TLS_ENABLED", a.TLSEnabled)
	a.TLSCertFile = GetEnvDefault("ASSESS_TLS_CERT_FILE", GetEnvDefault("TLS_CERT_FILE", a.TLSCertFile))
	a.TLSKeyFile = GetEnvDefault("ASSESS_TLS_KEY_FILE", GetEnvDefault("TLS_KEY_FILE", a.TLSKeyFile))
	a.TLSCAFile = GetEnvDefault("ASSESS_TLS_CA_FILE", GetEnvDefault("TLS_CA_FILE", a.TLSCAFile))
	a.TLSClientAuth = strings.ToLower(GetEnvDefault("ASSESS_TLS_CLIENT_AUTH", a.TLSClientAuth))
}

// applyMetricsEnvVars reads Prometheus metrics server environment variables
func applyMetricsEnvVars(configuration *Config) {
	m := &configuration.Metrics
	m.Bind = GetEnvDefault("METRICS_BIND", m.Bind)
	m.Enabled = ParseBoolEnv("METRICS_ENABLED", m.Enabled)

	m.TLSEnabled = ParseBoolEnv("METRICS_TLS_ENABLED", m.TLSEnabled)
	m.TLSCertFile = GetEnvDefault("METRICS_TLS_CERT_FILE", GetEnvDefault("TLS_CERT_FILE", m.TLSCertFile))
	m.TLSKeyFile = GetEnvDefault("METRICS_TLS_KEY_FILE", GetEnvDefault("TLS_KEY_FILE", m.TLSKeyFile))
	m.TLSCAFile = GetEnvDefault("METRICS_TLS_CA_FILE", GetEnvDefault("TLS_CA_FILE", m.TLSCAFile))
	m.TLSClientAuth = strings.ToLower(GetEnvDefault("METRICS_TLS_CLIENT_AUTH", m.TLSClientAuth))
}

// applyMQTTEnvVars reads MQTT environment variables and applies them to the provided configuration.
// MQTT_TOPICS is comma-separated and MQTT_QOS is clamped to 0 or 1.
func applyMQTTEnvVars(configuration *Config) error {
	m := &configuration.MQTT
	m.Enabled = ParseBoolEnv("MQTT_ENABLED", m.Enabled)
	m.BrokerURL = GetEnvDefault("MQTT_BROKER_URL", m.BrokerURL)
	m.ClientID = GetEnvDefault("MQTT_CLIENT_ID", m.ClientID)

	if v := os.Getenv("MQTT_TOPICS"); v != "" {
		var cleanTopics []string
		for _, topic := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(topic); trimmed != "" {
				cleanTopics = append(cleanTopics, trimmed)
			}
		}
		if len(cleanTopics) > 0 {
			m.Topics = cleanTopics
		}
	}

	if v := os.Getenv("MQTT_QOS"); v != "" {
		qos, err := strconv.Atoi(cleanEnvValue(v))
		if err != nil {
			return errors.New("config: MQTT_QOS must be a number (0 or 1)")
		}
		if qos < 0 {
			qos = 0
		}
		if qos > 1 {
			qos = 1
		}
		m.QoS = byte(qos)
	}

	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		m.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		m.Password = v
	}
	if passwordFile := os.Getenv("MQTT_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := readSecretFile(passwordFile)
		if err != nil {
			return fmt.Errorf("config: failed to read MQTT_PASSWORD_FILE: %w", err)
		}
		m.Password = strings.TrimSpace(string(passwordBytes))
	}

	m.TLSCAFile = GetEnvDefault("MQTT_TLS_CA_FILE", m.TLSCAFile)
	m.PayloadEncoding = strings.ToLower(GetEnvDefault("MQTT_PAYLOAD_ENCODING", m.PayloadEncoding))
	return nil
}

// applyCollectorEnvVars reads sample collector environment variables. A
// minimum larger than the sample size is lowered to the sample size.
func applyCollectorEnvVars(configuration *Config) {
	c := &configuration.Collector
	c.SampleBytes = ParsePositiveEnvInt("COLLECTOR_SAMPLE_BYTES", c.SampleBytes)
	c.MinBytes = ParsePositiveEnvInt("COLLECTOR_MIN_BYTES", c.MinBytes)
	c.FlushInterval = ParseDurationEnv("COLLECTOR_FLUSH_INTERVAL", c.FlushInterval)

	if c.MinBytes > c.SampleBytes {
		log.Printf("config: COLLECTOR_MIN_BYTES (%d) above sample size (%d), adjusting to sample size",
			c.MinBytes, c.SampleBytes)
		c.MinBytes = c.SampleBytes
	}
}

// applyEnvironmentEnvVars reads ENVIRONMENT, accepting "development" and
// "production" as aliases.
func applyEnvironmentEnvVars(configuration *Config) {
	v := strings.ToLower(GetEnvDefault("ENVIRONMENT", ""))
	switch v {
	case "":
	case "development":
		configuration.Environment = EnvironmentDevelopment
	case "production":
		configuration.Environment = EnvironmentProduction
	default:
		configuration.Environment = v
	}
}

func validate(configuration *Config) error {
	if configuration.Environment != EnvironmentDevelopment && configuration.Environment != EnvironmentProduction {
		return errors.New("config: environment must be 'dev' or 'prod'")
	}

	b := configuration.Battery
	if b.BlockSizeBits%8 != 0 {
		return fmt.Errorf("config: STS_BLOCK_SIZE_BITS must be a multiple of 8, got %d", b.BlockSizeBits)
	}
	if b.Template == "" && b.TemplateLength > maxTemplateLength {
		return fmt.Errorf("config: STS_TEMPLATE_LENGTH must be between 1 and %d, got %d", maxTemplateLength, b.TemplateLength)
	}
	if !(b.Significance > 0 && b.Significance < 1) {
		return fmt.Errorf("config: STS_SIGNIFICANCE must be in (0, 1), got %v", b.Significance)
	}

	switch configuration.MQTT.PayloadEncoding {
	case PayloadRaw, PayloadHex, PayloadBase64:
	default:
		return fmt.Errorf("config: MQTT_PAYLOAD_ENCODING must be 'raw', 'hex' or 'base64', got %q", configuration.MQTT.PayloadEncoding)
	}
	if configuration.MQTT.Enabled && len(configuration.MQTT.Topics) == 0 {
		return errors.New("config: MQTT_TOPICS is required when MQTT_ENABLED=true")
	}

	a := configuration.Assess
	if err := validateTLS("ASSESS", a.TLSEnabled, a.TLSCertFile, a.TLSKeyFile, a.TLSCAFile, a.TLSClientAuth); err != nil {
		return err
	}
	if a.AllowPublic && !a.TLSEnabled {
		if configuration.IsProduction() {
			return errors.New("config: SECURITY: TLS is required when ALLOW_PUBLIC_HTTP=true in production mode")
		}
		log.Printf("WARNING: Running public HTTP without TLS in development mode - this is insecure!")
	}

	m := configuration.Metrics
	return validateTLS("METRICS", m.TLSEnabled, m.TLSCertFile, m.TLSKeyFile, m.TLSCAFile, m.TLSClientAuth)
}

// validateTLS checks the <prefix>_TLS_* settings of one server.
func validateTLS(prefix string, enabled bool, certFile, keyFile, caFile, clientAuth string) error {
	if !enabled {
		return nil
	}
	if certFile == "" {
		return fmt.Errorf("config: %s_TLS_CERT_FILE is required when %s_TLS_ENABLED=true", prefix, prefix)
	}
	if keyFile == "" {
		return fmt.Errorf("config: %s_TLS_KEY_FILE is required when %s_TLS_ENABLED=true", prefix, prefix)
	}
	switch clientAuth {
	case TLSClientAuthNone, TLSClientAuthRequest, TLSClientAuthRequire:
	default:
		return fmt.Errorf("config: %s_TLS_CLIENT_AUTH must be 'none', 'request', or 'require', got %q", prefix, clientAuth)
	}
	if clientAuth == TLSClientAuthRequire && caFile == "" {
		return fmt.Errorf("config: %s_TLS_CA_FILE is required when %s_TLS_CLIENT_AUTH=require", prefix, prefix)
	}
	return nil
}

// IsProduction returns true if the application is running in production mode.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

// IsDevelopment returns true if the application is running in development mode.
func (cfg *Config) IsDevelopment() bool {
	return cfg.Environment == EnvironmentDevelopment
}

// String returns a human-readable representation of the configuration.
// Secrets are never included.
func (cfg *Config) String() string {
	template := cfg.Battery.Template
	if template == "" {
		template = "m=" + strconv.Itoa(cfg.Battery.TemplateLength)
	}
	return "Config{" +
		"Environment=" + cfg.Environment +
		", Template=" + template +
		", Assess.Bind=" + cfg.Assess.Bind +
		", Assess.TLS=" + strconv.FormatBool(cfg.Assess.TLSEnabled) +
		", MQTT.Enabled=" + strconv.FormatBool(cfg.MQTT.Enabled) +
		", MQTT.Topics=" + strings.Join(cfg.MQTT.Topics, ",") +
		"}"
}

func readSecretFile(path string) ([]byte, error) {
	absPath, err := sanitizeAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	return readFileWithinRoot(absPath)
}

func sanitizeAbsolutePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("config: empty file path")
	}
	clean := filepath.Clean(path)
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	return abs, nil
}

func readFileWithinRoot(absPath string) ([]byte, error) {
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	f, err := os.OpenInRoot(dir, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("error closing file: %v", err)
		}
	}()
	return io.ReadAll(f)
}

// cleanEnvValue removes inline comments and trims whitespace from environment variable values.
// This handles systemd EnvironmentFile format where inline comments are included in the value.
// Example: "127.0.0.1:9798 # bind address" becomes "127.0.0.1:9798"
func cleanEnvValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if idx := strings.Index(cleaned, "#"); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[:idx])
	}
	return cleaned
}

// GetEnvDefault retrieves an environment variable or returns a fallback value.
// Empty or whitespace-only values are treated as unset.
// Inline comments (e.g., "value # comment") are stripped.
func GetEnvDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		cleaned := cleanEnvValue(value)
		if cleaned != "" {
			return cleaned
		}
	}
	return fallback
}

// ParsePositiveEnvInt reads an integer environment variable with validation.
// Returns the fallback if the variable is unset, invalid, or non-positive.
// Invalid or non-positive values are logged before falling back.
func ParsePositiveEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %d", key, value, fallback)
		return fallback
	}
	if parsed <= 0 {
		log.Printf("config: %s non-positive (%d), using fallback %d", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseFloatEnv reads a finite floating-point environment variable.
// Returns the fallback if the variable is unset or invalid.
func ParseFloatEnv(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		log.Printf("config: %s invalid (%q), using fallback %v", key, value, fallback)
		return fallback
	}
	return parsed
}

// ParseDurationEnv reads a duration environment variable with validation.
// Values must include a unit suffix (e.g., "500ms", "30s", "5m").
// Returns the fallback if the variable is unset, invalid, or negative.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	hasUnit := false
	for i := 0; i < len(cleaned); i++ {
		ch := cleaned[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			hasUnit = true
			break
		}
	}
	if !hasUnit {
		log.Printf("config: %s missing duration unit (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	parsed, err := time.ParseDuration(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	if parsed < 0 {
		log.Printf("config: %s negative (%s), using fallback %s", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseBoolEnv interprets typical boolean environment values (true/false, 1/0, yes/no).
// Inline comments (e.g., "true # enable feature") are stripped.
func ParseBoolEnv(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	switch strings.ToLower(cleaned) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		log.Printf("config: %s has unrecognised boolean value %q, using fallback %v", key, value, fallback)
		return fallback
	}
}
