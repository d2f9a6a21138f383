package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"STS_BLOCK_SIZE_BITS",
	"STS_BITS",
	"STS_TEMPLATE",
	"STS_TEMPLATE_LENGTH",
	"STS_TEMPLATE_INDEX",
	"STS_ALL_TEMPLATES",
	"STS_BLOCK_COUNT",
	"STS_TEMPLATE_DIR",
	"STS_SIGNIFICANCE",
	"STS_PLAN_FILE",
	"STS_PARALLELISM",
	"STS_MAX_BODY_BYTES",
	"ASSESS_BIND",
	"ALLOW_PUBLIC_HTTP",
	"ASSESS_RATE_LIMIT_RPS",
	"ASSESS_RATE_LIMIT_BURST",
	"ASSESS_TLS_ENABLED",
	"ASSESS_TLS_CERT_FILE",
	"ASSESS_TLS_KEY_FILE",
	"ASSESS_TLS_CA_FILE",
	"ASSESS_TLS_CLIENT_AUTH",
	"METRICS_BIND",
	"METRICS_ENABLED",
	"METRICS_TLS_ENABLED",
	"METRICS_TLS_CERT_FILE",
	"METRICS_TLS_KEY_FILE",
	"METRICS_TLS_CA_FILE",
	"METRICS_TLS_CLIENT_AUTH",
	"TLS_CERT_FILE",
	"TLS_KEY_FILE",
	"TLS_CA_FILE",
	"MQTT_ENABLED",
	"MQTT_BROKER_URL",
	"MQTT_CLIENT_ID",
	"MQTT_TOPICS",
	"MQTT_QOS",
	"MQTT_USERNAME",
	"MQTT_PASSWORD",
	"MQTT_PASSWORD_FILE",
	"MQTT_TLS_CA_FILE",
	"MQTT_PAYLOAD_ENCODING",
	"COLLECTOR_SAMPLE_BYTES",
	"COLLECTOR_MIN_BYTES",
	"COLLECTOR_FLUSH_INTERVAL",
	"ENVIRONMENT",
}

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

// validConfig returns a factory function for creating valid configs
func validConfig() Config {
	return Default()
}

func TestConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Battery.BlockSizeBits != 8192 {
		t.Fatalf("BlockSizeBits default = %d, want 8192", cfg.Battery.BlockSizeBits)
	}
	if cfg.Battery.TemplateLength != 9 || cfg.Battery.TemplateIndex != 0 || cfg.Battery.BlockCount != 8 {
		t.Fatalf("unexpected template defaults: %+v", cfg.Battery)
	}
	if cfg.Battery.Significance != 0.01 {
		t.Fatalf("Significance default = %v, want 0.01", cfg.Battery.Significance)
	}
	if cfg.Assess.Bind != "127.0.0.1:9798" {
		t.Fatalf("Assess.Bind default = %s, want 127.0.0.1:9798", cfg.Assess.Bind)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Bind != "127.0.0.1:9797" {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.MQTT.Enabled {
		t.Fatal("MQTT should be disabled by default")
	}
	if strings.Join(cfg.MQTT.Topics, ",") != "sts/samples/#" {
		t.Fatalf("Topic default = %s, want sts/samples/#", strings.Join(cfg.MQTT.Topics, ","))
	}
	if cfg.MQTT.PayloadEncoding != PayloadRaw {
		t.Fatalf("PayloadEncoding default = %s, want raw", cfg.MQTT.PayloadEncoding)
	}
	if cfg.Collector.SampleBytes != 125000 || cfg.Collector.MinBytes != 1250 || cfg.Collector.FlushInterval != 30*time.Second {
		t.Fatalf("unexpected collector defaults: %+v", cfg.Collector)
	}
	if cfg.Environment != EnvironmentDevelopment {
		t.Fatalf("Environment default = %s, want %s", cfg.Environment, EnvironmentDevelopment)
	}
}

func TestConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STS_BITS", "1000000")
	t.Setenv("STS_TEMPLATE", "000000001")
	t.Setenv("STS_TEMPLATE_INDEX", "3")
	t.Setenv("STS_ALL_TEMPLATES", "yes")
	t.Setenv("STS_BLOCK_COUNT", "16 # more blocks")
	t.Setenv("STS_TEMPLATE_DIR", "/opt/sts/templates")
	t.Setenv("STS_SIGNIFICANCE", "0.05")
	t.Setenv("STS_PARALLELISM", "4")
	t.Setenv("ASSESS_BIND", "127.0.0.1:7000")
	t.Setenv("STS_MAX_BODY_BYTES", "1024")
	t.Setenv("METRICS_ENABLED", "off")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")
	t.Setenv("MQTT_CLIENT_ID", "sts-1")
	t.Setenv("MQTT_TOPICS", "rng/a, rng/b")
	t.Setenv("MQTT_QOS", "1")
	t.Setenv("MQTT_PAYLOAD_ENCODING", "BASE64")
	t.Setenv("COLLECTOR_SAMPLE_BYTES", "4096")
	t.Setenv("COLLECTOR_MIN_BYTES", "512")
	t.Setenv("COLLECTOR_FLUSH_INTERVAL", "5s")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	b := cfg.Battery
	if b.Bits != 1000000 || b.Template != "000000001" || b.TemplateIndex != 3 || !b.AllTemplates {
		t.Fatalf("unexpected battery config: %+v", b)
	}
	if b.BlockCount != 16 || b.TemplateDir != "/opt/sts/templates" || b.Significance != 0.05 || b.Parallelism != 4 {
		t.Fatalf("unexpected battery config: %+v", b)
	}
	if cfg.Assess.Bind != "127.0.0.1:7000" || cfg.Assess.MaxBodyBytes != 1024 {
		t.Fatalf("unexpected assess config: %+v", cfg.Assess)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("METRICS_ENABLED=off should disable metrics")
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.BrokerURL != "tcp://broker:1883" || cfg.MQTT.ClientID != "sts-1" || cfg.MQTT.QoS != 1 {
		t.Fatalf("unexpected mqtt config: %+v", cfg.MQTT)
	}
	if strings.Join(cfg.MQTT.Topics, "|") != "rng/a|rng/b" {
		t.Fatalf("Topics = %v, want [rng/a rng/b]", cfg.MQTT.Topics)
	}
	if cfg.MQTT.PayloadEncoding != PayloadBase64 {
		t.Fatalf("PayloadEncoding = %s, want base64", cfg.MQTT.PayloadEncoding)
	}
	if cfg.Collector.SampleBytes != 4096 || cfg.Collector.MinBytes != 512 || cfg.Collector.FlushInterval != 5*time.Second {
		t.Fatalf("unexpected collector config: %+v", cfg.Collector)
	}
	if !cfg.IsProduction() {
		t.Fatalf("Environment = %s, want prod", cfg.Environment)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad environment", mutate: func(c *Config) { c.Environment = "staging" }, wantErr: "environment"},
		{name: "block size not bytes", mutate: func(c *Config) { c.Battery.BlockSizeBits = 1001 }, wantErr: "STS_BLOCK_SIZE_BITS"},
		{name: "template too long", mutate: func(c *Config) { c.Battery.TemplateLength = 22 }, wantErr: "STS_TEMPLATE_LENGTH"},
		{name: "literal template ignores length", mutate: func(c *Config) { c.Battery.TemplateLength = 22; c.Battery.Template = "01" }},
		{name: "significance zero", mutate: func(c *Config) { c.Battery.Significance = 0 }, wantErr: "STS_SIGNIFICANCE"},
		{name: "significance one", mutate: func(c *Config) { c.Battery.Significance = 1 }, wantErr: "STS_SIGNIFICANCE"},
		{name: "bad encoding", mutate: func(c *Config) { c.MQTT.PayloadEncoding = "ascii85" }, wantErr: "MQTT_PAYLOAD_ENCODING"},
		{name: "mqtt without topics", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Topics = nil }, wantErr: "MQTT_TOPICS"},
		{name: "mqtt disabled without topics", mutate: func(c *Config) { c.MQTT.Topics = nil }},
		{name: "public http in dev", mutate: func(c *Config) { c.Assess.AllowPublic = true }},
		{
			name: "public http in prod",
			mutate: func(c *Config) {
				c.Assess.AllowPublic = true
				c.Environment = EnvironmentProduction
			},
			wantErr: "ALLOW_PUBLIC_HTTP",
		},
		{
			name: "public https in prod",
			mutate: func(c *Config) {
				c.Assess.AllowPublic = true
				c.Environment = EnvironmentProduction
				c.Assess.TLSEnabled = true
				c.Assess.TLSCertFile = "/etc/sts/server.crt"
				c.Assess.TLSKeyFile = "/etc/sts/server.key"
			},
		},
		{name: "assess tls without cert", mutate: func(c *Config) { c.Assess.TLSEnabled = true; c.Assess.TLSKeyFile = "k" }, wantErr: "ASSESS_TLS_CERT_FILE"},
		{name: "assess tls without key", mutate: func(c *Config) { c.Assess.TLSEnabled = true; c.Assess.TLSCertFile = "c" }, wantErr: "ASSESS_TLS_KEY_FILE"},
		{
			name: "metrics tls bad client auth",
			mutate: func(c *Config) {
				c.Metrics.TLSEnabled = true
				c.Metrics.TLSCertFile = "c"
				c.Metrics.TLSKeyFile = "k"
				c.Metrics.TLSClientAuth = "always"
			},
			wantErr: "METRICS_TLS_CLIENT_AUTH",
		},
		{
			name: "metrics mtls without ca",
			mutate: func(c *Config) {
				c.Metrics.TLSEnabled = true
				c.Metrics.TLSCertFile = "c"
				c.Metrics.TLSKeyFile = "k"
				c.Metrics.TLSClientAuth = TLSClientAuthRequire
			},
			wantErr: "METRICS_TLS_CA_FILE",
		},
		{name: "tls files ignored when disabled", mutate: func(c *Config) { c.Metrics.TLSClientAuth = "always" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate returned unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_TLSFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TLS_CERT_FILE", "/etc/sts/shared.crt")
	t.Setenv("TLS_KEY_FILE", "/etc/sts/shared.key")
	t.Setenv("ASSESS_TLS_ENABLED", "true")
	t.Setenv("ASSESS_TLS_CERT_FILE", "/etc/sts/assess.crt")
	t.Setenv("METRICS_TLS_ENABLED", "true")
	t.Setenv("METRICS_TLS_CA_FILE", "/etc/sts/ca.crt")
	t.Setenv("METRICS_TLS_CLIENT_AUTH", "REQUIRE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Assess.TLSEnabled || cfg.Assess.TLSCertFile != "/etc/sts/assess.crt" || cfg.Assess.TLSKeyFile != "/etc/sts/shared.key" {
		t.Fatalf("unexpected assess TLS settings: %+v", cfg.Assess)
	}
	if cfg.Assess.TLSClientAuth != TLSClientAuthNone {
		t.Fatalf("assess client auth = %q, want none", cfg.Assess.TLSClientAuth)
	}
	if !cfg.Metrics.TLSEnabled || cfg.Metrics.TLSCertFile != "/etc/sts/shared.crt" || cfg.Metrics.TLSCAFile != "/etc/sts/ca.crt" {
		t.Fatalf("unexpected metrics TLS settings: %+v", cfg.Metrics)
	}
	if cfg.Metrics.TLSClientAuth != TLSClientAuthRequire {
		t.Fatalf("metrics client auth = %q, want require", cfg.Metrics.TLSClientAuth)
	}
}

func TestConfig_LoadErrorPaths(t *testing.T) {
	cases := map[string]string{
		"MQTT_QOS":              "high",
		"STS_TEMPLATE_INDEX":    "-1",
		"STS_SIGNIFICANCE":      "1.5",
		"MQTT_PAYLOAD_ENCODING": "ebcdic",
		"ENVIRONMENT":           "qa",
		"MQTT_PASSWORD_FILE":    "/nonexistent/sts/password",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestConfig_TemplateIndexNotNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("STS_TEMPLATE_INDEX", "first")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "STS_TEMPLATE_INDEX") {
		t.Fatalf("expected STS_TEMPLATE_INDEX error, got %v", err)
	}
}

func TestConfig_NegativeQoS(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_QOS", "-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MQTT.QoS != 0 {
		t.Fatalf("expected QoS clamped to 0, got %d", cfg.MQTT.QoS)
	}

	t.Setenv("MQTT_QOS", "2")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MQTT.QoS != 1 {
		t.Fatalf("expected QoS clamped to 1, got %d", cfg.MQTT.QoS)
	}
}

func TestConfig_ExplicitEnvironments(t *testing.T) {
	for value, want := range map[string]string{
		"dev":         EnvironmentDevelopment,
		"Development": EnvironmentDevelopment,
		"prod":        EnvironmentProduction,
		"PRODUCTION":  EnvironmentProduction,
	} {
		t.Run(value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("ENVIRONMENT", value)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			if cfg.Environment != want {
				t.Fatalf("Environment = %s, want %s", cfg.Environment, want)
			}
		})
	}
}

func TestApplyCollectorEnvVarsAdjustsMinimum(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLECTOR_SAMPLE_BYTES", "100")
	t.Setenv("COLLECTOR_MIN_BYTES", "500")

	cfg := validConfig()
	applyCollectorEnvVars(&cfg)

	if cfg.Collector.MinBytes != 100 {
		t.Fatalf("MinBytes = %d, want clamp to sample size 100", cfg.Collector.MinBytes)
	}
}

func TestConfig_PasswordFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mqtt_password")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write password file: %v", err)
	}
	t.Setenv("MQTT_PASSWORD", "from-env")
	t.Setenv("MQTT_PASSWORD_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MQTT.Password != "s3cret" {
		t.Fatalf("Password = %q, want file contents to win", cfg.MQTT.Password)
	}
}

func TestConfig_IsDevelopmentAndString(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Password = "hunter2"

	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Fatal("default config should be development")
	}

	s := cfg.String()
	for _, want := range []string{"Environment=dev", "Template=m=9", "Assess.Bind=127.0.0.1:9798", "MQTT.Topics=sts/samples/#"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() = %s, missing %s", s, want)
		}
	}
	if strings.Contains(s, "hunter2") {
		t.Fatal("String() must not include the MQTT password")
	}

	cfg.Battery.Template = "0011"
	if !strings.Contains(cfg.String(), "Template=0011") {
		t.Fatalf("String() = %s, want literal template", cfg.String())
	}
}

func TestSanitizeAbsolutePath(t *testing.T) {
	if _, err := sanitizeAbsolutePath("   "); err == nil {
		t.Fatal("expected error for blank path")
	}
	got, err := sanitizeAbsolutePath("/tmp/../tmp/secret")
	if err != nil {
		t.Fatalf("sanitizeAbsolutePath returned error: %v", err)
	}
	if got != "/tmp/secret" {
		t.Fatalf("sanitizeAbsolutePath = %s, want /tmp/secret", got)
	}
}

func TestCleanEnvValue(t *testing.T) {
	cases := map[string]string{
		"  value  ":               "value",
		"127.0.0.1:9798 # bind":   "127.0.0.1:9798",
		"# only a comment":        "",
		"no-comment":              "no-comment",
		"\ttrue   # enable thing": "true",
	}
	for in, want := range cases {
		if got := cleanEnvValue(in); got != want {
			t.Fatalf("cleanEnvValue(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetEnvDefault(t *testing.T) {
	const key = "CONFIG_GET_ENV_DEFAULT"

	t.Setenv(key, "  ")
	if got := GetEnvDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for whitespace env value, got %q", got)
	}

	t.Setenv(key, "value")
	if got := GetEnvDefault(key, "fallback"); got != "value" {
		t.Fatalf("expected concrete env value, got %q", got)
	}
}

func TestParsePositiveEnvInt(t *testing.T) {
	const key = "CONFIG_PARSE_POSITIVE_INT"

	t.Setenv(key, "")
	if got := ParsePositiveEnvInt(key, 7); got != 7 {
		t.Fatalf("expected fallback for empty env, got %d", got)
	}

	t.Setenv(key, "invalid")
	if got := ParsePositiveEnvInt(key, 9); got != 9 {
		t.Fatalf("expected fallback for invalid env, got %d", got)
	}

	t.Setenv(key, "0")
	if got := ParsePositiveEnvInt(key, 11); got != 11 {
		t.Fatalf("expected fallback for zero, got %d", got)
	}

	t.Setenv(key, "-3")
	if got := ParsePositiveEnvInt(key, 13); got != 13 {
		t.Fatalf("expected fallback for negative, got %d", got)
	}

	t.Setenv(key, "42")
	if got := ParsePositiveEnvInt(key, 15); got != 42 {
		t.Fatalf("expected parsed positive value 42, got %d", got)
	}
}

func TestParseFloatEnv(t *testing.T) {
	const key = "CONFIG_PARSE_FLOAT"

	t.Setenv(key, "")
	if got := ParseFloatEnv(key, 0.01); got != 0.01 {
		t.Fatalf("expected fallback for empty env, got %v", got)
	}

	t.Setenv(key, "one percent")
	if got := ParseFloatEnv(key, 0.01); got != 0.01 {
		t.Fatalf("expected fallback for invalid env, got %v", got)
	}

	t.Setenv(key, "NaN")
	if got := ParseFloatEnv(key, 0.01); got != 0.01 {
		t.Fatalf("expected fallback for NaN, got %v", got)
	}

	t.Setenv(key, "0.001 # strict")
	if got := ParseFloatEnv(key, 0.01); got != 0.001 {
		t.Fatalf("expected parsed value 0.001, got %v", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	const key = "CONFIG_PARSE_DURATION"

	t.Setenv(key, "")
	if got := ParseDurationEnv(key, 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected fallback for empty env, got %s", got)
	}

	t.Setenv(key, "15")
	if got := ParseDurationEnv(key, 7*time.Second); got != 7*time.Second {
		t.Fatalf("expected fallback for missing unit, got %s", got)
	}

	t.Setenv(key, "invalid")
	if got := ParseDurationEnv(key, 9*time.Second); got != 9*time.Second {
		t.Fatalf("expected fallback for invalid env, got %s", got)
	}

	t.Setenv(key, "-3s")
	if got := ParseDurationEnv(key, 11*time.Second); got != 11*time.Second {
		t.Fatalf("expected fallback for negative duration, got %s", got)
	}

	t.Setenv(key, "500ms")
	if got := ParseDurationEnv(key, time.Second); got != 500*time.Millisecond {
		t.Fatalf("expected parsed duration 500ms, got %s", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	const key = "CONFIG_PARSE_BOOL"

	if got := ParseBoolEnv(key, true); !got {
		t.Fatal("expected fallback true when unset")
	}

	t.Setenv(key, "false")
	if got := ParseBoolEnv(key, true); got {
		t.Fatal("expected false from explicit false")
	}

	t.Setenv(key, "YES")
	if got := ParseBoolEnv(key, false); !got {
		t.Fatal("expected true from YES")
	}

	t.Setenv(key, "maybe")
	if got := ParseBoolEnv(key, true); !got {
		t.Fatal("expected fallback true for unknown value")
	}
}

func TestMQTTTopicsEdgeCases(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_TOPICS", " , ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if strings.Join(cfg.MQTT.Topics, ",") != "sts/samples/#" {
		t.Fatalf("blank topic list should keep default, got %v", cfg.MQTT.Topics)
	}
}
