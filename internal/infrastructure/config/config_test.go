package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8081
engine:
  routines_file: "/etc/graylogic/routines.yaml"
  service_call_limit: 5
  default_max_exceeded: silent
scheduler:
  enabled: true
  queue_size: 4
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Engine.RoutinesFile != "/etc/graylogic/routines.yaml" {
		t.Errorf("Engine.RoutinesFile = %q", cfg.Engine.RoutinesFile)
	}
	if cfg.ServiceCallLimit() != 5*time.Second {
		t.Errorf("ServiceCallLimit() = %v, want 5s", cfg.ServiceCallLimit())
	}
	if cfg.Engine.DefaultMaxExceeded != "silent" {
		t.Errorf("Engine.DefaultMaxExceeded = %q, want silent", cfg.Engine.DefaultMaxExceeded)
	}
	// Defaults survive partial sections.
	if cfg.Engine.DefaultMax != 10 {
		t.Errorf("Engine.DefaultMax = %d, want 10", cfg.Engine.DefaultMax)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.QueueSize != 4 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.ActionTimeout() != 3*time.Second {
		t.Errorf("ActionTimeout() = %v, want 3s", cfg.ActionTimeout())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "JWT secret too short", mutate: func(c *Config) { c.API.Auth.JWTSecret = "short" }, wantErr: true},
		{
			name:    "JWT secret long enough",
			mutate:  func(c *Config) { c.API.Auth.JWTSecret = "test-secret-key-at-least-32-chars!" },
			wantErr: false,
		},
		{name: "negative call limit", mutate: func(c *Config) { c.Engine.ServiceCallLimit = -1 }, wantErr: true},
		{name: "zero default max", mutate: func(c *Config) { c.Engine.DefaultMax = 0 }, wantErr: true},
		{name: "unknown severity", mutate: func(c *Config) { c.Engine.DefaultMaxExceeded = "loud" }, wantErr: true},
		{name: "severity case-insensitive", mutate: func(c *Config) { c.Engine.DefaultMaxExceeded = "WARNING" }, wantErr: false},
		{
			name: "scheduler enabled without queue",
			mutate: func(c *Config) {
				c.Scheduler.Enabled = true
				c.Scheduler.QueueSize = 0
			},
			wantErr: true,
		},
		{name: "negative ack timeout", mutate: func(c *Config) { c.Invoker.AckTimeout = -5 }, wantErr: true},
		{name: "negative shutdown wait", mutate: func(c *Config) { c.Engine.ShutdownMaxWait = -1 }, wantErr: true},
		{name: "unknown timezone", mutate: func(c *Config) { c.Site.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "named timezone", mutate: func(c *Config) { c.Site.Timezone = "Europe/London" }, wantErr: false},
		{name: "influx without url", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.Database.Path = ""
	cfg.MQTT.QoS = 7

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"site.id", "database.path", "mqtt.qos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestConfig_Location(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Location() != time.UTC {
		t.Errorf("default Location() = %v, want UTC", cfg.Location())
	}
	cfg.Site.Timezone = "Europe/London"
	if got := cfg.Location().String(); got != "Europe/London" {
		t.Errorf("Location() = %s", got)
	}
	cfg.Site.Timezone = "Nowhere/Special"
	if cfg.Location() != time.UTC {
		t.Error("unknown zone should fall back to UTC")
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Engine:  EngineConfig{ShutdownMaxWait: 60},
		Invoker: InvokerConfig{AckTimeout: 250},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.ShutdownMaxWait(); got != time.Minute {
		t.Errorf("ShutdownMaxWait() = %v, want 1m", got)
	}
	if got := cfg.AckTimeout(); got != 250*time.Millisecond {
		t.Errorf("AckTimeout() = %v, want 250ms", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_PORT", "18830")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_API_JWT_SECRET", "jwt-secret")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_ENGINE_ROUTINES_FILE", "/srv/routines.yaml")
	t.Setenv("GRAYLOGIC_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"API.Auth.JWTSecret", cfg.API.Auth.JWTSecret, "jwt-secret"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Engine.RoutinesFile", cfg.Engine.RoutinesFile, "/srv/routines.yaml"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if cfg.MQTT.Broker.Port != 18830 {
		t.Errorf("MQTT.Broker.Port = %d, want 18830", cfg.MQTT.Broker.Port)
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("GRAYLOGIC_MQTT_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want default 1883", cfg.MQTT.Broker.Port)
	}
}

func TestApplyEnvOverrides_Typed(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("GRAYLOGIC_API_PORT", "9090")
	t.Setenv("GRAYLOGIC_SCHEDULER_ENABLED", "true")
	t.Setenv("GRAYLOGIC_MQTT_EMBEDDED", "1")
	t.Setenv("GRAYLOGIC_INFLUXDB_ENABLED", "maybe")
	t.Setenv("GRAYLOGIC_SITE_TIMEZONE", "Europe/Paris")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if !cfg.Scheduler.Enabled || !cfg.MQTT.Broker.Embedded {
		t.Errorf("booleans not applied: scheduler=%v embedded=%v", cfg.Scheduler.Enabled, cfg.MQTT.Broker.Embedded)
	}
	if cfg.InfluxDB.Enabled {
		t.Error("unparseable bool should be ignored")
	}
	if cfg.Site.Timezone != "Europe/Paris" {
		t.Errorf("Site.Timezone = %q", cfg.Site.Timezone)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("defaultConfig API.Port = %d, want 8081", cfg.API.Port)
	}
	if cfg.Engine.ShutdownMaxWait != 60 {
		t.Errorf("defaultConfig Engine.ShutdownMaxWait = %d, want 60", cfg.Engine.ShutdownMaxWait)
	}
	if cfg.Scheduler.ActionTimeout != 3000 {
		t.Errorf("defaultConfig Scheduler.ActionTimeout = %d, want 3000", cfg.Scheduler.ActionTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig should validate: %v", err)
	}
}
