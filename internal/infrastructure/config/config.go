package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the automation engine.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Invoker   InvokerConfig   `yaml:"invoker"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`

	// Embedded starts an in-process broker on Host:Port instead of
	// connecting to an external one. Intended for single-box installs.
	Embedded bool `yaml:"embedded"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP control API settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APIAuthConfig controls bearer-token authentication on the control API.
// An empty secret disables authentication (local-only deployments).
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineConfig contains script engine settings.
type EngineConfig struct {
	// RoutinesFile is the YAML file holding script and automation definitions.
	RoutinesFile string `yaml:"routines_file"`

	// ServiceCallLimit bounds how long a call step waits for the invoker (seconds).
	ServiceCallLimit int `yaml:"service_call_limit"`

	// ShutdownMaxWait bounds how long shutdown waits for running scripts (seconds).
	ShutdownMaxWait int `yaml:"shutdown_max_wait"`

	DefaultMax         int    `yaml:"default_max"`
	DefaultMaxExceeded string `yaml:"default_max_exceeded"`

	// HistoryRetention is how many days of run history are kept. 0 keeps everything.
	HistoryRetention int `yaml:"history_retention"`
}

// SchedulerConfig contains dependency scheduler settings.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// QueueSize is the capacity of each per-target dispatch channel.
	QueueSize int `yaml:"queue_size"`

	// ImplicitCompletion treats a successful dispatch as start+complete
	// for targets that never report progress themselves.
	ImplicitCompletion bool `yaml:"implicit_completion"`

	// ActionTimeout bounds a single dispatch (milliseconds).
	ActionTimeout int `yaml:"action_timeout"`
}

// InvokerConfig contains capability invoker settings.
type InvokerConfig struct {
	// AckTimeout is how long to wait for a bridge acknowledgement (milliseconds).
	// 0 publishes without waiting.
	AckTimeout int `yaml:"ack_timeout"`
}

// ErrInvalid wraps every validation failure returned by Load and Validate.
var ErrInvalid = errors.New("config: invalid")

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then GRAYLOGIC_* environment variables. The
// result is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. No file is read.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/automation.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-automation",
			},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Host:     "0.0.0.0",
			Port:     8081,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Engine: EngineConfig{
			RoutinesFile:       "./configs/routines.yaml",
			ServiceCallLimit:   10,
			ShutdownMaxWait:    60,
			DefaultMax:         10,
			DefaultMaxExceeded: "warning",
			HistoryRetention:   30,
		},
		Scheduler: SchedulerConfig{
			QueueSize:          32,
			ImplicitCompletion: true,
			ActionTimeout:      3000,
		},
	}
}

// envOverride binds one GRAYLOGIC_* variable to a setter. The setter
// reports false when the value cannot be parsed; such values are ignored.
type envOverride struct {
	name string
	set  func(c *Config, v string) bool
}

func setString(field func(*Config) *string) func(*Config, string) bool {
	return func(c *Config, v string) bool { *field(c) = v; return true }
}

func setInt(field func(*Config) *int) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		n, err := strconv.Atoi(v)
		if err != nil {
			return false
		}
		*field(c) = n
		return true
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false
		}
		*field(c) = b
		return true
	}
}

// envOverrides lists every supported variable. Secrets belong here rather
// than in the file.
var envOverrides = []envOverride{
	{"GRAYLOGIC_SITE_ID", setString(func(c *Config) *string { return &c.Site.ID })},
	{"GRAYLOGIC_SITE_TIMEZONE", setString(func(c *Config) *string { return &c.Site.Timezone })},
	{"GRAYLOGIC_DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"GRAYLOGIC_MQTT_HOST", setString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"GRAYLOGIC_MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"GRAYLOGIC_MQTT_EMBEDDED", setBool(func(c *Config) *bool { return &c.MQTT.Broker.Embedded })},
	{"GRAYLOGIC_MQTT_USERNAME", setString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"GRAYLOGIC_MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"GRAYLOGIC_API_HOST", setString(func(c *Config) *string { return &c.API.Host })},
	{"GRAYLOGIC_API_PORT", setInt(func(c *Config) *int { return &c.API.Port })},
	{"GRAYLOGIC_API_JWT_SECRET", setString(func(c *Config) *string { return &c.API.Auth.JWTSecret })},
	{"GRAYLOGIC_INFLUXDB_ENABLED", setBool(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"GRAYLOGIC_INFLUXDB_URL", setString(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"GRAYLOGIC_INFLUXDB_TOKEN", setString(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"GRAYLOGIC_ENGINE_ROUTINES_FILE", setString(func(c *Config) *string { return &c.Engine.RoutinesFile })},
	{"GRAYLOGIC_SCHEDULER_ENABLED", setBool(func(c *Config) *bool { return &c.Scheduler.Enabled })},
	{"GRAYLOGIC_LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.set(cfg, v)
		}
	}
}

// Validate reports every problem at once, joined and wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Site.ID == "" {
		fail("site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		fail("site.timezone %q: %v", c.Site.Timezone, err)
	}
	if c.Database.Path == "" {
		fail("database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		fail("mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		fail("api.port must be between 1 and 65535")
	}

	// A short secret makes tokens forgeable.
	const minJWTSecretLength = 32
	if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
		fail("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength)
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		fail("influxdb.url is required when influxdb is enabled")
	}

	if c.Engine.ServiceCallLimit < 0 {
		fail("engine.service_call_limit must not be negative")
	}
	if c.Engine.ShutdownMaxWait < 0 {
		fail("engine.shutdown_max_wait must not be negative")
	}
	if c.Engine.DefaultMax < 1 {
		fail("engine.default_max must be at least 1")
	}
	switch strings.ToLower(c.Engine.DefaultMaxExceeded) {
	case "silent", "debug", "info", "warning", "error":
	default:
		fail("engine.default_max_exceeded must be one of silent, debug, info, warning, error")
	}
	if c.Scheduler.Enabled && c.Scheduler.QueueSize < 1 {
		fail("scheduler.queue_size must be at least 1")
	}
	if c.Invoker.AckTimeout < 0 {
		fail("invoker.ack_timeout must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Location returns the site time zone, falling back to UTC. Validate
// rejects zones that do not load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ServiceCallLimit returns the call step wait limit as a Duration.
func (c *Config) ServiceCallLimit() time.Duration {
	return time.Duration(c.Engine.ServiceCallLimit) * time.Second
}

// ShutdownMaxWait returns the shutdown grace period as a Duration.
func (c *Config) ShutdownMaxWait() time.Duration {
	return time.Duration(c.Engine.ShutdownMaxWait) * time.Second
}

// ActionTimeout returns the scheduler dispatch deadline as a Duration.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Scheduler.ActionTimeout) * time.Millisecond
}

// AckTimeout returns the invoker acknowledgement wait as a Duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Invoker.AckTimeout) * time.Millisecond
}
