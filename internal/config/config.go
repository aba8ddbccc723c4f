package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrDefaultsUsed is returned together with a usable default configuration
// when the file is missing or cannot be parsed.
var ErrDefaultsUsed = errors.New("configuration unavailable, using defaults")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Actuators ActuatorsConfig `mapstructure:"actuators"`
	Interlock InterlockConfig `mapstructure:"interlock"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Recording RecordingConfig `mapstructure:"recording"`
	Sequences SequencesConfig `mapstructure:"sequences"`
	Database  DatabaseConfig  `mapstructure:"database"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	EStop     EStopConfig     `mapstructure:"estop"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	Transport   string        `mapstructure:"transport"`
	Address     string        `mapstructure:"address"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	AutoConnect bool          `mapstructure:"auto_connect"`
}

// ActuatorConfig maps a logical actuator to a physical output. Either
// servo_index or the legacy driver+channel pair must be set.
type ActuatorConfig struct {
	ID         int    `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	ServoIndex *int   `mapstructure:"servo_index"`
	Driver     *int   `mapstructure:"driver"`
	Channel    *int   `mapstructure:"channel"`
}

type ActuatorsConfig struct {
	ChannelsPerDriver int              `mapstructure:"channels_per_driver"`
	MotorInitialAngle int              `mapstructure:"motor_initial_angle"`
	Valves            []ActuatorConfig `mapstructure:"valves"`
	Motors            []ActuatorConfig `mapstructure:"motors"`
}

type InterlockConfig struct {
	PressureLimit float64  `mapstructure:"pressure_limit"`
	ResetLimit    float64  `mapstructure:"reset_limit"`
	Channels      []string `mapstructure:"channels"`
	Sequence      string   `mapstructure:"sequence"`
}

type ProtocolConfig struct {
	ValidateMotorCommands bool `mapstructure:"validate_motor_commands"`
}

type TelemetryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

type RecordingConfig struct {
	Directory string `mapstructure:"directory"`
	AutoStart bool   `mapstructure:"auto_start"`
}

type SequencesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type EStopConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Chip         string        `mapstructure:"chip"`
	Pin          int           `mapstructure:"pin"`
	ActiveLow    bool          `mapstructure:"active_low"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig grants a static bearer token to unattended clients
// such as data loggers. Only the SHA-256 hash is stored.
type MachineTokenConfig struct {
	Name      string `mapstructure:"name"`
	TokenHash string `mapstructure:"token_hash"`
	Role      string `mapstructure:"role"`
}

const (
	DefaultArgon2MemoryKiB   = 64 * 1024
	DefaultArgon2Iterations  = 3
	DefaultArgon2Parallelism = 2
)

// Argon2Config sets the cost of new operator password hashes. Existing
// hashes carry their own settings.
type Argon2Config struct {
	MemoryKiB   uint32 `mapstructure:"memory_kib"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool                 `mapstructure:"enabled"`
	JWTSecretEnv   string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration        `mapstructure:"access_token_ttl"`
	Argon2         Argon2Config         `mapstructure:"argon2"`
	Operators      []OperatorConfig     `mapstructure:"operators"`
	MachineTokens  []MachineTokenConfig `mapstructure:"machine_tokens"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	// every key needs a default, otherwise AutomaticEnv cannot override it
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.transport", "serial")
	v.SetDefault("serial.address", "")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.dial_timeout", "5s")
	v.SetDefault("serial.auto_connect", false)

	v.SetDefault("protocol.validate_motor_commands", false)
	v.SetDefault("recording.auto_start", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.database", "teststand")
	v.SetDefault("database.user", "teststand")
	v.SetDefault("database.password", "")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	v.SetDefault("estop.enabled", false)
	v.SetDefault("estop.pin", 17)
	v.SetDefault("auth.enabled", false)

	v.SetDefault("actuators.channels_per_driver", 16)
	v.SetDefault("actuators.motor_initial_angle", 90)

	v.SetDefault("interlock.pressure_limit", 850)
	v.SetDefault("interlock.reset_limit", 0)
	v.SetDefault("interlock.channels", []string{"pt1", "pt2"})
	v.SetDefault("interlock.sequence", "Emergency Shutdown")

	v.SetDefault("telemetry.history_size", 100)
	v.SetDefault("recording.directory", "logs")
	v.SetDefault("sequences.search_paths", []string{"sequences"})

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.batch_size", 200)
	v.SetDefault("database.flush_interval", "1s")

	v.SetDefault("mqtt.client_id", "open-test-stand")
	v.SetDefault("mqtt.topic_prefix", "teststand")

	v.SetDefault("estop.chip", "gpiochip0")
	v.SetDefault("estop.active_low", true)
	v.SetDefault("estop.poll_interval", "20ms")

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.argon2.memory_kib", DefaultArgon2MemoryKiB)
	v.SetDefault("auth.argon2.iterations", DefaultArgon2Iterations)
	v.SetDefault("auth.argon2.parallelism", DefaultArgon2Parallelism)

	// Environment Variables mit Prefix OTS_, z.B. OTS_SERIAL_PORT
	v.SetEnvPrefix("OTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Default returns the configuration used when no file is available: an empty
// actuator mapping and 9600 baud.
func Default() *Config {
	var cfg Config
	// defaults are plain scalars, Unmarshal cannot fail on them
	_ = newViper().Unmarshal(&cfg)
	return &cfg
}

// Load reads path. A missing or unparseable file yields Default() and
// ErrDefaultsUsed. A file that parses but describes an unusable actuator
// mapping is a hard error.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Default(), fmt.Errorf("%w: failed to read config: %v", ErrDefaultsUsed, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), fmt.Errorf("%w: failed to unmarshal config: %v", ErrDefaultsUsed, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
