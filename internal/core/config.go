package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// server components.
type Config struct {
	// Hostname or IP address on which the listener will bind.
	Hostname string `mapstructure:"hostname"`
	// Port used for the first listener start; SwitchPort overrides it afterwards.
	Port uint16 `mapstructure:"port"`
	// UDP address "dialed" to find the outward facing interface. Nothing is sent.
	IPProbeAddress string `mapstructure:"ip_probe_address"`
	// How long a stopping listener waits for plain HTTP requests to finish.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Size in megabytes after which the log file is rotated.
	LogMaxSizeMB int `mapstructure:"log_max_size_mb"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Sessions struct {
		// What to do when a client claims an id that is already in use: allow or reassign.
		IDCollisionPolicy string `mapstructure:"id_collision_policy"`
		// Remove a client's characters from the store when it disconnects.
		RemoveCharactersOnDisconnect bool `mapstructure:"remove_characters_on_disconnect"`
		// How long a released id is kept out of the pool of generated ids.
		ReconnectGracePeriod time.Duration `mapstructure:"reconnect_grace_period"`
		// Number of pending broadcast events buffered per connection.
		BroadcastBuffer int `mapstructure:"broadcast_buffer"`
		// Largest frame in bytes accepted from a client.
		MaxMessageSize int64 `mapstructure:"max_message_size"`
		// Deadline for a single write to a client.
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		// Interval between keepalive pings.
		PingInterval time.Duration `mapstructure:"ping_interval"`
		// How long a connection may stay silent before it is dropped.
		PongWait time.Duration `mapstructure:"pong_wait"`
	} `mapstructure:"sessions"`

	Database struct {
		// Character store engine: memory, sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// SQLite database file. Blank uses a private in-memory database.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to Name.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Serve pprof and Prometheus metrics on localhost.
		Enabled bool `mapstructure:"enabled"`
		// Port of the debug HTTP server.
		Port int `mapstructure:"port"`
		// Dump every decoded client message at debug level.
		MessageLoggingEnabled bool `mapstructure:"message_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "SHEETSYNC"

const (
	EngineMemory   = "memory"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"

	CollisionAllow    = "allow"
	CollisionReassign = "reassign"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("ip_probe_address", "9.9.9.9:80")
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("log_file_path", "")
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_level", "info")

	v.SetDefault("sessions.id_collision_policy", CollisionAllow)
	v.SetDefault("sessions.remove_characters_on_disconnect", false)
	v.SetDefault("sessions.reconnect_grace_period", 30*time.Second)
	v.SetDefault("sessions.broadcast_buffer", 32)
	v.SetDefault("sessions.max_message_size", 1<<20)
	v.SetDefault("sessions.write_timeout", 10*time.Second)
	v.SetDefault("sessions.ping_interval", 30*time.Second)
	v.SetDefault("sessions.pong_wait", 60*time.Second)

	v.SetDefault("database.engine", EngineMemory)
	v.SetDefault("database.filename", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sheetsync")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("debugging.enabled", false)
	v.SetDefault("debugging.port", 6060)
	v.SetDefault("debugging.message_logging_enabled", false)
	v.SetDefault("debugging.database_logging_enabled", false)
}

// DefaultConfig returns the configuration used when no config file is present.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(config)
	return config
}

// LoadConfig reads config.yaml from configPath, falling back to defaults for
// anything not set. A missing config file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects option values the server can't act on.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch strings.ToLower(c.Database.Engine) {
	case EngineMemory, EngineSQLite, EnginePostgres:
	default:
		return fmt.Errorf("unsupported database engine: %q", c.Database.Engine)
	}
	switch strings.ToLower(c.Sessions.IDCollisionPolicy) {
	case CollisionAllow, CollisionReassign:
	default:
		return fmt.Errorf("unsupported id_collision_policy: %q", c.Sessions.IDCollisionPolicy)
	}
	if c.Sessions.BroadcastBuffer < 1 {
		return fmt.Errorf("sessions.broadcast_buffer must be positive, got %d", c.Sessions.BroadcastBuffer)
	}
	if c.Sessions.PingInterval >= c.Sessions.PongWait {
		return fmt.Errorf("sessions.ping_interval (%v) must be shorter than sessions.pong_wait (%v)",
			c.Sessions.PingInterval, c.Sessions.PongWait)
	}
	return nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// SQLitePath returns the DSN for the sqlite engine.
func (c *Config) SQLitePath() string {
	if c.Database.Filename == "" {
		return ":memory:"
	}
	return filepath.Clean(c.Database.Filename)
}

// ListenAddress returns the address a listener for port binds to.
func (c *Config) ListenAddress(port uint16) string {
	return fmt.Sprintf("%s:%d", c.Hostname, port)
}
