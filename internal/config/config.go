// Package config provides configuration loading for the bridge.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"

	"github.com/workspace/qb-bridge/internal/auth"
	"github.com/workspace/qb-bridge/internal/gateway"
)

// Config holds all configuration values for the bridge.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string
	MaxBodyBytes   int64

	// Gateway process settings
	GatewayCommand string
	GatewayArgs    []string
	GatewayDir     string
	GatewayEnv     []string
	RealmHost      string
	UserToken      string
	AppID          string
	ClientName     string
	ClientVersion  string
	CallTimeout    time.Duration
	InitTimeout    time.Duration
	TerminateGrace time.Duration

	// Session settings
	DefaultSessionID string
	IdleTimeout      time.Duration
	MaxSessions      int

	// WebSocket settings
	WSPingInterval    time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSMaxMessageSize  int64

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Auth settings; both empty disables auth.
	JWKSEndpoint string
	AuthSecret   string
	JWTAudience  string
	JWTIssuer    string

	// History settings
	HistoryDBPath    string
	HistoryRetention time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// ConfigFile is the TOML file that was loaded, if any.
	ConfigFile string
}

// fileConfig mirrors the optional TOML file.
type fileConfig struct {
	Gateway struct {
		Command   string            `toml:"command"`
		Args      []string          `toml:"args"`
		Dir       string            `toml:"dir"`
		RealmHost string            `toml:"realm_host"`
		UserToken string            `toml:"user_token"`
		AppID     string            `toml:"app_id"`
		Env       map[string]string `toml:"env"`
	} `toml:"gateway"`
}

// Load reads configuration from the optional TOML file named by
// QB_BRIDGE_CONFIG and then from environment variables, which win.
func Load() (*Config, error) {
	var file fileConfig
	path := os.Getenv("QB_BRIDGE_CONFIG")
	if path != "" {
		var err error
		file, err = loadFile(path)
		if err != nil {
			return nil, err
		}
	}

	g := file.Gateway
	cfg := &Config{
		Port:           getEnvInt("PORT", 3003),
		Host:           getEnv("QB_BRIDGE_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),
		MaxBodyBytes:   int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),

		GatewayCommand: getEnv("GATEWAY_COMMAND", orDefault(g.Command, "npx")),
		GatewayArgs:    getEnvStringSlice("GATEWAY_ARGS", orDefaultSlice(g.Args, []string{"-y", "mcp-quickbase"})),
		GatewayDir:     getEnv("GATEWAY_DIR", g.Dir),
		GatewayEnv:     envPairs(g.Env),
		RealmHost:      getEnv("QUICKBASE_REALM_HOST", g.RealmHost),
		UserToken:      getEnv("QUICKBASE_USER_TOKEN", g.UserToken),
		AppID:          getEnv("QUICKBASE_APP_ID", g.AppID),
		ClientName:     getEnv("GATEWAY_CLIENT_NAME", "qb-bridge"),
		ClientVersion:  getEnv("GATEWAY_CLIENT_VERSION", "1.0.0"),
		CallTimeout:    getEnvDuration("GATEWAY_CALL_TIMEOUT", 30*time.Second),
		InitTimeout:    getEnvDuration("GATEWAY_INIT_TIMEOUT", 30*time.Second),
		TerminateGrace: getEnvDuration("GATEWAY_TERMINATE_GRACE", 5*time.Second),

		DefaultSessionID: getEnv("DEFAULT_SESSION_ID", "default"),
		IdleTimeout:      getEnvDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute),
		MaxSessions:      getEnvInt("MAX_SESSIONS", 64),

		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSMaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 16<<20)),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		// Must outlast a tool call.
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 90*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		AuthSecret:   getEnv("AUTH_SECRET", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		HistoryDBPath:    getEnv("HISTORY_DB_PATH", ":memory:"),
		HistoryRetention: getEnvDuration("HISTORY_RETENTION", 7*24*time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		ConfigFile: path,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, errors.Newf("PORT %d out of range", c.Port))
	}
	if c.GatewayCommand == "" {
		errs = append(errs, errors.New("GATEWAY_COMMAND is required"))
	}
	if c.RealmHost == "" {
		errs = append(errs, errors.New("QUICKBASE_REALM_HOST is required"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_CALL_TIMEOUT must be positive"))
	}
	if c.InitTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_INIT_TIMEOUT must be positive"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("MAX_SESSIONS must not be negative"))
	}
	if c.WSPingInterval <= 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be positive"))
	}
	// A cold call spawns the gateway first, so its response can take the init
	// and call timeouts back to back.
	if c.HTTPWriteTimeout > 0 && c.HTTPWriteTimeout <= c.InitTimeout+c.CallTimeout {
		errs = append(errs, errors.Newf("HTTP_WRITE_TIMEOUT (%s) must exceed GATEWAY_INIT_TIMEOUT (%s) plus GATEWAY_CALL_TIMEOUT (%s)",
			c.HTTPWriteTimeout, c.InitTimeout, c.CallTimeout))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Gateway returns the process settings for one gateway spawn.
func (c *Config) Gateway() gateway.Config {
	env := []string{
		"QUICKBASE_REALM_HOST=" + c.RealmHost,
		"QUICKBASE_USER_TOKEN=" + c.UserToken,
		"QUICKBASE_APP_ID=" + c.AppID,
	}
	return gateway.Config{
		Command:        c.GatewayCommand,
		Args:           c.GatewayArgs,
		Env:            append(env, c.GatewayEnv...),
		Dir:            c.GatewayDir,
		ClientName:     c.ClientName,
		ClientVersion:  c.ClientVersion,
		CallTimeout:    c.CallTimeout,
		InitTimeout:    c.InitTimeout,
		TerminateGrace: c.TerminateGrace,
	}
}

// Auth returns the token validation settings.
func (c *Config) Auth() auth.Config {
	return auth.Config{
		JWKSURL:  c.JWKSEndpoint,
		Secret:   c.AuthSecret,
		Audience: c.JWTAudience,
		Issuer:   c.JWTIssuer,
	}
}

// loadFile decodes the TOML file and expands ${VAR} references in its
// string values.
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fc, errors.Wrapf(err, "read config file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fc, errors.Newf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	g := &fc.Gateway
	g.Command = os.ExpandEnv(g.Command)
	g.Dir = os.ExpandEnv(g.Dir)
	g.RealmHost = os.ExpandEnv(g.RealmHost)
	g.UserToken = os.ExpandEnv(g.UserToken)
	g.AppID = os.ExpandEnv(g.AppID)
	for i, a := range g.Args {
		g.Args[i] = os.ExpandEnv(a)
	}
	for k, v := range g.Env {
		g.Env[k] = os.ExpandEnv(v)
	}
	return fc, nil
}

func envPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultSlice(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
// Day and week units such as "1d" are accepted.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := str2duration.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
