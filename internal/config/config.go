package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds settings for the relay server runtime.
type ServerConfig struct {
	ListenAddr    string
	TCPListenAddr string
	UploadDir     string
	Database      DatabaseConfig
	JWT           JWTConfig
	Log           LogConfig
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int
	SendQueueSize int
	NATSURL       string
	NATSSubject   string
	RedisAddr     string
	RedisPassword string
	PresenceTTL   time.Duration
	BcryptCost    int
}

// ClientConfig holds settings for the terminal client and the chat core it drives.
type ClientConfig struct {
	WSURL          string
	APIURL         string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	SendQueueSize  int
	MaxFrameBytes  int
	CommandPrefix  rune
	Log            LogConfig
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// LogConfig selects the zap encoder, level and optional rotating file.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// LoadServerConfig builds the server configuration from environment variables with sensible defaults.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:    envOrDefault("RESICHAT_LISTEN_ADDR", ":8080"),
		TCPListenAddr: envOrDefault("RESICHAT_TCP_LISTEN_ADDR", ""),
		UploadDir:     envOrDefault("RESICHAT_UPLOAD_DIR", "uploads"),
		Database:      DatabaseConfig{Path: envOrDefault("RESICHAT_DB_PATH", "resichat.db")},
		JWT:           loadJWTConfig(),
		Log: LogConfig{
			Level:  envOrDefault("RESICHAT_LOG_LEVEL", "info"),
			Format: envOrDefault("RESICHAT_LOG_FORMAT", "console"),
			File:   envOrDefault("RESICHAT_LOG_FILE", ""),
		},
		ReadTimeout:   envDuration("RESICHAT_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:  envDuration("RESICHAT_WRITE_TIMEOUT", 15*time.Second),
		MaxFrameBytes: envInt("RESICHAT_MAX_FRAME_BYTES", 1<<20),
		SendQueueSize: envInt("RESICHAT_SEND_QUEUE", 64),
		NATSURL:       envOrDefault("RESICHAT_NATS_URL", ""),
		NATSSubject:   envOrDefault("RESICHAT_NATS_SUBJECT", "resichat.rooms"),
		RedisAddr:     envOrDefault("RESICHAT_REDIS_ADDR", ""),
		RedisPassword: envOrDefault("RESICHAT_REDIS_PASSWORD", ""),
		PresenceTTL:   envDuration("RESICHAT_PRESENCE_TTL", 2*time.Minute),
		BcryptCost:    envInt("RESICHAT_BCRYPT_COST", 0),
	}
}

// LoadClientConfig builds the client configuration from environment variables.
func LoadClientConfig() ClientConfig {
	prefix := envOrDefault("RESICHAT_COMMAND_PREFIX", "/")
	runes := []rune(prefix)
	commandPrefix := '/'
	if len(runes) > 0 {
		commandPrefix = runes[0]
	}
	return ClientConfig{
		WSURL:          envOrDefault("RESICHAT_WS_URL", "ws://localhost:8080/ws"),
		APIURL:         envOrDefault("RESICHAT_API_URL", "http://localhost:8080"),
		DialTimeout:    envDuration("RESICHAT_DIAL_TIMEOUT", 5*time.Second),
		RequestTimeout: envDuration("RESICHAT_REQUEST_TIMEOUT", 10*time.Second),
		SendQueueSize:  envInt("RESICHAT_SEND_QUEUE", 32),
		MaxFrameBytes:  envInt("RESICHAT_MAX_FRAME_BYTES", 1<<20),
		CommandPrefix:  commandPrefix,
		Log: LogConfig{
			Level:  envOrDefault("RESICHAT_LOG_LEVEL", "debug"),
			Format: envOrDefault("RESICHAT_LOG_FORMAT", "json"),
			File:   envOrDefault("RESICHAT_LOG_FILE", "resichat-client.log"),
		},
	}
}

func loadJWTConfig() JWTConfig {
	expiration := envDuration("RESICHAT_JWT_EXPIRATION", 24*time.Hour)
	return JWTConfig{
		Secret:     envOrDefault("RESICHAT_JWT_SECRET", "replace-me"),
		Issuer:     envOrDefault("RESICHAT_JWT_ISSUER", "resichat"),
		Expiration: expiration,
	}
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return value
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(key string, def int) int {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return def
}
