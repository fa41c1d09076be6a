package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Room      RoomConfig
	Library   LibraryConfig
	Discovery DiscoveryConfig
	Relay     RelayConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
}

type RoomConfig struct {
	Name             string
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
}

type LibraryConfig struct {
	Dir string
}

type DiscoveryConfig struct {
	ServiceName string
	Disabled    bool
}

type RelayConfig struct {
	MaxFileMB       int
	ChunkSize       int
	InterChunkYield time.Duration
	TransferTTL     time.Duration
	TerminalGrace   time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// MaxFileBytes returns the per-file share limit in bytes.
func (r RelayConfig) MaxFileBytes() int64 {
	return int64(r.MaxFileMB) * 1024 * 1024
}

// MaxFrameBytes is the inbound WebSocket read limit: the largest legal file
// plus headroom for the binary frame header and control-message overhead.
func (r RelayConfig) MaxFrameBytes() int64 {
	return r.MaxFileBytes() + 64*1024
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnvInt("PORT", 8787),
			WriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SEC", 10)) * time.Second,
			PongTimeout:     time.Duration(getEnvInt("WS_PONG_TIMEOUT_SEC", 60)) * time.Second,
			PingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_SEC", 54)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
		},
		Room: RoomConfig{
			Name:             getEnv("ROOM_NAME", "Pandemic Venue"),
			HeartbeatTimeout: time.Duration(getEnvInt("HEARTBEAT_TIMEOUT_SEC", 60)) * time.Second,
			CleanupInterval:  time.Duration(getEnvInt("CLEANUP_INTERVAL_SEC", 15)) * time.Second,
		},
		Library: LibraryConfig{
			Dir: getEnv("LIBRARY_DIR", ""),
		},
		Discovery: DiscoveryConfig{
			ServiceName: getEnv("SERVICE_NAME", "Pandemic Venue Host"),
			Disabled:    getEnvBool("DISABLE_MDNS", false),
		},
		Relay: RelayConfig{
			MaxFileMB:       getEnvInt("MAX_FILE_MB", 50),
			ChunkSize:       getEnvInt("CHUNK_SIZE_BYTES", 64*1024),
			InterChunkYield: time.Duration(getEnvInt("INTER_CHUNK_YIELD_MS", 5)) * time.Millisecond,
			TransferTTL:     time.Duration(getEnvInt("TRANSFER_TTL_SEC", 300)) * time.Second,
			TerminalGrace:   time.Duration(getEnvInt("TRANSFER_GRACE_SEC", 5)) * time.Second,
			RateLimitPerSec: float64(getEnvInt("RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
