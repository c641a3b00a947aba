package config

import (
	"fmt"
	"time"
)

// CommonConfig holds settings shared by every service instance.
type CommonConfig struct {
	Port        string
	RedisURL    string
	DatabaseURL string
	JWTSecret   string
	JWTExpiry   time.Duration
	LogLevel    string
	LogFormat   string
}

// LoadCommon reads the shared configuration from the environment.
func LoadCommon() (CommonConfig, error) {
	cfg := CommonConfig{
		Port:        GetEnv("PORT", "8080"),
		RedisURL:    GetEnv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		JWTSecret:   GetEnv("JWT_SECRET", ""),
		JWTExpiry:   GetEnvDuration("JWT_EXPIRY", 24*time.Hour),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		LogFormat:   GetEnv("LOG_FORMAT", "json"),
	}

	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return cfg, fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if cfg.JWTExpiry <= 0 {
		return cfg, fmt.Errorf("JWT_EXPIRY must be > 0")
	}
	return cfg, nil
}

// ChatConfig holds the chat service settings.
type ChatConfig struct {
	MaxConnectionsPerUser int
	OutboundQueueSize     int
	MessageRateLimit      int
	MessageRateWindow     time.Duration
	OfflineQueueTTL       time.Duration
	TypingTTL             time.Duration
	HeartbeatInterval     time.Duration
	IdleTimeout           time.Duration
}

// LoadChat reads the chat service configuration from the environment.
func LoadChat() ChatConfig {
	return ChatConfig{
		MaxConnectionsPerUser: GetEnvInt("CHAT_MAX_CONNECTIONS_PER_USER", 5),
		OutboundQueueSize:     GetEnvInt("CHAT_OUTBOUND_QUEUE_SIZE", 256),
		MessageRateLimit:      GetEnvInt("CHAT_MESSAGE_RATE_LIMIT", 60),
		MessageRateWindow:     GetEnvDuration("CHAT_MESSAGE_RATE_WINDOW", time.Minute),
		OfflineQueueTTL:       GetEnvDuration("CHAT_OFFLINE_QUEUE_TTL", 7*24*time.Hour),
		TypingTTL:             GetEnvDuration("CHAT_TYPING_TTL", 10*time.Second),
		HeartbeatInterval:     GetEnvDuration("CHAT_HEARTBEAT_INTERVAL", 30*time.Second),
		IdleTimeout:           GetEnvDuration("CHAT_IDLE_TIMEOUT", 60*time.Second),
	}
}

// VideoConfig holds the video signaling service settings.
type VideoConfig struct {
	MaxParticipants   int
	InactivityTimeout time.Duration
	ConnectGrace      time.Duration
	MetricsTTL        time.Duration
	TURNSecret        string
	TURNServers       []string
	STUNServers       []string
	CredentialTTL     time.Duration
}

// LoadVideo reads the video service configuration from the environment.
func LoadVideo() VideoConfig {
	return VideoConfig{
		MaxParticipants:   GetEnvInt("VIDEO_MAX_PARTICIPANTS", 10),
		InactivityTimeout: GetEnvDuration("VIDEO_INACTIVITY_TIMEOUT", 5*time.Minute),
		ConnectGrace:      GetEnvDuration("VIDEO_CONNECT_GRACE", 30*time.Second),
		MetricsTTL:        GetEnvDuration("VIDEO_METRICS_TTL", time.Hour),
		TURNSecret:        GetEnv("TURN_SECRET", ""),
		TURNServers:       GetEnvCSV("TURN_SERVERS", []string{"turn:turn.linkwithmentor.com:3478"}),
		STUNServers:       GetEnvCSV("STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		CredentialTTL:     GetEnvDuration("TURN_CREDENTIAL_TTL", 24*time.Hour),
	}
}

// GatewayConfig holds the API gateway settings.
type GatewayConfig struct {
	IPRateLimitPerMin    int
	IPRateLimitPerSec    int
	UserRateLimit        int
	AuthedRateMultiplier int
	MaxHeaderLength      int
	BlocklistTTL         time.Duration
	CircuitMaxFailures   int
	CircuitCooldown      time.Duration
	CircuitProbeQuota    int
	HealthCheckInterval  time.Duration
	TokenCacheTTL        time.Duration
}

// LoadGateway reads the gateway configuration from the environment.
func LoadGateway() GatewayConfig {
	return GatewayConfig{
		IPRateLimitPerMin:    GetEnvInt("GATEWAY_IP_RATE_LIMIT_PER_MIN", 100),
		IPRateLimitPerSec:    GetEnvInt("GATEWAY_IP_RATE_LIMIT_PER_SEC", 20),
		UserRateLimit:        GetEnvInt("GATEWAY_USER_RATE_LIMIT", 10),
		AuthedRateMultiplier: GetEnvInt("GATEWAY_AUTHED_RATE_MULTIPLIER", 5),
		MaxHeaderLength:      GetEnvInt("GATEWAY_MAX_HEADER_LENGTH", 8192),
		BlocklistTTL:         GetEnvDuration("GATEWAY_BLOCKLIST_TTL", time.Hour),
		CircuitMaxFailures:   GetEnvInt("GATEWAY_CIRCUIT_MAX_FAILURES", 5),
		CircuitCooldown:      GetEnvDuration("GATEWAY_CIRCUIT_COOLDOWN", 60*time.Second),
		CircuitProbeQuota:    GetEnvInt("GATEWAY_CIRCUIT_PROBE_QUOTA", 3),
		HealthCheckInterval:  GetEnvDuration("GATEWAY_HEALTH_CHECK_INTERVAL", 30*time.Second),
		TokenCacheTTL:        GetEnvDuration("GATEWAY_TOKEN_CACHE_TTL", 30*time.Second),
	}
}

// SagaConfig holds the saga coordinator settings.
type SagaConfig struct {
	LockLease       time.Duration
	BaseBackoff     time.Duration
	DefaultTimeout  time.Duration
	ResumeInterval  time.Duration
	HTTPTimeout     time.Duration
}

// LoadSaga reads the saga coordinator configuration from the environment.
func LoadSaga() SagaConfig {
	return SagaConfig{
		LockLease:      GetEnvDuration("SAGA_LOCK_LEASE", 30*time.Second),
		BaseBackoff:    GetEnvDuration("SAGA_BASE_BACKOFF", time.Second),
		DefaultTimeout: GetEnvDuration("SAGA_DEFAULT_TIMEOUT", 30*time.Second),
		ResumeInterval: GetEnvDuration("SAGA_RESUME_INTERVAL", time.Minute),
		HTTPTimeout:    GetEnvDuration("SAGA_HTTP_TIMEOUT", 30*time.Second),
	}
}
