package config

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultSigningKey    = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultCacheCapacity = 10000
	defaultPushWorkers   = 4
	defaultPushQueueSize = 256
	defaultUnreadTTL     = 10 * time.Second
	defaultRelayChannel  = "collab:events"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	Env            string
	LogLevel       string
	MigrateOnStart bool

	CacheCapacity int
	UnreadTTL     time.Duration

	RedisURL     string
	RelayChannel string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushWorkers     int
	PushQueueSize   int
}

// Flags holds raw settings before validation.
type Flags struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningSecret  string
	AllowedOrigins []string
	Env            string
	LogLevel       string
	MigrateOnStart bool

	CacheCapacity int
	UnreadTTL     time.Duration

	RedisURL     string
	RelayChannel string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushWorkers     int
	PushQueueSize   int
}

// PushEnabled reports whether VAPID keys were configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != ""
}

// RelayEnabled reports whether cross-process fan-out is configured.
func (c *Config) RelayEnabled() bool {
	return c.RedisURL != ""
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(f Flags) (*Config, error) {
	if f.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if f.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if f.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(f.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if f.Env == "" {
		return nil, fmt.Errorf("env cannot be empty")
	}
	if !validLogLevels[f.LogLevel] {
		return nil, fmt.Errorf("invalid log level %q", f.LogLevel)
	}
	if f.CacheCapacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive")
	}
	if f.UnreadTTL <= 0 {
		return nil, fmt.Errorf("unread TTL must be positive")
	}

	if err := validateVAPID(f); err != nil {
		return nil, err
	}

	relayChannel := f.RelayChannel
	if relayChannel == "" {
		relayChannel = defaultRelayChannel
	}

	origins := make([]string, 0, len(f.AllowedOrigins))
	for _, o := range f.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		ServerAddr:      f.ServerAddr,
		DatabaseDSN:     f.DatabaseDSN,
		SigningKey:      signingKey,
		AllowedOrigins:  origins,
		Env:             f.Env,
		LogLevel:        f.LogLevel,
		MigrateOnStart:  f.MigrateOnStart,
		CacheCapacity:   f.CacheCapacity,
		UnreadTTL:       f.UnreadTTL,
		RedisURL:        f.RedisURL,
		RelayChannel:    relayChannel,
		VAPIDPublicKey:  f.VAPIDPublicKey,
		VAPIDPrivateKey: f.VAPIDPrivateKey,
		VAPIDSubject:    f.VAPIDSubject,
		PushWorkers:     f.PushWorkers,
		PushQueueSize:   f.PushQueueSize,
	}, nil
}

// validateVAPID requires the key pair and subject to be set together.
func validateVAPID(f Flags) error {
	set := 0
	for _, v := range []string{f.VAPIDPublicKey, f.VAPIDPrivateKey, f.VAPIDSubject} {
		if v != "" {
			set++
		}
	}

	switch set {
	case 0:
		return nil
	case 3:
	default:
		return errors.New("VAPID public key, private key and subject must be set together")
	}

	if !strings.HasPrefix(f.VAPIDSubject, "mailto:") && !strings.HasPrefix(f.VAPIDSubject, "https://") {
		return fmt.Errorf("VAPID subject must be a mailto: or https:// URL")
	}
	if f.PushWorkers <= 0 {
		return fmt.Errorf("push workers must be positive")
	}
	if f.PushQueueSize <= 0 {
		return fmt.Errorf("push queue size must be positive")
	}

	return nil
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

// Load parses command line arguments into a validated Config. Every flag
// defaults to an environment variable, and a .env file in the working
// directory is read first when present.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	var f Flags
	origins := stringSliceFlag{}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins.Set(v)
	}

	fs := flag.NewFlagSet("go-collab", flag.ContinueOnError)
	fs.StringVar(&f.ServerAddr, "addr", envString("SERVER_ADDR", "localhost:8000"), "server address")
	fs.StringVar(&f.DatabaseDSN, "dsn", envString("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	fs.StringVar(&f.SigningSecret, "signing-key", envString("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	fs.Var(&origins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.StringVar(&f.Env, "env", envString("APP_ENV", "development"), "runtime environment")
	fs.StringVar(&f.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fs.BoolVar(&f.MigrateOnStart, "migrate", envBool("MIGRATE_ON_START", false), "apply database migrations on startup")
	fs.IntVar(&f.CacheCapacity, "cache-capacity", envInt("CACHE_CAPACITY", defaultCacheCapacity), "maximum cached entries")
	fs.DurationVar(&f.UnreadTTL, "unread-ttl", envDuration("UNREAD_TTL", defaultUnreadTTL), "unread count cache lifetime")
	fs.StringVar(&f.RedisURL, "redis-url", envString("REDIS_URL", ""), "redis URL for cross-process fan-out")
	fs.StringVar(&f.RelayChannel, "relay-channel", envString("RELAY_CHANNEL", defaultRelayChannel), "redis channel for fan-out")
	fs.StringVar(&f.VAPIDPublicKey, "vapid-public-key", envString("VAPID_PUBLIC_KEY", ""), "VAPID public key")
	fs.StringVar(&f.VAPIDPrivateKey, "vapid-private-key", envString("VAPID_PRIVATE_KEY", ""), "VAPID private key")
	fs.StringVar(&f.VAPIDSubject, "vapid-subject", envString("VAPID_SUBJECT", ""), "VAPID subject (mailto: or https:// URL)")
	fs.IntVar(&f.PushWorkers, "push-workers", envInt("PUSH_WORKERS", defaultPushWorkers), "push delivery workers")
	fs.IntVar(&f.PushQueueSize, "push-queue", envInt("PUSH_QUEUE_SIZE", defaultPushQueueSize), "push delivery queue size")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.AllowedOrigins = origins

	return NewConfig(f)
}
