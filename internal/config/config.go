package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"github.com/Checker-Finance/escrow-market/internal/ledger"
	pkgconfig "github.com/Checker-Finance/escrow-market/pkg/config"
)

const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"

	SecretsAWS    = "aws"
	SecretsStatic = "static"
)

// Config holds the runtime configuration of one service instance.
type Config struct {
	ServiceName string // e.g. "escrow-market"
	Env         string // e.g. "dev", "uat", "prod"
	LogLevel    string
	Port        int
	StreamPort  int // 0 disables the websocket sale feed

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	// Ledger
	LedgerBackend string // "bolt" | "postgres"
	BoltPath      string
	DatabaseURL   string
	ProgramID     string // base58; empty uses authority.DefaultMarketID
	RentSale      uint64
	RentSlot      uint64
	RentAsset     uint64

	PGMaxConns          int
	PGMinConns          int
	PGMaxConnLifetime   time.Duration
	PGMaxConnIdleTime   time.Duration
	PGHealthCheckPeriod time.Duration

	// Listing cache
	RedisAddr            string
	RedisDB              int
	RedisPass            string
	ListingCacheTTL      time.Duration
	CacheRefreshInterval time.Duration

	// Events
	NATSURL       string
	EventsSubject string // subject prefix; empty publishes on evt.sale.*
	AMQPURL       string // empty disables the RabbitMQ sink
	AMQPQueue     string

	// Request authentication
	SignatureMaxSkew  time.Duration
	RateRPS           int
	RateBurst         int
	ClientAuthEnabled bool
	SecretsProvider   string // "aws" | "static"
	IntegratorKeys    string // static provider entries, "client:key,..."
	AWSRegion         string
	AWSEndpoint       string
	SecretsCacheTTL   time.Duration
	SecretsMissTTL    time.Duration // how long an unknown client id is remembered
	CleanupFreq       time.Duration

	FaucetEnabled bool
	FaucetMax     uint64
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName:      pkgconfig.GetEnv("SERVICE_NAME", "escrow-market"),
		Env:              pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:         pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Port:             pkgconfig.GetEnvInt("PORT", 9020),
		StreamPort:       pkgconfig.GetEnvInt("STREAM_PORT", 9021),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 64*1024),

		LedgerBackend: pkgconfig.GetEnv("LEDGER_BACKEND", BackendBolt),
		BoltPath:      pkgconfig.GetEnv("BOLT_PATH", "data/ledger.db"),
		DatabaseURL:   pkgconfig.GetEnv("DATABASE_URL", ""),
		ProgramID:     pkgconfig.GetEnv("PROGRAM_ID", ""),
		RentSale:      pkgconfig.GetEnvUint64("RENT_SALE", 1_224_960),
		RentSlot:      pkgconfig.GetEnvUint64("RENT_SLOT", 2_039_280),
		RentAsset:     pkgconfig.GetEnvUint64("RENT_ASSET", 1_461_600),

		PGMaxConns:          pkgconfig.GetEnvInt("PG_MAX_CONNS", 10),
		PGMinConns:          pkgconfig.GetEnvInt("PG_MIN_CONNS", 2),
		PGMaxConnLifetime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_LIFETIME", 30*time.Minute),
		PGMaxConnIdleTime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_IDLE_TIME", 5*time.Minute),
		PGHealthCheckPeriod: pkgconfig.GetEnvDuration("PG_HEALTH_CHECK_PERIOD", 1*time.Minute),

		RedisAddr:            pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass:            pkgconfig.GetEnv("REDIS_PASS", ""),
		ListingCacheTTL:      pkgconfig.GetEnvDuration("LISTING_CACHE_TTL", 10*time.Minute),
		CacheRefreshInterval: pkgconfig.GetEnvDuration("CACHE_REFRESH_INTERVAL", 1*time.Minute),

		NATSURL:       pkgconfig.GetEnv("NATS_URL", "nats://localhost:4222"),
		EventsSubject: pkgconfig.GetEnv("EVENTS_SUBJECT", ""),
		AMQPURL:       pkgconfig.GetEnv("AMQP_URL", ""),
		AMQPQueue:     pkgconfig.GetEnv("AMQP_QUEUE", "escrow.sale.events"),

		SignatureMaxSkew:  pkgconfig.GetEnvDuration("SIGNATURE_MAX_SKEW", 30*time.Second),
		RateRPS:           pkgconfig.GetEnvInt("RATE_RPS", 5),
		RateBurst:         pkgconfig.GetEnvInt("RATE_BURST", 10),
		ClientAuthEnabled: pkgconfig.GetEnvBool("CLIENT_AUTH_ENABLED", false),
		SecretsProvider:   pkgconfig.GetEnv("SECRETS_PROVIDER", SecretsAWS),
		IntegratorKeys:    pkgconfig.GetEnv("INTEGRATOR_KEYS", ""),
		AWSRegion:         pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		AWSEndpoint:       pkgconfig.GetEnv("AWS_ENDPOINT_URL", ""),
		SecretsCacheTTL:   pkgconfig.GetEnvDuration("SECRETS_CACHE_TTL", 15*time.Minute),
		SecretsMissTTL:    pkgconfig.GetEnvDuration("SECRETS_MISS_TTL", 30*time.Second),
		CleanupFreq:       pkgconfig.GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),

		FaucetEnabled: pkgconfig.GetEnvBool("FAUCET_ENABLED", false),
		FaucetMax:     pkgconfig.GetEnvUint64("FAUCET_MAX_LAMPORTS", 10_000_000_000),
	}
}

// Validate reports settings that would prevent the service from starting.
func (c *Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case BackendBolt:
		if c.BoltPath == "" {
			errs = append(errs, errors.New("BOLT_PATH is required for the bolt ledger"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND %q: want %q or %q", c.LedgerBackend, BackendBolt, BackendPostgres))
	}
	if c.RateRPS <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("RATE_RPS and RATE_BURST must be positive"))
	}
	if c.SignatureMaxSkew <= 0 {
		errs = append(errs, errors.New("SIGNATURE_MAX_SKEW must be positive"))
	}
	if c.ClientAuthEnabled {
		switch c.SecretsProvider {
		case SecretsAWS:
		case SecretsStatic:
			if c.IntegratorKeys == "" {
				errs = append(errs, errors.New("INTEGRATOR_KEYS is required for the static secrets provider"))
			}
		default:
			errs = append(errs, fmt.Errorf("SECRETS_PROVIDER %q: want %q or %q", c.SecretsProvider, SecretsAWS, SecretsStatic))
		}
	}
	if c.StreamPort != 0 && c.StreamPort == c.Port {
		errs = append(errs, errors.New("STREAM_PORT must differ from PORT"))
	}
	if c.FaucetEnabled && c.Env == "prod" {
		errs = append(errs, errors.New("FAUCET_ENABLED is not allowed in prod"))
	}
	return errors.Join(errs...)
}

// Rent returns the record deposits charged by the ledger.
func (c *Config) Rent() ledger.Rent {
	return ledger.Rent{Sale: c.RentSale, Slot: c.RentSlot, Asset: c.RentAsset}
}
