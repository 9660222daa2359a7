package config

import (
	"fmt"     // DSN formatting
	"os"      // For environment variables
	"strconv" // For string to number conversion
	"strings" // List parsing
	"time"    // Durations

	"github.com/joho/godotenv"      // For loading .env files
	"github.com/shopspring/decimal" // Fee rates
	"github.com/sirupsen/logrus"    // Warnings on bad values

	"rift_escrow/internal/domain" // Item types
)

// Config holds the application configuration
type Config struct {
	AppPort string // Application port
	IsProd  bool   // Is production environment

	DBDriver   string // mysql or postgres
	DBUser     string // Database user
	DBPassword string // Database password
	DBHost     string // Database host
	DBPort     string // Database port
	DBName     string // Database name
	DBSSLMode  string // Postgres sslmode

	JWTSecret string // JWT secret key

	RedisAddr string        // Redis server address
	RedisPass string        // Redis password
	RedisDB   int           // Redis database number
	CacheTTL  time.Duration // Balance and history cache lifetime
	LockTTL   time.Duration // Per-transaction lock lease; must outlast a payment call with retries

	S3Bucket     string        // Vault and evidence bucket
	S3Region     string        // Bucket region
	S3Endpoint   string        // Custom endpoint (MinIO, localstack)
	S3AccessKey  string        // Static credentials, optional
	S3SecretKey  string        // Static credentials, optional
	SignedURLTTL time.Duration // Lifetime of presigned download URLs

	VaultKey string // Hex encoded 32-byte key sealing vault secrets

	KafkaBrokers []string // Event brokers; empty logs events instead
	KafkaTopic   string   // Domain event topic

	ReviewWindows   map[domain.ItemType]time.Duration // Auto-release delay after proof
	PayoutHold      time.Duration                     // Released credit stays pending this long
	SellerFeeRate   decimal.Decimal                   // Default platform cut
	DisputeCooldown time.Duration                     // Wait after a dispute closed against the opener
	DeclarationText string                            // Sworn declaration confirmation text
	TriageThreshold float64                           // Auto-reject score
	TriageWeights   map[string]float64                // Per-rule weights, overrides defaults

	PaymentTimeout time.Duration // Per external call
	PaymentRetries uint64        // Retries for retryable failures

	AutoReleaseSchedule string // Cron spec
	PayoutSchedule      string // Cron spec
	ReconcileSchedule   string // Cron spec

	RateLimitRPS   float64 // Requests per second per caller
	RateLimitBurst int     // Burst per caller
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	_ = godotenv.Load() // Load .env file if present
	digital := durationEnv("REVIEW_WINDOW_DEFAULT", 24*time.Hour)
	return &Config{
		AppPort: getEnv("APP_PORT", "8080"),     // Application port
		IsProd:  os.Getenv("IS_PROD") == "true", // Is production environment

		DBDriver:   getEnv("DB_DRIVER", "mysql"),    // Database driver
		DBUser:     os.Getenv("DB_USER"),            // Database user
		DBPassword: os.Getenv("DB_PASSWORD"),        // Database password
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),  // Database host
		DBPort:     os.Getenv("DB_PORT"),            // Database port
		DBName:     os.Getenv("DB_NAME"),            // Database name
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"), // Postgres sslmode

		JWTSecret: os.Getenv("JWT_SECRET"), // JWT secret key

		RedisAddr: getEnv("REDIS_ADDR", "127.0.0.1:6379"), // Redis server address
		RedisPass: os.Getenv("REDIS_PASS"),                // Redis password
		RedisDB:   intEnv("REDIS_DB", 0),                  // Redis database number
		CacheTTL:  durationEnv("CACHE_TTL", 30*time.Second),
		LockTTL:   durationEnv("LOCK_TTL", 2*time.Minute),

		S3Bucket:     os.Getenv("S3_BUCKET"),
		S3Region:     getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3AccessKey:  os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("S3_SECRET_KEY"),
		SignedURLTTL: durationEnv("SIGNED_URL_TTL", 15*time.Minute),

		VaultKey: os.Getenv("VAULT_KEY"),

		KafkaBrokers: listEnv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "escrow.events"),

		ReviewWindows: map[domain.ItemType]time.Duration{
			domain.ItemDigital:     durationEnv("REVIEW_WINDOW_DIGITAL", digital),
			domain.ItemTickets:     durationEnv("REVIEW_WINDOW_TICKETS", digital),
			domain.ItemServices:    durationEnv("REVIEW_WINDOW_SERVICES", digital),
			domain.ItemLicenseKeys: durationEnv("REVIEW_WINDOW_LICENSE_KEYS", digital),
			domain.ItemPhysical:    durationEnv("REVIEW_WINDOW_PHYSICAL", 48*time.Hour),
		},
		PayoutHold:      durationEnv("PAYOUT_HOLD", 0),
		SellerFeeRate:   decimalEnv("SELLER_FEE_RATE", decimal.RequireFromString("0.05")),
		DisputeCooldown: durationEnv("DISPUTE_COOLDOWN", 24*time.Hour),
		DeclarationText: os.Getenv("DISPUTE_DECLARATION_TEXT"),
		TriageThreshold: floatEnv("TRIAGE_THRESHOLD", 0.6),
		TriageWeights:   weightsEnv("TRIAGE_WEIGHTS"),

		PaymentTimeout: durationEnv("PAYMENT_TIMEOUT", 10*time.Second),
		PaymentRetries: uint64(intEnv("PAYMENT_RETRIES", 3)),

		AutoReleaseSchedule: getEnv("JOB_AUTO_RELEASE", "@every 1m"),
		PayoutSchedule:      getEnv("JOB_PAYOUTS", "@every 5m"),
		ReconcileSchedule:   getEnv("JOB_RECONCILE", "@every 10m"),

		RateLimitRPS:   floatEnv("RATE_LIMIT_RPS", 10),
		RateLimitBurst: intEnv("RATE_LIMIT_BURST", 20),
	}
}

// LockLease returns LockTTL raised to cover work that may hold the lock for up to budget
// plus a margin for the database writes around it
func (c *Config) LockLease(budget time.Duration) time.Duration {
	need := budget + lockMargin
	if c.LockTTL < need {
		logrus.Warnf("config: LOCK_TTL=%s is shorter than a payment call can take, using %s", c.LockTTL, need)
		return need
	}
	return c.LockTTL
}

const lockMargin = 15 * time.Second

// DSN builds the data source name for the configured driver
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
	}
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true&loc=UTC"
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("config: %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.Warnf("config: %s=%q is not a number, using %v", key, v, def)
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("config: %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

func decimalEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		logrus.Warnf("config: %s=%q is not a decimal, using %s", key, v, def)
		return def
	}
	return d
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// weightsEnv parses "rule=0.6,other_rule=-0.5"
func weightsEnv(key string) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range listEnv(key) {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			logrus.Warnf("config: %s entry %q is not name=weight", key, pair)
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			logrus.Warnf("config: %s entry %q has a bad weight", key, pair)
			continue
		}
		out[strings.TrimSpace(name)] = w
	}
	return out
}
