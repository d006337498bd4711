package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string

	YookassaShopID string
	YookassaKey    string
	AllowedYooIp   []string
	// TrustedProxies are the CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string

	HTTPAddr    string
	LogLevel    string
	Environment string

	Billing BillingConfig
	Jobs    JobsConfig
}

// BillingConfig drives payment reconciliation.
type BillingConfig struct {
	// Protocol is the VPN product kind subscription payments must carry.
	Protocol             string
	GracePeriod          time.Duration
	RecentPurchaseWindow time.Duration
	ExpiryTolerance      time.Duration
	ProvisionTimeout     time.Duration
	NotifyTimeout        time.Duration
	LinkRetries          int
	MinKeyRatio          float64
	MaxTerm              time.Duration
}

type JobsConfig struct {
	EnforceInterval time.Duration
	RepairInterval  time.Duration
	ExpiryInterval  time.Duration
	RetryInterval   time.Duration
	RetryMinAge     time.Duration
	TrafficGrace    time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "vpnshop"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		RedisHost:      getEnv("REDIS_HOST", "localhost"),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		BotToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		YookassaShopID: getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:    getEnv("YOOKASSA_SECRET_KEY", ""),
		AllowedYooIp: []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.11/32",
			"77.75.156.35/32",
			"77.75.154.128/25",
			"2a02:5180::/32",
		},
		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Environment:    getEnv("APP_ENV", "production"),
		Billing: BillingConfig{
			Protocol:             getEnv("SUBSCRIPTION_PROTOCOL", "v2ray"),
			GracePeriod:          getEnvDuration("GRACE_PERIOD", 24*time.Hour),
			RecentPurchaseWindow: getEnvDuration("RECENT_PURCHASE_WINDOW", time.Hour),
			ExpiryTolerance:      getEnvDuration("EXPIRY_TOLERANCE", 5*time.Minute),
			ProvisionTimeout:     getEnvDuration("PROVISION_TIMEOUT", 15*time.Second),
			NotifyTimeout:        getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
			LinkRetries:          getEnvInt("LINK_RETRIES", 3),
			MinKeyRatio:          getEnvFloat("MIN_KEY_RATIO", 0),
			MaxTerm:              getEnvDuration("MAX_TERM", 10*365*24*time.Hour),
		},
		Jobs: JobsConfig{
			EnforceInterval: getEnvDuration("ENFORCE_INTERVAL", 10*time.Minute),
			RepairInterval:  getEnvDuration("REPAIR_INTERVAL", 30*time.Minute),
			ExpiryInterval:  getEnvDuration("EXPIRY_INTERVAL", time.Hour),
			RetryInterval:   getEnvDuration("RETRY_INTERVAL", 5*time.Minute),
			RetryMinAge:     getEnvDuration("RETRY_MIN_AGE", 2*time.Minute),
			TrafficGrace:    getEnvDuration("TRAFFIC_GRACE", 24*time.Hour),
		},
	}
}

// Validate checks what the long-running server needs. One-off CLI commands skip it.
func (c *Config) Validate() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.YookassaShopID == "" || c.YookassaKey == "" {
		errs = append(errs, errors.New("YOOKASSA_SHOP_ID and YOOKASSA_SECRET_KEY are required"))
	}
	if c.Billing.MinKeyRatio < 0 || c.Billing.MinKeyRatio > 1 {
		errs = append(errs, errors.New("MIN_KEY_RATIO must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvList reads a comma-separated list, dropping blank items.
func getEnvList(key string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
		log.Printf("Invalid integer for %s: %q, using %d", key, value, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
		log.Printf("Invalid number for %s: %q, using %v", key, value, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
		log.Printf("Invalid duration for %s: %q, using %s", key, value, fallback)
	}
	return fallback
}
