package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pack is one purchasable token bundle. Prices are integer cents.
type Pack struct {
	Tokens     int64 `mapstructure:"tokens" json:"tokens"`
	PriceCents int64 `mapstructure:"price_cents" json:"priceCents"`
}

// Config holds every recognized option. It is constructed once in main and
// never mutated afterwards; the refresh policy is a process restart. Nothing
// in the service reads the environment after Load returns.
type Config struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	PGDSN          string `mapstructure:"pg_dsn"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`

	FreeScanLimit     int             `mapstructure:"free_scan_limit"`
	InitialFreeTokens int64           `mapstructure:"initial_free_tokens"`
	Packs             map[string]Pack `mapstructure:"packs"`

	AuthVerifySecret      string        `mapstructure:"auth_verify_secret"`
	GuestCredentialSecret string        `mapstructure:"guest_credential_secret"`
	IdentityBaseURL       string        `mapstructure:"identity_base_url"`
	IdentityTimeout       time.Duration `mapstructure:"identity_timeout"`

	DetectBaseURL string        `mapstructure:"detect_base_url"`
	DetectTimeout time.Duration `mapstructure:"detect_timeout"`
	AuthenticMax  float64       `mapstructure:"authentic_max"`
	FlaggedMin    float64       `mapstructure:"flagged_min"`

	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`

	ScanRetentionDays int           `mapstructure:"scan_retention_days"`
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`

	RateBurst    int   `mapstructure:"rate_burst"`
	RatePerSec   int   `mapstructure:"rate_per_sec"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// DefaultPacks is the token pack table shipped with the service. Deployments
// override it through the config file.
func DefaultPacks() map[string]Pack {
	return map[string]Pack{
		"pack_15":  {Tokens: 15, PriceCents: 499},
		"pack_50":  {Tokens: 50, PriceCents: 999},
		"pack_100": {Tokens: 100, PriceCents: 1699},
	}
}

// Load reads configuration from an optional veriscan.yaml in the given paths
// and from VERISCAN_* environment variables (env wins). Every key has a
// default so AutomaticEnv can resolve it.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("veriscan")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if len(paths) == 0 {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VERISCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine; env + defaults carry the service.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Packs) == 0 {
		cfg.Packs = DefaultPacks()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("pg_dsn", "")
	v.SetDefault("migrate_on_start", false)

	v.SetDefault("free_scan_limit", 5)
	v.SetDefault("initial_free_tokens", 5)

	v.SetDefault("auth_verify_secret", "")
	v.SetDefault("guest_credential_secret", "")
	v.SetDefault("identity_base_url", "")
	v.SetDefault("identity_timeout", 10*time.Second)

	v.SetDefault("detect_base_url", "")
	v.SetDefault("detect_timeout", 30*time.Second)
	v.SetDefault("authentic_max", 0.3)
	v.SetDefault("flagged_min", 0.7)

	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")

	v.SetDefault("scan_retention_days", 90)
	v.SetDefault("store_timeout", 5*time.Second)

	v.SetDefault("rate_burst", 20)
	v.SetDefault("rate_per_sec", 10)
	v.SetDefault("max_body_bytes", int64(8<<20))
}

// Validate rejects configurations the accounting core cannot run with.
func (c *Config) Validate() error {
	if c.FreeScanLimit < 0 {
		return errors.New("config: free_scan_limit must be >= 0")
	}
	if c.InitialFreeTokens < 0 {
		return errors.New("config: initial_free_tokens must be >= 0")
	}
	if c.AuthenticMax < 0 || c.AuthenticMax > 1 || c.FlaggedMin < 0 || c.FlaggedMin > 1 {
		return errors.New("config: detection thresholds must be within [0,1]")
	}
	if c.AuthenticMax > c.FlaggedMin {
		return errors.New("config: authentic_max must not exceed flagged_min")
	}
	for id, pack := range c.Packs {
		if strings.TrimSpace(id) == "" {
			return errors.New("config: pack id must not be empty")
		}
		if pack.Tokens <= 0 {
			return fmt.Errorf("config: pack %s must grant a positive token count", id)
		}
		if pack.PriceCents < 0 {
			return fmt.Errorf("config: pack %s has a negative price", id)
		}
	}
	if c.ScanRetentionDays < 0 {
		return errors.New("config: scan_retention_days must be >= 0")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: max_body_bytes must be positive")
	}
	return nil
}

// ScanRetention converts the retention setting into a duration; 0 disables
// record expiry.
func (c *Config) ScanRetention() time.Duration {
	return time.Duration(c.ScanRetentionDays) * 24 * time.Hour
}
