package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultAPIBaseURL      = "https://api.sparebank1.no"
	DefaultTokenURL        = "https://api.sparebank1.no/oauth/token"
	DefaultAuthorizeURL    = "https://api.sparebank1.no/oauth/authorize"
	DefaultRedirectURI     = "https://my.home-assistant.io/redirect/oauth"
	DefaultCurrency        = "NOK"
	DefaultMaxAmount       = "200"
	DefaultHourlyCallLimit = 100
)

type BankConfig struct {
	APIBaseURL                string `koanf:"api_base_url" mapstructure:"api_base_url"`
	TokenURL                  string `koanf:"token_url" mapstructure:"token_url"`
	AuthorizeURL              string `koanf:"authorize_url" mapstructure:"authorize_url"`
	RedirectURI               string `koanf:"redirect_uri" mapstructure:"redirect_uri"`
	RequestTimeoutSeconds     int    `koanf:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	IncludeCreditCardAccounts bool   `koanf:"include_credit_card_accounts" mapstructure:"include_credit_card_accounts"`
}

type TokenConfig struct {
	RefreshMarginSeconds  int `koanf:"refresh_margin_seconds" mapstructure:"refresh_margin_seconds"`
	RefreshTimeoutSeconds int `koanf:"refresh_timeout_seconds" mapstructure:"refresh_timeout_seconds"`
}

type RateLimitConfig struct {
	HourlyLimit           int `koanf:"hourly_limit" mapstructure:"hourly_limit"`
	WindowSeconds         int `koanf:"window_seconds" mapstructure:"window_seconds"`
	MaxQueueWaitSeconds   int `koanf:"max_queue_wait_seconds" mapstructure:"max_queue_wait_seconds"`
	InitialBackoffSeconds int `koanf:"initial_backoff_seconds" mapstructure:"initial_backoff_seconds"`
	MaxBackoffSeconds     int `koanf:"max_backoff_seconds" mapstructure:"max_backoff_seconds"`
	QuietPeriodSeconds    int `koanf:"quiet_period_seconds" mapstructure:"quiet_period_seconds"`
}

type TransferConfig struct {
	DefaultCurrency              string `koanf:"default_currency" mapstructure:"default_currency"`
	DefaultMaxAmount             string `koanf:"default_max_amount" mapstructure:"default_max_amount"`
	Timezone                     string `koanf:"timezone" mapstructure:"timezone"`
	RefreshBalancesAfterTransfer bool   `koanf:"refresh_balances_after_transfer" mapstructure:"refresh_balances_after_transfer"`
}

type PollerConfig struct {
	IntervalSeconds int `koanf:"interval_seconds" mapstructure:"interval_seconds"`
}

type OutboxConfig struct {
	BatchSize             int `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts           int `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSeconds int `koanf:"initial_backoff_seconds" mapstructure:"initial_backoff_seconds"`
	MaxBackoffSeconds     int `koanf:"max_backoff_seconds" mapstructure:"max_backoff_seconds"`
	PollIntervalSeconds   int `koanf:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Bank        BankConfig      `koanf:"bank" mapstructure:"bank"`
	Token       TokenConfig     `koanf:"token" mapstructure:"token"`
	RateLimit   RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
	Transfer    TransferConfig  `koanf:"transfer" mapstructure:"transfer"`
	Poller      PollerConfig    `koanf:"poller" mapstructure:"poller"`
	Outbox      OutboxConfig    `koanf:"outbox" mapstructure:"outbox"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "pengerobot",
		Bank: BankConfig{
			APIBaseURL:                DefaultAPIBaseURL,
			TokenURL:                  DefaultTokenURL,
			AuthorizeURL:              DefaultAuthorizeURL,
			RedirectURI:               DefaultRedirectURI,
			RequestTimeoutSeconds:     30,
			IncludeCreditCardAccounts: true,
		},
		Token: TokenConfig{
			RefreshMarginSeconds:  300,
			RefreshTimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			HourlyLimit:           DefaultHourlyCallLimit,
			WindowSeconds:         3600,
			MaxQueueWaitSeconds:   30,
			InitialBackoffSeconds: 60,
			MaxBackoffSeconds:     3600,
			QuietPeriodSeconds:    3600,
		},
		Transfer: TransferConfig{
			DefaultCurrency:              DefaultCurrency,
			DefaultMaxAmount:             DefaultMaxAmount,
			Timezone:                     "Europe/Oslo",
			RefreshBalancesAfterTransfer: true,
		},
		Poller: PollerConfig{
			IntervalSeconds: 3600,
		},
		Outbox: OutboxConfig{
			BatchSize:             50,
			MaxAttempts:           5,
			InitialBackoffSeconds: 2,
			MaxBackoffSeconds:     300,
			PollIntervalSeconds:   5,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Bank.APIBaseURL) == "" {
		return fmt.Errorf("core: bank.api_base_url is required")
	}
	if strings.TrimSpace(c.Bank.TokenURL) == "" {
		return fmt.Errorf("core: bank.token_url is required")
	}
	if c.RateLimit.HourlyLimit <= 0 {
		return fmt.Errorf("core: rate_limit.hourly_limit must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("core: rate_limit.window_seconds must be positive")
	}
	if c.RateLimit.MaxBackoffSeconds < c.RateLimit.InitialBackoffSeconds {
		return fmt.Errorf("core: rate_limit.max_backoff_seconds must not be below initial_backoff_seconds")
	}
	if c.Token.RefreshMarginSeconds < 0 {
		return fmt.Errorf("core: token.refresh_margin_seconds must not be negative")
	}
	if !IsSupportedCurrency(c.Transfer.DefaultCurrency) {
		return fmt.Errorf("core: transfer.default_currency %q is not supported", c.Transfer.DefaultCurrency)
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(c.Transfer.DefaultMaxAmount)); err != nil {
		return fmt.Errorf("core: transfer.default_max_amount is invalid: %w", err)
	}
	if _, err := time.LoadLocation(c.Transfer.Timezone); err != nil {
		return fmt.Errorf("core: transfer.timezone is invalid: %w", err)
	}
	return nil
}

func (c Config) RefreshMargin() time.Duration {
	return seconds(c.Token.RefreshMarginSeconds, 0)
}

func (c Config) RefreshTimeout() time.Duration {
	return seconds(c.Token.RefreshTimeoutSeconds, 30*time.Second)
}

func (c Config) RequestTimeout() time.Duration {
	return seconds(c.Bank.RequestTimeoutSeconds, 30*time.Second)
}

func (c Config) PollInterval() time.Duration {
	return seconds(c.Poller.IntervalSeconds, time.Hour)
}

func (c Config) DefaultMaxAmountValue() decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(c.Transfer.DefaultMaxAmount))
	if err != nil {
		return decimal.RequireFromString(DefaultMaxAmount)
	}
	return value
}

func (c Config) Location() *time.Location {
	location, err := time.LoadLocation(strings.TrimSpace(c.Transfer.Timezone))
	if err != nil || location == nil {
		return time.UTC
	}
	return location
}

func seconds(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
