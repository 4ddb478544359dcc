package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Settings holds the process level configuration that sits next to the
// core sections of the config file.
type Settings struct {
	Logging   LoggingSettings    `toml:"logging"`
	Storage   StorageSettings    `toml:"storage"`
	HTTP      HTTPSettings       `toml:"http"`
	Events    EventsSettings     `toml:"events"`
	Security  SecuritySettings   `toml:"security"`
	Instances []InstanceSettings `toml:"instances"`
}

type LoggingSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type StorageSettings struct {
	Driver          string `toml:"driver"`
	DSN             string `toml:"dsn"`
	Debug           bool   `toml:"debug"`
	Migrate         bool   `toml:"migrate"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

type HTTPSettings struct {
	Addr                  string `toml:"addr"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	Metrics               bool   `toml:"metrics"`
}

type EventsSettings struct {
	Log            bool              `toml:"log"`
	WebhookURL     string            `toml:"webhook_url"`
	WebhookSecret  string            `toml:"webhook_secret"`
	TimeoutSeconds int               `toml:"webhook_timeout_seconds"`
	Headers        map[string]string `toml:"webhook_headers"`
}

type SecuritySettings struct {
	AppKey     string        `toml:"app_key"`
	KeyID      string        `toml:"key_id"`
	KeyVersion int           `toml:"key_version"`
	Previous   []KeySettings `toml:"previous"`
}

// KeySettings names a retired application key that still decrypts rows
// sealed before the rotation.
type KeySettings struct {
	Key     string `toml:"key"`
	KeyID   string `toml:"key_id"`
	Version int    `toml:"version"`
}

// InstanceSettings seeds an instance at startup.
type InstanceSettings struct {
	ID                string   `toml:"id"`
	Name              string   `toml:"name"`
	CredentialRef     string   `toml:"credential_ref"`
	ClientID          string   `toml:"client_id"`
	ClientSecret      string   `toml:"client_secret"`
	DefaultCurrency   string   `toml:"default_currency"`
	MaxAmount         string   `toml:"max_amount"`
	MonitoredAccounts []string `toml:"monitored_accounts"`
}

func DefaultSettings() Settings {
	return Settings{
		Logging: LoggingSettings{Level: "info", Format: "text"},
		Storage: StorageSettings{
			Driver:          DriverSQLite,
			DSN:             "file:pengerobot.db?_foreign_keys=on",
			Migrate:         true,
			CacheTTLSeconds: 60,
		},
		HTTP: HTTPSettings{
			Addr:                  "127.0.0.1:8089",
			RequestTimeoutSeconds: 120,
			Metrics:               true,
		},
		Events: EventsSettings{Log: true, TimeoutSeconds: 5},
	}
}

func (s Settings) Validate() error {
	fields := map[string]string{}
	switch strings.ToLower(strings.TrimSpace(s.Storage.Driver)) {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(s.Storage.DSN) == "" {
			fields["storage.dsn"] = "required for sql storage"
		}
		if strings.TrimSpace(s.Security.AppKey) == "" {
			fields["security.app_key"] = "required for sql storage"
		}
	default:
		fields["storage.driver"] = "must be memory, sqlite3 or postgres"
	}
	if s.Storage.CacheTTLSeconds < 0 {
		fields["storage.cache_ttl_seconds"] = "must not be negative"
	}
	seen := map[string]bool{}
	for i, instance := range s.Instances {
		id := strings.TrimSpace(instance.ID)
		key := fmt.Sprintf("instances[%d]", i)
		if id == "" {
			fields[key+".id"] = "required"
			continue
		}
		if seen[id] {
			fields[key+".id"] = "duplicate instance id"
		}
		seen[id] = true
		if _, err := instance.maxAmount(); err != nil {
			fields[key+".max_amount"] = "must be a decimal amount"
		}
	}
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)
	errs := make([]goerrors.FieldError, 0, len(names))
	for _, field := range names {
		errs = append(errs, goerrors.FieldError{Field: field, Message: fields[field]})
	}
	return core.NewValidationError("invalid settings", errs...)
}

func (s Settings) driver() string {
	return strings.ToLower(strings.TrimSpace(s.Storage.Driver))
}

func (s Settings) cacheTTL() time.Duration {
	return time.Duration(s.Storage.CacheTTLSeconds) * time.Second
}

func (s Settings) httpRequestTimeout() time.Duration {
	if s.HTTP.RequestTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.HTTP.RequestTimeoutSeconds) * time.Second
}

func (s Settings) webhookTimeout() time.Duration {
	if s.Events.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.Events.TimeoutSeconds) * time.Second
}

func (i InstanceSettings) maxAmount() (decimal.Decimal, error) {
	value := strings.TrimSpace(i.MaxAmount)
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func (i InstanceSettings) request() (core.RegisterInstanceRequest, error) {
	maxAmount, err := i.maxAmount()
	if err != nil {
		return core.RegisterInstanceRequest{}, err
	}
	return core.RegisterInstanceRequest{
		ID:                strings.TrimSpace(i.ID),
		Name:              i.Name,
		CredentialRef:     i.CredentialRef,
		ClientID:          i.ClientID,
		ClientSecret:      i.ClientSecret,
		DefaultCurrency:   i.DefaultCurrency,
		MaxAmount:         maxAmount,
		MonitoredAccounts: append([]string(nil), i.MonitoredAccounts...),
	}, nil
}
