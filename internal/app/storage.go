package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
	pengerobotmigrations "github.com/remimikalsen/sparebank1-pengerobot/migrations"
	"github.com/remimikalsen/sparebank1-pengerobot/ratelimit"
	"github.com/remimikalsen/sparebank1-pengerobot/security"
	sqlstore "github.com/remimikalsen/sparebank1-pengerobot/store/sql"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "pengerobot"
}

// stores is what the service needs from the storage layer. The memory
// driver leaves outbox nil and events go straight to the sinks.
type stores struct {
	credentials core.CredentialStore
	instances   core.InstanceStore
	rateLimits  ratelimit.StateStore
	outbox      *sqlstore.OutboxStore
	oauthStates core.OAuthStateStore
	client      *persistence.Client
}

func (s stores) close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func openStores(ctx context.Context, settings Settings) (stores, error) {
	if settings.driver() == DriverMemory {
		return stores{
			credentials: core.NewMemoryCredentialStore(),
			instances:   core.NewMemoryInstanceStore(),
			rateLimits:  ratelimit.NewMemoryStateStore(),
			oauthStates: core.NewMemoryOAuthStateStore(0),
		}, nil
	}

	secrets, err := secretProvider(settings.Security)
	if err != nil {
		return stores{}, err
	}
	client, err := openPersistence(ctx, settings.Storage)
	if err != nil {
		return stores{}, err
	}

	var factoryOpts []sqlstore.FactoryOption
	if ttl := settings.cacheTTL(); ttl > 0 {
		config := repositorycache.DefaultConfig()
		config.TTL = ttl
		cacheService, cacheErr := repositorycache.NewCacheService(config)
		if cacheErr != nil {
			_ = client.Close()
			return stores{}, fmt.Errorf("app: cache service: %w", cacheErr)
		}
		factoryOpts = append(factoryOpts, sqlstore.WithCache(cacheService))
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, secrets, factoryOpts...)
	if err != nil {
		_ = client.Close()
		return stores{}, err
	}
	return stores{
		credentials: factory.CredentialStore(),
		instances:   factory.InstanceStore(),
		rateLimits:  factory.RateLimitStateStore(),
		outbox:      factory.OutboxStore(),
		oauthStates: factory.OAuthStateStore(),
		client:      client,
	}, nil
}

func openPersistence(ctx context.Context, storage StorageSettings) (*persistence.Client, error) {
	driver := strings.ToLower(strings.TrimSpace(storage.Driver))
	var (
		dialect          schema.Dialect
		migrationDialect string
	)
	switch driver {
	case DriverSQLite:
		dialect = sqlitedialect.New()
		migrationDialect = pengerobotmigrations.DialectSQLite
	case DriverPostgres:
		dialect = pgdialect.New()
		migrationDialect = pengerobotmigrations.DialectPostgres
	default:
		return nil, fmt.Errorf("app: unsupported storage driver %q", storage.Driver)
	}

	sqlDB, err := sql.Open(driver, storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{
		driver: driver,
		server: storage.DSN,
		debug:  storage.Debug,
	}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("app: persistence client: %w", err)
	}
	if !storage.Migrate {
		return client, nil
	}

	set, err := pengerobotmigrations.ForDialect(migrationDialect)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	client.RegisterSQLMigrations(set.FS)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: migrate: %w", err)
	}
	return client, nil
}

// secretProvider builds the key ring that encrypts client secrets and token
// pairs. Previous keys only decrypt.
func secretProvider(settings SecuritySettings) (core.SecretProvider, error) {
	current, err := appKey(settings.AppKey, settings.KeyID, settings.KeyVersion)
	if err != nil {
		return nil, err
	}
	if len(settings.Previous) == 0 {
		return current, nil
	}

	previous := make([]*security.AppKeySecretProvider, 0, len(settings.Previous))
	for _, key := range settings.Previous {
		provider, keyErr := appKey(key.Key, key.KeyID, key.Version)
		if keyErr != nil {
			return nil, keyErr
		}
		previous = append(previous, provider)
	}
	return security.NewKeyRing(current, previous...)
}

func appKey(key string, keyID string, version int) (*security.AppKeySecretProvider, error) {
	return security.NewAppKeySecretProviderFromString(key,
		security.WithKeyID(keyID),
		security.WithVersion(version),
	)
}
