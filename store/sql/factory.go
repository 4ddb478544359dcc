package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
	"github.com/remimikalsen/sparebank1-pengerobot/ratelimit"
)

// RepositoryFactory builds every SQL store over one bun database.
type RepositoryFactory struct {
	db      *bun.DB
	secrets core.SecretProvider
	cache   repositorycache.CacheService

	credentialStore     *CredentialStore
	instanceStore       core.InstanceStore
	rateLimitStateStore ratelimit.StateStore
	outboxStore         *OutboxStore
	oauthStateStore     *OAuthStateStore
}

type FactoryOption func(*RepositoryFactory)

// WithCache puts a read-through cache in front of instance and rate-limit
// state reads.
func WithCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(secrets core.SecretProvider, opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{secrets: secrets}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(
	client *persistence.Client,
	secrets core.SecretProvider,
	opts ...FactoryOption,
) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(secrets, opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, secrets core.SecretProvider, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(secrets, opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build resolves the bun database from a persistence client or *bun.DB and
// creates the stores once.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.credentialStore != nil && f.instanceStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil || f.credentialStore == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) InstanceStore() core.InstanceStore {
	if f == nil {
		return nil
	}
	return f.instanceStore
}

func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) OutboxStore() *OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) OAuthStateStore() *OAuthStateStore {
	if f == nil {
		return nil
	}
	return f.oauthStateStore
}

func (f *RepositoryFactory) initStores() error {
	credentialStore, err := NewCredentialStore(f.db, f.secrets)
	if err != nil {
		return err
	}
	instanceStore, err := NewInstanceStore(f.db)
	if err != nil {
		return err
	}
	rateLimitStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	oauthStateStore, err := NewOAuthStateStore(f.db)
	if err != nil {
		return err
	}

	f.credentialStore = credentialStore
	f.instanceStore = instanceStore
	f.rateLimitStateStore = rateLimitStore
	f.outboxStore = outboxStore
	f.oauthStateStore = oauthStateStore

	if f.cache != nil {
		cachedInstances, cacheErr := NewCachedInstanceStore(instanceStore, f.cache)
		if cacheErr != nil {
			return cacheErr
		}
		cachedRateLimits, cacheErr := NewCachedRateLimitStateStore(rateLimitStore, f.cache)
		if cacheErr != nil {
			return cacheErr
		}
		f.instanceStore = cachedInstances
		f.rateLimitStateStore = cachedRateLimits
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
