package core

import (
	"sort"
	"strings"
	"sync"
)

// AccountCache holds the last known accounts per instance.
type AccountCache struct {
	mu       sync.RWMutex
	accounts map[string]map[string]Account
}

func NewAccountCache() *AccountCache {
	return &AccountCache{accounts: map[string]map[string]Account{}}
}

// Replace swaps the account set of an instance.
func (c *AccountCache) Replace(instanceID string, accounts map[string]Account) {
	next := make(map[string]Account, len(accounts))
	for key, account := range accounts {
		next[key] = account
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[instanceID] = next
}

// Merge updates individual accounts and keeps the rest.
func (c *AccountCache) Merge(instanceID string, accounts map[string]Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.accounts[instanceID]
	if current == nil {
		current = map[string]Account{}
		c.accounts[instanceID] = current
	}
	for key, account := range accounts {
		current[key] = account
	}
}

func (c *AccountCache) Get(instanceID string, accountNumber string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	account, ok := c.accounts[instanceID][NormalizeAccountNumber(accountNumber)]
	return account, ok
}

// Find resolves by account number, account id or name.
func (c *AccountCache) Find(instanceID string, reference string) (Account, bool) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Account{}, false
	}
	if account, ok := c.Get(instanceID, reference); ok {
		return account, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, account := range c.accounts[instanceID] {
		if account.AccountID != "" && account.AccountID == reference {
			return account, true
		}
	}
	for _, account := range c.accounts[instanceID] {
		if strings.EqualFold(account.Name, reference) {
			return account, true
		}
	}
	return Account{}, false
}

func (c *AccountCache) Snapshot(instanceID string) map[string]Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Account, len(c.accounts[instanceID]))
	for key, account := range c.accounts[instanceID] {
		out[key] = account
	}
	return out
}

// List returns the cached accounts ordered by account number.
func (c *AccountCache) List(instanceID string) []Account {
	snapshot := c.Snapshot(instanceID)
	out := make([]Account, 0, len(snapshot))
	for _, account := range snapshot {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out
}

func (c *AccountCache) Drop(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, instanceID)
}
