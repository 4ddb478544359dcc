package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AccountPoller refreshes balances of monitored accounts through the gateway.
// Per-account failures are recorded in the report and never abort the poll.
type AccountPoller struct {
	gateway AccountGateway
	cache   *AccountCache
	now     func() time.Time
	instrumentation
}

func NewAccountPoller(gateway AccountGateway, cache *AccountCache, logger Logger, metrics MetricsRecorder) (*AccountPoller, error) {
	if gateway == nil {
		return nil, fmt.Errorf("core: account gateway is required")
	}
	if cache == nil {
		cache = NewAccountCache()
	}
	return &AccountPoller{
		gateway:         gateway,
		cache:           cache,
		now:             func() time.Time { return time.Now().UTC() },
		instrumentation: instrumentation{logger: logger, metrics: metrics},
	}, nil
}

// Poll lists accounts and reads each monitored balance. The returned error is
// set only when the account list itself could not be read.
func (p *AccountPoller) Poll(ctx context.Context, instance Instance, urgency CallUrgency) (report PollReport, err error) {
	startedAt := time.Now()
	report = PollReport{InstanceID: instance.ID, Accounts: map[string]Account{}}
	defer func() {
		p.observeOperation(ctx, startedAt, "account_poll", err, map[string]any{
			"instance_id": instance.ID,
			"urgency":     string(urgency),
			"accounts":    len(report.Accounts),
			"misses":      len(report.Misses),
			"throttled":   report.Throttled,
		})
	}()

	listed, err := p.gateway.ListAccounts(ctx, instance.ID, urgency)
	if err != nil {
		report.Throttled = IsThrottled(err)
		report.CompletedAt = p.now()
		return report, err
	}

	previous := p.cache.Snapshot(instance.ID)
	for _, account := range listed {
		if !instance.Monitors(account) {
			continue
		}
		key := NormalizeAccountNumber(account.AccountNumber)
		if report.Throttled {
			report.Accounts[key] = staleAccount(account, previous[key])
			report.Misses = append(report.Misses, AccountMiss{AccountNumber: account.AccountNumber, Reason: "skipped after throttling"})
			continue
		}
		updated, missErr := p.refreshAccount(ctx, instance.ID, account, urgency)
		if missErr != nil {
			report.Accounts[key] = staleAccount(account, previous[key])
			report.Misses = append(report.Misses, AccountMiss{AccountNumber: account.AccountNumber, Reason: missErr.Error()})
			if IsThrottled(missErr) {
				report.Throttled = true
			}
			continue
		}
		report.Accounts[key] = updated
	}

	p.cache.Replace(instance.ID, report.Accounts)
	report.CompletedAt = p.now()
	if report.Partial() {
		p.logWarn(ctx, "account poll incomplete", map[string]any{
			"instance_id": instance.ID,
			"misses":      report.Misses,
		})
	}
	return report, nil
}

// RefreshBalances re-reads only the given accounts, for example the two
// sides of a completed transfer. Accounts missing from the cache are read by
// number and seeded into it; credit cards need a listing and are reported as
// misses instead.
func (p *AccountPoller) RefreshBalances(ctx context.Context, instance Instance, urgency CallUrgency, accountNumbers ...string) PollReport {
	report := PollReport{InstanceID: instance.ID, Accounts: map[string]Account{}}
	for _, number := range accountNumbers {
		if strings.TrimSpace(number) == "" {
			continue
		}
		cached, ok := p.cache.Find(instance.ID, number)
		if !ok {
			if looksLikeCreditCard(number) {
				report.Misses = append(report.Misses, AccountMiss{AccountNumber: number, Reason: "credit card not cached"})
				continue
			}
			cached = Account{AccountNumber: NormalizeAccountNumber(number)}
		}
		if report.Throttled {
			report.Misses = append(report.Misses, AccountMiss{AccountNumber: cached.AccountNumber, Reason: "skipped after throttling"})
			continue
		}
		updated, err := p.refreshAccount(ctx, instance.ID, cached, urgency)
		if err != nil {
			report.Misses = append(report.Misses, AccountMiss{AccountNumber: cached.AccountNumber, Reason: err.Error()})
			report.Throttled = report.Throttled || IsThrottled(err)
			continue
		}
		report.Accounts[NormalizeAccountNumber(updated.AccountNumber)] = updated
	}
	p.cache.Merge(instance.ID, report.Accounts)
	report.CompletedAt = p.now()
	return report
}

func (p *AccountPoller) refreshAccount(ctx context.Context, instanceID string, account Account, urgency CallUrgency) (Account, error) {
	if account.IsCreditCard() || looksLikeCreditCard(account.AccountNumber) {
		// credit cards carry their balance in the listing
		account.LastUpdated = p.now()
		account.Stale = false
		return account, nil
	}
	balance, err := p.gateway.FetchBalance(ctx, instanceID, account.AccountNumber, urgency)
	if err != nil {
		return Account{}, err
	}
	account.Balance = balance.Booked
	if balance.Available != nil {
		available := *balance.Available
		account.AvailableBalance = &available
	}
	if balance.Currency != "" {
		account.Currency = balance.Currency
	}
	account.LastUpdated = p.now()
	account.Stale = false
	return account, nil
}

func staleAccount(listed Account, previous Account) Account {
	out := listed
	if previous.AccountNumber != "" {
		out.Balance = previous.Balance
		out.AvailableBalance = previous.AvailableBalance
		out.LastUpdated = previous.LastUpdated
	}
	out.Stale = true
	return out
}
