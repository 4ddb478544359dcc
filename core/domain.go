package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ProviderSpareBank1 = "sparebank1"
	ScopeTypeInstance  = "instance"
	BucketBankAPI      = "api"

	EventMoneyTransferred = "sparebank1_pengerobot_money_transferred"
)

// Credential identifies an OAuth application registered with the bank.
type Credential struct {
	Ref          string
	ClientID     string
	ClientSecret string
}

type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "active"
	TokenStatusInvalid TokenStatus = "invalid"
)

// TokenPair is replaced as a whole on every refresh. Version increases by one
// on each write and is the compare-and-swap stamp.
type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	TokenType     string
	Scope         string
	AccessExpiry  time.Time
	Status        TokenStatus
	InvalidReason string
	Version       int64
	UpdatedAt     time.Time
}

func (p TokenPair) Active() bool {
	return p.Status == TokenStatusActive || p.Status == ""
}

type Instance struct {
	ID                string
	Name              string
	CredentialRef     string
	DefaultCurrency   string
	MaxAmount         decimal.Decimal
	MonitoredAccounts []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Monitors reports whether the account is in the monitored set. An empty set
// monitors every account.
func (i Instance) Monitors(account Account) bool {
	if len(i.MonitoredAccounts) == 0 {
		return true
	}
	number := NormalizeAccountNumber(account.AccountNumber)
	for _, candidate := range i.MonitoredAccounts {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if NormalizeAccountNumber(candidate) == number || (account.AccountID != "" && candidate == account.AccountID) {
			return true
		}
	}
	return false
}

type AccountKind string

const (
	AccountKindChecking   AccountKind = "checking"
	AccountKindSavings    AccountKind = "savings"
	AccountKindCreditCard AccountKind = "credit_card"
)

type Account struct {
	AccountNumber    string           `json:"account_number"`
	AccountID        string           `json:"account_id,omitempty"`
	Name             string           `json:"name"`
	Kind             AccountKind      `json:"kind"`
	RawType          string           `json:"raw_type,omitempty"`
	Currency         string           `json:"currency"`
	Balance          decimal.Decimal  `json:"balance"`
	AvailableBalance *decimal.Decimal `json:"available_balance,omitempty"`
	LastUpdated      time.Time        `json:"last_updated"`
	Stale            bool             `json:"stale,omitempty"`
}

func (a Account) IsCreditCard() bool {
	return a.Kind == AccountKindCreditCard
}

type Balance struct {
	Booked    decimal.Decimal
	Available *decimal.Decimal
	Currency  string
}

type TransferKind string

const (
	TransferKindDebit      TransferKind = "debit"
	TransferKindCreditCard TransferKind = "credit_card"
)

type TransferRequest struct {
	InstanceID  string          `json:"instance_id"`
	Kind        TransferKind    `json:"kind"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	Message     string          `json:"message,omitempty"`
	DueDate     string          `json:"due_date,omitempty"`
}

type DebitPayload struct {
	Amount      decimal.Decimal
	FromAccount string
	ToAccount   string
	Currency    string
	Message     string
	DueDate     string
}

type CreditCardPayload struct {
	Amount              decimal.Decimal
	FromAccount         string
	CreditCardAccountID string
	DueDate             string
}

// BankError is one entry of the bank's structured error array.
type BankError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TraceID  string `json:"trace_id,omitempty"`
	HTTPCode int    `json:"http_code,omitempty"`
	Resource string `json:"resource,omitempty"`
}

// TransferResponse is the decoded bank answer to a transfer call.
type TransferResponse struct {
	StatusCode int
	Method     string
	URL        string
	PaymentID  string
	Warnings   []string
	Errors     []BankError
	Body       map[string]any
	RawBody    string
}

func (r TransferResponse) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureValidation           FailureKind = "validation_failed"
	FailureAuthorizationExpired FailureKind = "authorization_expired"
	FailureNetwork              FailureKind = "network_failure"
	FailureThrottled            FailureKind = "throttled"
	FailureBankRejected         FailureKind = "bank_rejected"
	FailureInternal             FailureKind = "internal"
)

type TransferResult struct {
	IntegrationID       string          `json:"integration_id"`
	Name                string          `json:"name,omitempty"`
	Kind                TransferKind    `json:"kind"`
	Success             bool            `json:"success"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency,omitempty"`
	FromAccount         string          `json:"from_account"`
	ToAccount           string          `json:"to_account"`
	Description         string          `json:"description,omitempty"`
	DueDate             string          `json:"due_date"`
	CreditCardAccountID string          `json:"credit_card_account_id,omitempty"`
	PaymentID           string          `json:"payment_id,omitempty"`
	Warnings            []string        `json:"warnings,omitempty"`
	Result              map[string]any  `json:"result,omitempty"`
	FailureKind         FailureKind     `json:"failure_kind,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	HTTPCode            int             `json:"http_code,omitempty"`
	Errors              []BankError     `json:"errors,omitempty"`
	ErrorCodes          []string        `json:"error_codes,omitempty"`
	TraceIDs            []string        `json:"trace_ids,omitempty"`
	AttemptedAt         time.Time       `json:"attempted_at"`
}

type DispatchRequest struct {
	InstanceID string
	Operation  string
	Urgency    CallUrgency
	Request    TransportRequest
	// Detach keeps an admitted call running when ctx is cancelled.
	Detach bool
}

type AccountMiss struct {
	AccountNumber string `json:"account_number"`
	Reason        string `json:"reason"`
}

type PollReport struct {
	InstanceID  string             `json:"instance_id"`
	Accounts    map[string]Account `json:"accounts"`
	Misses      []AccountMiss      `json:"misses,omitempty"`
	Throttled   bool               `json:"throttled,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

func (r PollReport) Partial() bool {
	return len(r.Misses) > 0
}

// OutcomeEvent carries one transfer attempt to the host.
type OutcomeEvent struct {
	ID         string
	Name       string
	InstanceID string
	OccurredAt time.Time
	Result     TransferResult
	Attempts   int
}

// Payload flattens the event into the field set consumed by automations.
func (e OutcomeEvent) Payload() map[string]any {
	r := e.Result
	payload := map[string]any{
		"integration_id": r.IntegrationID,
		"name":           r.Name,
		"kind":           string(r.Kind),
		"currency":       r.Currency,
		"amount":         r.Amount.StringFixed(2),
		"from_account":   r.FromAccount,
		"to_account":     r.ToAccount,
		"description":    r.Description,
		"success":        r.Success,
		"due_date":       r.DueDate,
		"warnings":       stringsOrEmpty(r.Warnings),
		"error_codes":    stringsOrEmpty(r.ErrorCodes),
		"trace_ids":      stringsOrEmpty(r.TraceIDs),
	}
	if r.Result != nil {
		payload["result"] = r.Result
	}
	if r.PaymentID != "" {
		payload["payment_id"] = r.PaymentID
	}
	if r.CreditCardAccountID != "" {
		payload["credit_card_account_id"] = r.CreditCardAccountID
	}
	if !r.Success {
		payload["failure_kind"] = string(r.FailureKind)
		payload["failure_reason"] = r.FailureReason
		if r.HTTPCode > 0 {
			payload["http_code"] = r.HTTPCode
		}
		errs := make([]map[string]any, 0, len(r.Errors))
		for _, item := range r.Errors {
			errs = append(errs, map[string]any{
				"code":      item.Code,
				"message":   item.Message,
				"trace_id":  item.TraceID,
				"http_code": item.HTTPCode,
				"resource":  item.Resource,
			})
		}
		payload["errors"] = errs
	}
	return payload
}

func stringsOrEmpty(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
