package sparebank1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const (
	accountTypeCreditCard = "CREDITCARD"
	accountTypeBSU        = "BSU"
	creditCardPrefix      = "K"
)

type accountListPayload struct {
	Accounts []accountPayload `json:"accounts"`
}

type accountPayload struct {
	Key                 string      `json:"key"`
	AccountNumber       string      `json:"accountNumber"`
	AccountID           string      `json:"accountId"`
	CreditCardAccountID string      `json:"creditCardAccountID"`
	Name                string      `json:"name"`
	Description         string      `json:"description"`
	Type                string      `json:"type"`
	CurrencyCode        string      `json:"currencyCode"`
	Balance             *flexAmount `json:"balance"`
	AvailableBalance    *flexAmount `json:"availableBalance"`
}

func (p accountPayload) toAccount() core.Account {
	account := core.Account{
		AccountNumber: core.NormalizeAccountNumber(p.AccountNumber),
		Name:          firstNonEmpty(p.Name, p.Description),
		RawType:       strings.TrimSpace(p.Type),
		Currency:      strings.ToUpper(firstNonEmpty(p.CurrencyCode, core.DefaultCurrency)),
	}
	account.Kind = ClassifyAccount(account.RawType, account.AccountNumber)
	if account.Kind == core.AccountKindCreditCard {
		account.AccountID = firstNonEmpty(p.CreditCardAccountID, p.AccountID, p.Key)
	} else {
		account.AccountID = firstNonEmpty(p.AccountID, p.Key)
	}
	if p.Balance != nil {
		account.Balance = p.Balance.Decimal
	}
	if p.AvailableBalance != nil {
		available := p.AvailableBalance.Decimal
		account.AvailableBalance = &available
	}
	return account
}

// ClassifyAccount derives the account kind from the bank's type field and
// number.
func ClassifyAccount(rawType string, accountNumber string) core.AccountKind {
	kind := strings.ToUpper(strings.TrimSpace(rawType))
	switch {
	case kind == accountTypeCreditCard, strings.HasPrefix(strings.ToUpper(strings.TrimSpace(accountNumber)), creditCardPrefix):
		return core.AccountKindCreditCard
	case kind == accountTypeBSU, strings.Contains(kind, "SAVING"):
		return core.AccountKindSavings
	default:
		return core.AccountKindChecking
	}
}

type balancePayload struct {
	AccountBalance   *flexAmount `json:"accountBalance"`
	AvailableBalance *flexAmount `json:"availableBalance"`
	CurrencyCode     string      `json:"currencyCode"`
}

// flexAmount accepts amounts as JSON strings or numbers.
type flexAmount struct {
	decimal.Decimal
}

func (a *flexAmount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		a.Decimal = decimal.Zero
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var nested struct {
			Amount json.RawMessage `json:"amount"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return err
		}
		raw := nested.Amount
		if len(raw) == 0 {
			raw = nested.Value
		}
		return a.UnmarshalJSON(raw)
	}
	text := strings.Trim(string(trimmed), `"`)
	parsed, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", text, err)
	}
	a.Decimal = parsed
	return nil
}

type transferPayload struct {
	PaymentID string          `json:"paymentId"`
	Warnings  json.RawMessage `json:"warnings"`
	Errors    []bankErrorItem `json:"errors"`
}

type bankErrorItem struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TraceID  string `json:"traceId"`
	HTTPCode int    `json:"httpCode"`
	Resource string `json:"resource"`
}

// decodeTransferResponse keeps non-2xx answers as data; the orchestrator
// decides what a rejection means.
func decodeTransferResponse(req core.TransportRequest, res core.TransportResponse) core.TransferResponse {
	out := core.TransferResponse{
		StatusCode: res.StatusCode,
		Method:     req.Method,
		URL:        req.URL,
		RawBody:    string(res.Body),
	}
	if len(bytes.TrimSpace(res.Body)) == 0 {
		return out
	}
	var body map[string]any
	if err := json.Unmarshal(res.Body, &body); err == nil {
		out.Body = body
	}
	var payload transferPayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return out
	}
	out.PaymentID = strings.TrimSpace(payload.PaymentID)
	out.Warnings = decodeWarnings(payload.Warnings)
	for _, item := range payload.Errors {
		out.Errors = append(out.Errors, core.BankError{
			Code:     item.Code,
			Message:  item.Message,
			TraceID:  item.TraceID,
			HTTPCode: item.HTTPCode,
			Resource: item.Resource,
		})
	}
	return out
}

// decodeWarnings accepts plain strings or objects with code and message and
// returns the codes. An object without a code contributes its message; the
// full text stays in the raw body.
func decodeWarnings(raw json.RawMessage) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var structured []map[string]any
	if err := json.Unmarshal(raw, &structured); err != nil {
		return nil
	}
	warnings := make([]string, 0, len(structured))
	for _, item := range structured {
		code := strings.TrimSpace(fmt.Sprint(valueOr(item["code"], "")))
		message := strings.TrimSpace(fmt.Sprint(valueOr(item["message"], "")))
		switch {
		case code != "":
			warnings = append(warnings, code)
		case message != "":
			warnings = append(warnings, message)
		}
	}
	return warnings
}

// requireSuccess turns a non-2xx read response into an error. Server errors
// are retryable network failures, the rest carry the bank's error array.
func requireSuccess(req core.TransportRequest, res core.TransportResponse) error {
	if res.StatusCode >= http.StatusOK && res.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	decoded := decodeTransferResponse(req, res)
	if res.StatusCode >= http.StatusInternalServerError {
		return core.NewNetworkFailureError(req.Method+" "+req.URL, fmt.Errorf("%s", core.BankFailureReason(decoded)))
	}
	return core.NewBankRejectedError(decoded)
}

func decodeError(operation string, err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "providers/sparebank1: decode "+operation+" response").
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorInternal)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func valueOr(value any, fallback any) any {
	if value == nil {
		return fallback
	}
	return value
}
