package sparebank1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const (
	ProviderID = core.ProviderSpareBank1
	APIBaseURL = core.DefaultAPIBaseURL
	MediaType  = "application/vnd.sparebank1.v1+json; charset=utf-8"
)

const (
	PathAccounts           = "/personal/banking/accounts"
	PathAccountBalance     = "/personal/banking/accounts/balance"
	PathTransferDebit      = "/personal/banking/transfer/debit"
	PathTransferCreditCard = "/personal/banking/transfer/creditcard/transferTo"
)

const (
	OperationListAccounts       = "list_accounts"
	OperationFetchBalance       = "fetch_balance"
	OperationTransferDebit      = "transfer_debit"
	OperationTransferCreditCard = "transfer_credit_card"
)

type Config struct {
	APIBaseURL                string
	IncludeCreditCardAccounts bool
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:                APIBaseURL,
		IncludeCreditCardAccounts: true,
	}
}

// Gateway maps the bank's personal banking API onto the core gateway
// contracts. Every call goes through the dispatcher.
type Gateway struct {
	caller core.APICaller
	cfg    Config
}

func New(caller core.APICaller, cfg Config) *Gateway {
	defaults := DefaultConfig()
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaults.APIBaseURL
	}
	return &Gateway{caller: caller, cfg: cfg}
}

// Factory satisfies core.BankGatewayFactory.
func Factory(caller core.APICaller, cfg core.Config) core.BankGateway {
	return New(caller, Config{
		APIBaseURL:                cfg.Bank.APIBaseURL,
		IncludeCreditCardAccounts: cfg.Bank.IncludeCreditCardAccounts,
	})
}

func (g *Gateway) ListAccounts(ctx context.Context, instanceID string, urgency core.CallUrgency) ([]core.Account, error) {
	req := g.request(http.MethodGet, PathAccounts, nil)
	req.Query = map[string]string{
		"includeNokAccounts":        "true",
		"includeCurrencyAccounts":   "true",
		"includeBsuAccounts":        "true",
		"includeCreditCardAccounts": fmt.Sprintf("%t", g.cfg.IncludeCreditCardAccounts),
		"includeAskAccounts":        "false",
		"includePensionAccounts":    "false",
	}
	res, err := g.dispatch(ctx, instanceID, OperationListAccounts, urgency, false, req)
	if err != nil {
		return nil, err
	}
	if err := requireSuccess(req, res); err != nil {
		return nil, err
	}
	var payload accountListPayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, decodeError(OperationListAccounts, err)
	}
	accounts := make([]core.Account, 0, len(payload.Accounts))
	for _, item := range payload.Accounts {
		accounts = append(accounts, item.toAccount())
	}
	return accounts, nil
}

func (g *Gateway) FetchBalance(ctx context.Context, instanceID string, accountNumber string, urgency core.CallUrgency) (core.Balance, error) {
	body, err := json.Marshal(map[string]string{"accountNumber": core.NormalizeAccountNumber(accountNumber)})
	if err != nil {
		return core.Balance{}, err
	}
	req := g.request(http.MethodPost, PathAccountBalance, body)
	res, err := g.dispatch(ctx, instanceID, OperationFetchBalance, urgency, false, req)
	if err != nil {
		return core.Balance{}, err
	}
	if err := requireSuccess(req, res); err != nil {
		return core.Balance{}, err
	}
	var payload balancePayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return core.Balance{}, decodeError(OperationFetchBalance, err)
	}
	if payload.AccountBalance == nil {
		return core.Balance{}, decodeError(OperationFetchBalance, fmt.Errorf("response has no accountBalance"))
	}
	balance := core.Balance{
		Booked:   payload.AccountBalance.Decimal,
		Currency: strings.ToUpper(strings.TrimSpace(payload.CurrencyCode)),
	}
	if payload.AvailableBalance != nil {
		available := payload.AvailableBalance.Decimal
		balance.Available = &available
	}
	return balance, nil
}

func (g *Gateway) SubmitDebit(ctx context.Context, instanceID string, payload core.DebitPayload) (core.TransferResponse, error) {
	body := map[string]any{
		"amount":       payload.Amount.StringFixed(2),
		"fromAccount":  core.NormalizeAccountNumber(payload.FromAccount),
		"toAccount":    core.NormalizeAccountNumber(payload.ToAccount),
		"currencyCode": strings.ToUpper(strings.TrimSpace(payload.Currency)),
	}
	if message := strings.TrimSpace(payload.Message); message != "" {
		body["message"] = message
	}
	if dueDate := strings.TrimSpace(payload.DueDate); dueDate != "" {
		body["dueDate"] = dueDate
	}
	return g.transfer(ctx, instanceID, OperationTransferDebit, PathTransferDebit, body)
}

func (g *Gateway) SubmitCreditCard(ctx context.Context, instanceID string, payload core.CreditCardPayload) (core.TransferResponse, error) {
	body := map[string]any{
		"amount":              payload.Amount.StringFixed(2),
		"fromAccount":         core.NormalizeAccountNumber(payload.FromAccount),
		"creditCardAccountId": strings.TrimSpace(payload.CreditCardAccountID),
	}
	if dueDate := strings.TrimSpace(payload.DueDate); dueDate != "" {
		body["dueDate"] = dueDate
	}
	return g.transfer(ctx, instanceID, OperationTransferCreditCard, PathTransferCreditCard, body)
}

// transfer posts a money movement. Once admitted by the rate limiter the call
// is detached from ctx so a cancelled caller cannot leave the outcome unknown.
func (g *Gateway) transfer(ctx context.Context, instanceID string, operation string, path string, body map[string]any) (core.TransferResponse, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return core.TransferResponse{}, err
	}
	req := g.request(http.MethodPost, path, encoded)
	res, err := g.dispatch(ctx, instanceID, operation, core.UrgencyQueue, true, req)
	if err != nil {
		return core.TransferResponse{}, err
	}
	return decodeTransferResponse(req, res), nil
}

func (g *Gateway) request(method string, path string, body []byte) core.TransportRequest {
	headers := map[string]string{"Accept": MediaType}
	if body != nil {
		headers["Content-Type"] = MediaType
	}
	return core.TransportRequest{
		Method:  method,
		URL:     g.cfg.APIBaseURL + path,
		Headers: headers,
		Body:    body,
	}
}

func (g *Gateway) dispatch(ctx context.Context, instanceID string, operation string, urgency core.CallUrgency, detach bool, req core.TransportRequest) (core.TransportResponse, error) {
	if g == nil || g.caller == nil {
		return core.TransportResponse{}, fmt.Errorf("providers/sparebank1: api caller is not configured")
	}
	return g.caller.Dispatch(ctx, core.DispatchRequest{
		InstanceID: instanceID,
		Operation:  operation,
		Urgency:    urgency,
		Request:    req,
		Detach:     detach,
	})
}

var _ core.BankGateway = (*Gateway)(nil)
