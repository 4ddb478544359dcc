package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

const dueDateLayout = "2006-01-02"

// TransferOrchestrator validates a transfer request, submits it once and
// publishes exactly one outcome event for it.
type TransferOrchestrator struct {
	gateway          TransferGateway
	resolver         AccountResolver
	publisher        OutcomePublisher
	afterSuccess     func(ctx context.Context, instance Instance, result TransferResult)
	location         *time.Location
	defaultMaxAmount decimal.Decimal
	now              func() time.Time
	instrumentation
}

type TransferOrchestratorConfig struct {
	Location         *time.Location
	DefaultMaxAmount decimal.Decimal
	Now              func() time.Time
	// AfterSuccess runs once the outcome is published for a successful transfer.
	AfterSuccess func(ctx context.Context, instance Instance, result TransferResult)
	Logger       Logger
	Metrics      MetricsRecorder
}

func NewTransferOrchestrator(
	gateway TransferGateway,
	resolver AccountResolver,
	publisher OutcomePublisher,
	cfg TransferOrchestratorConfig,
) (*TransferOrchestrator, error) {
	if gateway == nil {
		return nil, fmt.Errorf("core: transfer gateway is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("core: outcome publisher is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if !cfg.DefaultMaxAmount.IsPositive() {
		cfg.DefaultMaxAmount = decimal.RequireFromString(DefaultMaxAmount)
	}
	return &TransferOrchestrator{
		gateway:          gateway,
		resolver:         resolver,
		publisher:        publisher,
		afterSuccess:     cfg.AfterSuccess,
		location:         cfg.Location,
		defaultMaxAmount: cfg.DefaultMaxAmount,
		now:              cfg.Now,
		instrumentation:  instrumentation{logger: cfg.Logger, metrics: cfg.Metrics},
	}, nil
}

type transferPlan struct {
	kind         TransferKind
	amount       decimal.Decimal
	currency     string
	from         string
	to           string
	message      string
	dueDate      string
	creditCardID string
}

// Submit runs one transfer attempt. The returned result is complete on both
// success and failure; err is non-nil whenever result.Success is false.
func (o *TransferOrchestrator) Submit(ctx context.Context, instance Instance, req TransferRequest) (result TransferResult, err error) {
	startedAt := time.Now()
	result = TransferResult{
		IntegrationID: instance.ID,
		Name:          instance.Name,
		Kind:          req.Kind,
		Amount:        req.Amount,
		Currency:      NormalizeCurrency(req.Currency),
		FromAccount:   strings.TrimSpace(req.FromAccount),
		ToAccount:     strings.TrimSpace(req.ToAccount),
		Description:   strings.TrimSpace(req.Message),
		DueDate:       strings.TrimSpace(req.DueDate),
		AttemptedAt:   o.now(),
	}
	defer func() {
		o.publish(ctx, result)
		o.observeOperation(ctx, startedAt, "transfer", err, map[string]any{
			"instance_id":  instance.ID,
			"kind":         string(result.Kind),
			"failure_kind": string(result.FailureKind),
			"amount":       result.Amount.StringFixed(2),
			"currency":     result.Currency,
		})
		if err == nil && o.afterSuccess != nil {
			o.afterSuccess(context.WithoutCancel(ctx), instance, result)
		}
	}()

	plan, err := o.plan(ctx, instance, req)
	if err != nil {
		result = failedResult(result, err)
		return result, err
	}
	result.Kind = plan.kind
	result.Amount = plan.amount
	result.Currency = plan.currency
	result.FromAccount = plan.from
	result.ToAccount = plan.to
	result.DueDate = plan.dueDate
	result.CreditCardAccountID = plan.creditCardID

	res, err := o.send(ctx, instance.ID, plan)
	if err != nil {
		result = failedResult(result, err)
		return result, err
	}
	if !res.Succeeded() {
		err = NewBankRejectedError(res)
		result = failedResult(result, err)
		result.HTTPCode = res.StatusCode
		result.Errors = append([]BankError(nil), res.Errors...)
		result.ErrorCodes, result.TraceIDs = bankErrorIndex(res.Errors)
		result.Result = res.Body
		return result, err
	}

	result.Success = true
	result.PaymentID = res.PaymentID
	result.Warnings = append([]string(nil), res.Warnings...)
	result.Result = res.Body
	return result, nil
}

func (o *TransferOrchestrator) send(ctx context.Context, instanceID string, plan transferPlan) (TransferResponse, error) {
	switch plan.kind {
	case TransferKindCreditCard:
		return o.gateway.SubmitCreditCard(ctx, instanceID, CreditCardPayload{
			Amount:              plan.amount,
			FromAccount:         plan.from,
			CreditCardAccountID: plan.creditCardID,
			DueDate:             plan.dueDate,
		})
	default:
		return o.gateway.SubmitDebit(ctx, instanceID, DebitPayload{
			Amount:      plan.amount,
			FromAccount: plan.from,
			ToAccount:   plan.to,
			Currency:    plan.currency,
			Message:     plan.message,
			DueDate:     plan.dueDate,
		})
	}
}

// plan checks the request without touching the bank, except for resolving a
// credit card account that is not cached yet.
func (o *TransferOrchestrator) plan(ctx context.Context, instance Instance, req TransferRequest) (transferPlan, error) {
	plan := transferPlan{kind: req.Kind}
	if plan.kind == "" {
		plan.kind = TransferKindDebit
	}
	if plan.kind != TransferKindDebit && plan.kind != TransferKindCreditCard {
		return plan, NewValidationError("unknown transfer kind", fieldError("kind", "must be debit or credit_card", req.Kind))
	}

	plan.amount = QuantizeAmount(req.Amount)
	if !plan.amount.IsPositive() {
		return plan, NewValidationError("amount must be greater than zero", fieldError("amount", "must be positive", req.Amount.String()))
	}

	instanceCurrency := NormalizeCurrency(instance.DefaultCurrency)
	if instanceCurrency == "" {
		instanceCurrency = DefaultCurrency
	}
	switch plan.kind {
	case TransferKindCreditCard:
		requested := NormalizeCurrency(req.Currency)
		if requested != "" && requested != instanceCurrency {
			return plan, NewValidationError("credit card payments are made in the account currency", fieldError("currency", "not accepted for credit card payments", req.Currency))
		}
		if strings.TrimSpace(req.Message) != "" {
			return plan, NewValidationError("credit card payments do not carry a message", fieldError("message", "not accepted for credit card payments", req.Message))
		}
		plan.currency = instanceCurrency
	default:
		plan.currency = NormalizeCurrency(req.Currency)
		if plan.currency == "" {
			plan.currency = instanceCurrency
		}
		if !IsSupportedCurrency(plan.currency) {
			return plan, NewValidationError("unsupported currency", fieldError("currency", "must be one of "+strings.Join(SupportedCurrencies(), ", "), req.Currency))
		}
		plan.message = strings.TrimSpace(req.Message)
	}

	limit := instance.MaxAmount
	if !limit.IsPositive() {
		limit = o.defaultMaxAmount
	}
	converted, err := ConvertAmount(plan.amount, plan.currency, instanceCurrency)
	if err != nil {
		return plan, NewValidationError(err.Error(), fieldError("currency", "cannot be converted", plan.currency))
	}
	if converted.GreaterThan(limit) {
		return plan, NewValidationError(
			fmt.Sprintf("amount %s %s exceeds the maximum of %s %s", plan.amount.StringFixed(2), plan.currency, limit.StringFixed(2), instanceCurrency),
			fieldError("amount", "exceeds maximum", plan.amount.StringFixed(2)),
		)
	}

	plan.from = NormalizeAccountNumber(req.FromAccount)
	plan.to = strings.TrimSpace(req.ToAccount)
	if plan.from == "" {
		return plan, NewValidationError("from account is required", fieldError("from_account", "required", req.FromAccount))
	}
	if plan.to == "" {
		return plan, NewValidationError("to account is required", fieldError("to_account", "required", req.ToAccount))
	}
	if !ValidAccountNumber(plan.from) {
		return plan, NewValidationError("from account is not a valid account number", fieldError("from_account", "invalid account number", req.FromAccount))
	}

	switch plan.kind {
	case TransferKindCreditCard:
		account, err := o.resolveCreditCard(ctx, instance, plan.to)
		if err != nil {
			return plan, err
		}
		if NormalizeAccountNumber(account.AccountNumber) == plan.from {
			return plan, NewValidationError("from and to accounts must differ", fieldError("to_account", "same as from account", req.ToAccount))
		}
		plan.creditCardID = account.AccountID
	default:
		plan.to = NormalizeAccountNumber(plan.to)
		if plan.to == plan.from {
			return plan, NewValidationError("from and to accounts must differ", fieldError("to_account", "same as from account", req.ToAccount))
		}
		if !ValidAccountNumber(plan.to) {
			return plan, NewValidationError("to account is not a valid account number", fieldError("to_account", "invalid account number", req.ToAccount))
		}
	}

	plan.dueDate = strings.TrimSpace(req.DueDate)
	if plan.dueDate == "" {
		plan.dueDate = o.now().In(o.location).Format(dueDateLayout)
	} else if _, err := time.ParseInLocation(dueDateLayout, plan.dueDate, o.location); err != nil {
		return plan, NewValidationError("due date must be formatted as YYYY-MM-DD", fieldError("due_date", "invalid date", req.DueDate))
	}
	return plan, nil
}

func (o *TransferOrchestrator) resolveCreditCard(ctx context.Context, instance Instance, reference string) (Account, error) {
	if o.resolver == nil {
		return Account{}, NewValidationError("credit card accounts cannot be resolved", fieldError("to_account", "unresolvable", reference))
	}
	account, found, err := o.resolver.ResolveAccount(ctx, instance, reference)
	if err != nil {
		return Account{}, err
	}
	if !found {
		return Account{}, NewValidationError("unknown credit card account", fieldError("to_account", "not found", reference))
	}
	if !account.IsCreditCard() {
		return Account{}, NewValidationError("to account is not a credit card", fieldError("to_account", "not a credit card", reference))
	}
	if strings.TrimSpace(account.AccountID) == "" {
		return Account{}, NewValidationError("credit card account has no account id", fieldError("to_account", "missing account id", reference))
	}
	return account, nil
}

func (o *TransferOrchestrator) publish(ctx context.Context, result TransferResult) {
	event := NewOutcomeEvent(result, o.now())
	if err := o.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		o.logError(ctx, "outcome event could not be published", map[string]any{
			"instance_id": result.IntegrationID,
			"event_id":    event.ID,
			"success":     result.Success,
			"error":       err.Error(),
		})
	}
}

func failedResult(result TransferResult, err error) TransferResult {
	result.Success = false
	result.FailureKind = FailureKindOf(err)
	result.FailureReason = failureMessage(err)
	return result
}

func failureMessage(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && strings.TrimSpace(richErr.Message) != "" {
		return richErr.Message
	}
	return err.Error()
}

func bankErrorIndex(errs []BankError) ([]string, []string) {
	codes := make([]string, 0, len(errs))
	traces := make([]string, 0, len(errs))
	for _, item := range errs {
		if item.Code != "" {
			codes = append(codes, item.Code)
		}
		if item.TraceID != "" {
			traces = append(traces, item.TraceID)
		}
	}
	return codes, traces
}

func fieldError(field string, message string, value any) goerrors.FieldError {
	return goerrors.FieldError{Field: field, Message: message, Value: value}
}
