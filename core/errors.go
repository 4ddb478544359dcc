package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorAuthorizationExpired = "PENGEROBOT_AUTHORIZATION_EXPIRED"
	ErrorNetworkFailure       = "PENGEROBOT_NETWORK_FAILURE"
	ErrorThrottled            = "PENGEROBOT_THROTTLED"
	ErrorValidationFailed     = "PENGEROBOT_VALIDATION_FAILED"
	ErrorBankRejected         = "PENGEROBOT_BANK_REJECTED"
	ErrorNotFound             = "PENGEROBOT_NOT_FOUND"
	ErrorTokenConflict        = "PENGEROBOT_TOKEN_CONFLICT"
	ErrorInternal             = "PENGEROBOT_INTERNAL_ERROR"

	metaRetryable    = "retryable"
	metaRetryAfterMS = "retry_after_ms"
	metaBankErrors   = "bank_errors"
	metaHTTPCode     = "bank_http_code"
)

var (
	ErrInstanceNotFound   = errors.New("core: instance not found")
	ErrCredentialNotFound = errors.New("core: credential not found")
	ErrTokenPairNotFound  = errors.New("core: token pair not found")
	ErrTokenPairConflict  = errors.New("core: token pair version conflict")
)

func NewAuthorizationExpiredError(instanceID string, reason string) *goerrors.Error {
	message := "authorization expired"
	if reason = strings.TrimSpace(reason); reason != "" {
		message += ": " + reason
	}
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ErrorAuthorizationExpired).
		WithMetadata(map[string]any{"instance_id": instanceID})
}

func NewNetworkFailureError(operation string, cause error) *goerrors.Error {
	message := fmt.Sprintf("network failure during %s", strings.TrimSpace(operation))
	err := goerrors.Wrap(cause, goerrors.CategoryExternal, message)
	if err == nil {
		err = goerrors.New(message, goerrors.CategoryExternal)
	}
	err.Category = goerrors.CategoryExternal
	return err.
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorNetworkFailure).
		WithMetadata(map[string]any{metaRetryable: true, "operation": operation})
}

func NewThrottledError(instanceID string, retryAfter time.Duration, reason string) *goerrors.Error {
	message := fmt.Sprintf("throttled for %s", retryAfter.Round(time.Second))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = reason + ": " + message
	}
	metadata := map[string]any{"instance_id": instanceID}
	if retryAfter > 0 {
		metadata[metaRetryAfterMS] = retryAfter.Milliseconds()
	}
	return goerrors.New(message, goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(ErrorThrottled).
		WithMetadata(metadata)
}

func NewValidationError(message string, fields ...goerrors.FieldError) *goerrors.Error {
	return goerrors.NewValidation(message, fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorValidationFailed)
}

func NewBankRejectedError(res TransferResponse) *goerrors.Error {
	return goerrors.New(BankFailureReason(res), goerrors.CategoryOperation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(ErrorBankRejected).
		WithMetadata(map[string]any{
			metaHTTPCode:   res.StatusCode,
			metaBankErrors: res.Errors,
		})
}

// NewInternalError reports a wiring fault, such as a handler built without
// the service it calls.
func NewInternalError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorInternal)
}

// NewFieldError is a validation error about a single field.
func NewFieldError(scope string, field string, message string) *goerrors.Error {
	return NewValidationError(scope+": validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).WithSeverity(goerrors.SeverityError)
}

func NewNotFoundError(message string, cause error) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorNotFound)
	err.Source = cause
	return err
}

// BankFailureReason renders the bank's error array into one line.
func BankFailureReason(res TransferResponse) string {
	prefix := strings.TrimSpace(res.Method + " " + res.URL)
	if prefix == "" {
		prefix = "bank call"
	}
	details := make([]string, 0, len(res.Errors))
	for _, item := range res.Errors {
		switch {
		case item.Code != "" && item.Message != "":
			details = append(details, item.Code+": "+item.Message)
		case item.Code != "":
			details = append(details, item.Code)
		case item.Message != "":
			details = append(details, item.Message)
		}
	}
	if len(details) == 0 && strings.TrimSpace(res.RawBody) != "" {
		details = append(details, truncate(strings.TrimSpace(res.RawBody), 256))
	}
	reason := fmt.Sprintf("%s failed - HTTP %d", prefix, res.StatusCode)
	if len(details) > 0 {
		reason += ": " + strings.Join(details, "; ")
	}
	return reason
}

// FailureKindOf maps any error onto the transfer failure taxonomy.
func FailureKindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return FailureInternal
	}
	switch richErr.TextCode {
	case ErrorAuthorizationExpired:
		return FailureAuthorizationExpired
	case ErrorNetworkFailure:
		return FailureNetwork
	case ErrorThrottled:
		return FailureThrottled
	case ErrorValidationFailed:
		return FailureValidation
	case ErrorBankRejected:
		return FailureBankRejected
	}
	switch richErr.Category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return FailureValidation
	case goerrors.CategoryRateLimit:
		return FailureThrottled
	case goerrors.CategoryExternal:
		return FailureNetwork
	}
	return FailureInternal
}

func IsAuthorizationExpired(err error) bool {
	return hasTextCode(err, ErrorAuthorizationExpired)
}

func IsThrottled(err error) bool {
	return hasTextCode(err, ErrorThrottled)
}

func IsNetworkFailure(err error) bool {
	return hasTextCode(err, ErrorNetworkFailure)
}

func IsValidationFailed(err error) bool {
	return hasTextCode(err, ErrorValidationFailed)
}

// IsRetryable reports whether the caller may repeat the operation.
func IsRetryable(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	retryable, _ := richErr.Metadata[metaRetryable].(bool)
	return retryable || richErr.TextCode == ErrorThrottled
}

// RetryAfter returns the wait hint attached to a throttled error.
func RetryAfter(err error) (time.Duration, bool) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != ErrorThrottled {
		return 0, false
	}
	switch typed := richErr.Metadata[metaRetryAfterMS].(type) {
	case int64:
		return time.Duration(typed) * time.Millisecond, true
	case int:
		return time.Duration(typed) * time.Millisecond, true
	case float64:
		return time.Duration(typed) * time.Millisecond, true
	}
	return 0, false
}

func hasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

// ToServiceError normalizes any error into the API envelope.
func ToServiceError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}
	switch {
	case errors.Is(err, ErrInstanceNotFound), errors.Is(err, ErrCredentialNotFound), errors.Is(err, ErrTokenPairNotFound):
		return NewNotFoundError(err.Error(), err)
	case errors.Is(err, ErrTokenPairConflict):
		return ensureServiceErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryConflict).WithTextCode(ErrorTokenConflict))
	case errors.Is(err, context.DeadlineExceeded):
		return NewNetworkFailureError("request", err)
	}
	return ensureServiceErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorValidationFailed
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorAuthorizationExpired
	case goerrors.CategoryConflict:
		return ErrorTokenConflict
	case goerrors.CategoryRateLimit:
		return ErrorThrottled
	case goerrors.CategoryExternal:
		return ErrorNetworkFailure
	default:
		return ErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
