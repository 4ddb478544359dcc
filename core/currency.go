package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// approxRates are units of currency per 1 NOK. They only feed the local
// max-amount check; the bank applies its own rate at settlement.
var approxRates = map[string]decimal.Decimal{
	"NOK": decimal.NewFromInt(1),
	"SEK": decimal.NewFromInt(1),
	"DKK": decimal.NewFromInt(1),
	"USD": decimal.RequireFromString("0.1"),
	"EUR": decimal.RequireFromString("0.083"),
	"GBP": decimal.RequireFromString("0.071"),
}

var supportedCurrencies = []string{"NOK", "EUR", "USD", "SEK", "DKK", "GBP"}

func SupportedCurrencies() []string {
	return append([]string(nil), supportedCurrencies...)
}

func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func IsSupportedCurrency(code string) bool {
	_, ok := approxRates[NormalizeCurrency(code)]
	return ok
}

// ConvertAmount converts amount between supported currencies, rounded to
// two decimals.
func ConvertAmount(amount decimal.Decimal, from string, to string) (decimal.Decimal, error) {
	from = NormalizeCurrency(from)
	to = NormalizeCurrency(to)
	fromRate, ok := approxRates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("core: unsupported currency %q", from)
	}
	toRate, ok := approxRates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("core: unsupported currency %q", to)
	}
	if from == to {
		return QuantizeAmount(amount), nil
	}
	return QuantizeAmount(amount.Div(fromRate).Mul(toRate)), nil
}

func QuantizeAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// ParseAmount parses user input such as "1 234,50" or "1234.50".
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "\u00a0", "")
	if strings.Count(cleaned, ",") == 1 && !strings.Contains(cleaned, ".") {
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}
	if cleaned == "" {
		return decimal.Zero, NewValidationError("amount is required")
	}
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, NewValidationError(fmt.Sprintf("amount %q is not a number", raw))
	}
	return value, nil
}
