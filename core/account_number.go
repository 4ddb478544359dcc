package core

import "strings"

var mod11Weights = [10]int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

// NormalizeAccountNumber strips the spaces and dots used when formatting
// Norwegian account numbers (1234.56.78903).
func NormalizeAccountNumber(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, " ", "")
	value = strings.ReplaceAll(value, ".", "")
	return value
}

// ValidAccountNumber runs the Norwegian 11-digit mod-11 check. Only ASCII
// digits count.
func ValidAccountNumber(value string) bool {
	number := NormalizeAccountNumber(value)
	if len(number) != 11 {
		return false
	}
	sum := 0
	for i := 0; i < len(number); i++ {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		if i < len(mod11Weights) {
			sum += int(c-'0') * mod11Weights[i]
		}
	}
	remainder := sum % 11
	check := 0
	if remainder >= 2 {
		check = 11 - remainder
	}
	return int(number[10]-'0') == check
}

// creditCardPrefix marks credit-card account numbers in account listings.
const creditCardPrefix = "K"

func looksLikeCreditCard(accountNumber string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(accountNumber)), creditCardPrefix)
}
