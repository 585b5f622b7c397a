// Package money provides shared amount parsing and formatting utilities.
//
// Amounts are arbitrary-precision decimals; binary floating point never
// touches money. The token grammar is the one traders type in chat:
// "$12" means 12 USD, "150ETB" and "150 etb" mean 150 ETB, and a bare
// "12" leaves the currency unspecified.
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

var tokenRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(?:\s*([A-Za-z]+))?$`)

// ParseToken parses a chat amount token into an amount and an upper-cased
// currency label. The label is empty when the token names no currency.
func ParseToken(token string) (decimal.Decimal, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return decimal.Decimal{}, "", fmt.Errorf("%w: empty token", ErrInvalidAmount)
	}

	currency := ""
	if strings.HasPrefix(token, "$") {
		currency = "USD"
		token = strings.TrimSpace(strings.TrimPrefix(token, "$"))
	}

	m := tokenRe.FindStringSubmatch(token)
	if m == nil {
		return decimal.Decimal{}, "", fmt.Errorf("%w: %q", ErrInvalidAmount, token)
	}
	// "$12ETB" names two currencies at once.
	if currency != "" && m[2] != "" {
		return decimal.Decimal{}, "", fmt.Errorf("%w: %q", ErrInvalidAmount, token)
	}

	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("%w: %q", ErrInvalidAmount, token)
	}
	if m[2] != "" {
		currency = strings.ToUpper(m[2])
	}
	return amount, currency, nil
}

// Format renders an amount with trailing fractional zeros trimmed.
func Format(amount decimal.Decimal) string {
	return amount.String()
}

// Display renders an amount with its currency label, "150 ETB" style,
// omitting the label when the currency is unspecified.
func Display(amount decimal.Decimal, currency string) string {
	return strings.TrimSpace(Format(amount) + " " + currency)
}
