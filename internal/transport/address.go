package transport

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRecipient = errors.New("transport: invalid recipient number")

const (
	DefaultCountryCode = "62"
	DefaultDomain      = "c.us"

	minRecipientDigits = 8
	maxRecipientDigits = 15
)

// AddressFormat describes how raw phone numbers map onto network addresses.
type AddressFormat struct {
	CountryCode string
	Domain      string
}

// DefaultAddressFormat returns the country code and domain marker used when
// configuration leaves them unset.
func DefaultAddressFormat() AddressFormat {
	return AddressFormat{CountryCode: DefaultCountryCode, Domain: DefaultDomain}
}

// Normalize converts a user supplied number into "<digits>@<domain>".
// Non-digits are stripped, a leading trunk 0 is replaced by the country code,
// and an already-suffixed address is accepted as-is after digit validation.
func (f AddressFormat) Normalize(raw string) (string, error) {
	f = f.withDefaults()
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}

	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		digits = f.CountryCode + strings.TrimLeft(digits, "0")
	}
	if len(digits) < minRecipientDigits || len(digits) > maxRecipientDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, raw)
	}
	return digits + "@" + f.Domain, nil
}

func (f AddressFormat) withDefaults() AddressFormat {
	f.CountryCode = strings.Trim(strings.TrimSpace(f.CountryCode), "+")
	if f.CountryCode == "" {
		f.CountryCode = DefaultCountryCode
	}
	f.Domain = strings.TrimPrefix(strings.TrimSpace(f.Domain), "@")
	if f.Domain == "" {
		f.Domain = DefaultDomain
	}
	return f
}
