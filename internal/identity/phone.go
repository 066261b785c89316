package identity

import (
	"errors"
	"strings"
)

// PhoneValidator accepts or rejects a string as a syntactically valid
// phone number. The default covers E.164 shape only; deployments with
// stricter requirements inject their own via WithPhoneValidator.
type PhoneValidator func(string) error

var errInvalidPhone = errors.New("invalid phone number format")

// E164Validator checks a leading plus, a non-zero first digit, and a
// total of 8 to 15 digits.
func E164Validator(value string) error {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "+") {
		return errInvalidPhone
	}
	digits := value[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return errInvalidPhone
	}
	if digits[0] == '0' {
		return errInvalidPhone
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return errInvalidPhone
		}
	}
	return nil
}
