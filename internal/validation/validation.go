// Package validation provides input validation for the gateway API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// tronAddressRegex validates base58check TRON addresses (mainnet prefix T).
	tronAddressRegex = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	// amountRegex validates non-negative decimal amounts like "100" or "0.25".
	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,6})?$`)
	// orderIDRegex keeps caller-supplied order IDs to a safe charset.
	orderIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks if a string is a plausible TRON base58 address.
func IsValidAddress(addr string) bool {
	return tronAddressRegex.MatchString(addr)
}

// IsValidAmount checks a display-unit decimal amount string.
func IsValidAmount(amount string) bool {
	return amountRegex.MatchString(amount)
}

// IsValidOrderID checks a caller-supplied order identifier.
func IsValidOrderID(orderID string) bool {
	return orderIDRegex.MatchString(orderID)
}

// SanitizeString trims, bounds, and strips null bytes from free-form input.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a list of field errors.
type Errors []FieldError

// Error joins the field messages for logging.
func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run.
type Check func() *FieldError

// Validate runs checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// ValidAddress returns a Check for a TRON address field.
func ValidAddress(field, value string) Check {
	return func() *FieldError {
		if !IsValidAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid TRON address"}
		}
		return nil
	}
}

// ValidAmount returns a Check for a decimal amount field.
func ValidAmount(field, value string) Check {
	return func() *FieldError {
		if !IsValidAmount(value) {
			return &FieldError{Field: field, Message: "must be a non-negative decimal amount"}
		}
		return nil
	}
}

// ValidOrderID returns a Check for an order ID field.
func ValidOrderID(field, value string) Check {
	return func() *FieldError {
		if !IsValidOrderID(value) {
			return &FieldError{Field: field, Message: "must be 1-128 chars of [A-Za-z0-9_.:-]"}
		}
		return nil
	}
}
