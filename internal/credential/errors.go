package credential

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for credential loading and caching
const (
	ErrCodeDecryption  = "DECRYPTION_FAILED"
	ErrCodeFormat      = "BAD_FORMAT"
	ErrCodeExpired     = "CREDENTIAL_EXPIRED"
	ErrCodeNotYetValid = "CREDENTIAL_NOT_YET_VALID"
	ErrCodeNotFound    = "CREDENTIAL_NOT_FOUND"
)

// Error represents credential lifecycle failures. Decryption and format
// failures are deterministic and never retried; expiry is surfaced so the
// caller can rotate and force-reload.
type Error struct {
	Code     string
	TenantID string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	switch {
	case e.TenantID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] tenant %s: %s (%v)", e.Code, e.TenantID, e.Message, e.Cause)
	case e.TenantID != "":
		return fmt.Sprintf("[%s] tenant %s: %s", e.Code, e.TenantID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrDecryption returns the error for a wrong passphrase or corrupt container.
func ErrDecryption(tenantID string, cause error) *Error {
	return &Error{Code: ErrCodeDecryption, TenantID: tenantID, Message: "container decryption failed", Cause: cause}
}

// ErrFormat returns the error for an unsupported or malformed container structure.
func ErrFormat(tenantID, message string, cause error) *Error {
	return &Error{Code: ErrCodeFormat, TenantID: tenantID, Message: message, Cause: cause}
}

// ErrExpired returns the error for a certificate whose validity window has elapsed.
func ErrExpired(tenantID, subject string, notAfter time.Time) *Error {
	return &Error{
		Code:     ErrCodeExpired,
		TenantID: tenantID,
		Message:  fmt.Sprintf("certificate expired: %s (not after %s)", subject, notAfter.Format(time.RFC3339)),
	}
}

// ErrNotYetValid returns the error for a certificate used before its window opens.
func ErrNotYetValid(tenantID, subject string, notBefore time.Time) *Error {
	return &Error{
		Code:     ErrCodeNotYetValid,
		TenantID: tenantID,
		Message:  fmt.Sprintf("certificate not yet valid: %s (not before %s)", subject, notBefore.Format(time.RFC3339)),
	}
}

// ErrNotFound returns the error for a tenant without a resolvable container.
func ErrNotFound(tenantID string) *Error {
	return &Error{Code: ErrCodeNotFound, TenantID: tenantID, Message: "no credential container for tenant"}
}

func hasCode(err error, code string) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsDecryption reports whether err is a decryption failure.
func IsDecryption(err error) bool { return hasCode(err, ErrCodeDecryption) }

// IsFormat reports whether err is a container format failure.
func IsFormat(err error) bool { return hasCode(err, ErrCodeFormat) }

// IsExpired reports whether err is an expired-credential failure.
func IsExpired(err error) bool { return hasCode(err, ErrCodeExpired) }

// IsNotFound reports whether err is a missing-container failure.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }
