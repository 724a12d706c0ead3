package model

import (
	"errors"
	"fmt"
	"strings"
)

// FieldViolation is one failed validation rule on one field.
type FieldViolation struct {
	Field   string
	Rule    string
	Message string
}

func (v FieldViolation) String() string {
	return fmt.Sprintf("%s: %s (rule=%s)", v.Field, v.Message, v.Rule)
}

// ValidationError reports every violation found in a structured document, not
// just the first. Content defects are terminal: they never retry.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("validation failed on %d field(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

// Add records a violation and returns the error for chaining.
func (e *ValidationError) Add(field, rule, message string) *ValidationError {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Rule: rule, Message: message})
	return e
}

// HasViolations reports whether any violation was recorded.
func (e *ValidationError) HasViolations() bool { return len(e.Violations) > 0 }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsValidationError unwraps err into a ValidationError when possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// UnsupportedSchemaError signals a schema version the builder does not emit.
type UnsupportedSchemaError struct {
	DocumentType DocumentType
	Version      string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported schema version %q for document type %s", e.Version, e.DocumentType)
}

// IsUnsupportedSchema reports whether err is (or wraps) an UnsupportedSchemaError.
func IsUnsupportedSchema(err error) bool {
	var ue *UnsupportedSchemaError
	return errors.As(err, &ue)
}
