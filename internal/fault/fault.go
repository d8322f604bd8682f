// Package fault classifies pipeline errors so the queue layer can decide
// between retrying a message and parking it.
package fault

import (
	"errors"
	"fmt"
)

// NotFoundError marks a referenced entity that does not exist yet. The
// entity may still be in flight from an earlier message, so these retry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// BusinessRuleError marks a violated precondition. Most preconditions stay
// false no matter how often the message redelivers, but a few (a lecturer
// scan that has not arrived yet) are data-availability issues that clear on
// redelivery; Retry records which variant this is instead of overloading
// the type.
type BusinessRuleError struct {
	Code    string
	Message string
	Retry   bool
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BusinessRule builds a terminal BusinessRuleError with a stable code string.
func BusinessRule(code, message string) error {
	return &BusinessRuleError{Code: code, Message: message}
}

// BusinessRuleRetryable builds a BusinessRuleError the transport may retry.
func BusinessRuleRetryable(code, message string) error {
	return &BusinessRuleError{Code: code, Message: message, Retry: true}
}

// TransientError wraps an infrastructure failure (storage, cache, broker
// unavailable). Always retried with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IntegrityError marks data that should exist but does not (e.g. attendance
// records that were supposed to be created eagerly). Fatal, never retried,
// surfaced for operator attention.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string {
	return "integrity: " + e.Message
}

// Integrity builds an IntegrityError.
func Integrity(message string) error {
	return &IntegrityError{Message: message}
}

// Code returns the business-rule code of err, or "" when err is not a
// business-rule failure.
func Code(err error) string {
	var bre *BusinessRuleError
	if errors.As(err, &bre) {
		return bre.Code
	}
	return ""
}

// IsNotFound reports whether err is a missing-entity failure.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// Retryable reports whether the transport should redeliver the message that
// produced err. NotFound retries because the referenced row may not be
// committed yet; transient infrastructure failures always retry; business
// rule and integrity failures never do. Unclassified errors retry, matching
// the default of the underlying transport.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var bre *BusinessRuleError
	if errors.As(err, &bre) {
		return bre.Retry
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return false
	}
	return true
}
