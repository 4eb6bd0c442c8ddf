// Package mdl verifies mobile driving licence credentials encoded per
// ISO/IEC 18013-5 for conformance against the issuing profile.
package mdl

import (
	"errors"
	"fmt"
)

// Code is the stable machine readable identifier carried by every
// validation failure. Callers match on Code, not on message text.
type Code string

const (
	CodeValidationFailed         Code = "VALIDATION_FAILED"
	CodeInvalidBase64URL         Code = "INVALID_BASE64URL"
	CodeCBORDecodeError          Code = "CBOR_DECODE_ERROR"
	CodeInvalidTags              Code = "INVALID_TAGS"
	CodeSchemaValidationError    Code = "SCHEMA_VALIDATION_ERROR"
	CodeInvalidDigestIDs         Code = "INVALID_DIGEST_IDS"
	CodeInvalidPortrait          Code = "INVALID_PORTRAIT"
	CodeInvalidProtectedHeader   Code = "INVALID_PROTECTED_HEADER"
	CodeInvalidUnprotectedHeader Code = "INVALID_UNPROTECTED_HEADER"
	CodeInvalidSchema            Code = "INVALID_SCHEMA"
	CodeInvalidDigests           Code = "INVALID_DIGESTS"
	CodeInvalidDeviceKey         Code = "INVALID_DEVICE_KEY"
	CodeInvalidValidityInfo      Code = "INVALID_VALIDITY_INFO"
	CodeInvalidSignature         Code = "INVALID_SIGNATURE"
)

// ValidationError is the single error type the verifier returns. Message is
// stage-prefixed and human readable; Code is stable for programmatic use.
type ValidationError struct {
	Code    Code
	Message string
	cause   error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

func newError(code Code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// wrapError attaches a stage prefix and code to a lower-level decode, parse
// or crypto error so it never reaches the caller raw.
func wrapError(code Code, err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Code:    code,
		Message: fmt.Sprintf("%s - %v", fmt.Sprintf(format, args...), err),
		cause:   err,
	}
}

// AsValidationError unwraps err to the ValidationError carried inside it.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
