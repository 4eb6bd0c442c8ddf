package mdl

import (
	"encoding/base64"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/pkg/pki"
)

type VerifierOption func(*Verifier)

// WithSignCurrentTime fixes the clock the MSO validity window is checked
// against. Defaults to wall clock time.
func WithSignCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.signCurrentTime = date
	}
}

// WithCertCurrentTime fixes the clock the document signing certificate
// validity is checked against. Defaults to wall clock time.
func WithCertCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.certCurrentTime = date
	}
}

// Verifier validates mDL credentials. It is immutable after construction
// and safe for concurrent use; every verification is independent.
type Verifier struct {
	schemas         *schemaSet
	signCurrentTime time.Time
	certCurrentTime time.Time
}

func NewVerifier(opts ...VerifierOption) (*Verifier, error) {
	schemas, err := newSchemaSet()
	if err != nil {
		return nil, err
	}

	verifier := &Verifier{
		schemas:         schemas,
		signCurrentTime: time.Now(),
		certCurrentTime: time.Now(),
	}
	for _, opt := range opts {
		opt(verifier)
	}
	return verifier, nil
}

// VerifyCredential validates a base64url encoded mDL credential against the
// trusted root certificate. It returns true only when every stage passes;
// any failure returns false with a *ValidationError carrying a stable code.
//
// Stages, in order: base64url decode, tag-preserving CBOR decode, tag
// validation, tag-normalizing CBOR decode, envelope and namespace schema
// validation, namespace content validation, issuer-auth validation.
func (v *Verifier) VerifyCredential(credential string, rootCertificatePEM []byte) (bool, error) {
	data, err := base64.RawURLEncoding.DecodeString(credential)
	if err != nil {
		return false, wrapError(CodeInvalidBase64URL, err, "Failed to decode base64url encoded credential")
	}

	root, err := pki.ParseCertificate(rootCertificatePEM)
	if err != nil {
		return false, wrapError(CodeValidationFailed, err, "Failed to parse root certificate")
	}

	preserved, err := decodeTagPreserving(data)
	if err != nil {
		return false, wrapError(CodeCBORDecodeError, err, "Failed to decode credential as CBOR")
	}
	if err := validateTags(preserved); err != nil {
		return false, err
	}

	normalized, err := decodeTagNormalizing(data)
	if err != nil {
		return false, wrapError(CodeCBORDecodeError, err, "Failed to decode credential as CBOR")
	}
	if err := v.schemas.validateIssuerSigned(normalized); err != nil {
		return false, err
	}
	if err := validateNameSpacesContent(normalized); err != nil {
		return false, err
	}

	var issuerSigned IssuerSigned
	if err := cbor.Unmarshal(data, &issuerSigned); err != nil {
		return false, wrapError(CodeCBORDecodeError, err, "Failed to decode credential as CBOR")
	}
	if err := v.validateIssuerAuth(&issuerSigned, root); err != nil {
		return false, err
	}
	return true, nil
}
