package mdl

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// validateIssuerAuth runs the strictly sequential issuer data authentication
// stages: protected header, unprotected header and document signing
// certificate, MSO payload, COSE signature. The first failure aborts.
func (v *Verifier) validateIssuerAuth(issuerSigned *IssuerSigned, root *x509.Certificate) error {
	ia, err := issuerSigned.ParseIssuerAuth()
	if err != nil {
		return wrapError(CodeCBORDecodeError, err, "Failed to decode issuerAuth")
	}

	if err := validateProtectedHeader(ia.Protected); err != nil {
		return err
	}
	cert, err := v.validateUnprotectedHeader(ia.Unprotected, root)
	if err != nil {
		return err
	}
	if err := v.validatePayload(ia, issuerSigned); err != nil {
		return err
	}
	return verifySignature(ia.raw, cert)
}

// validateProtectedHeader requires a one-entry map {alg: ES256}.
func validateProtectedHeader(protected []byte) error {
	var header map[interface{}]interface{}
	if err := cbor.Unmarshal(protected, &header); err != nil {
		return newError(CodeInvalidProtectedHeader, "Protected header is not a Map")
	}
	if len(header) > 1 {
		return newError(CodeInvalidProtectedHeader, "Protected header must not contain parameters other than alg")
	}
	alg, ok := protectedHeaderAlg(header)
	if !ok {
		return newError(CodeInvalidProtectedHeader, "Protected header must contain the alg parameter (1)")
	}
	if alg != int64(cose.AlgorithmES256) {
		return newError(CodeInvalidProtectedHeader, "Protected header alg must be ES256 (-7)")
	}
	return nil
}

func protectedHeaderAlg(header map[interface{}]interface{}) (int64, bool) {
	value, ok := header[uint64(cose.HeaderLabelAlgorithm)]
	if !ok {
		return 0, false
	}
	switch alg := value.(type) {
	case int64:
		return alg, true
	case uint64:
		return int64(alg), true
	}
	return 0, false
}

// validateUnprotectedHeader requires a one-entry map {x5chain: certificate}
// and validates the document signing certificate against the trusted root.
func (v *Verifier) validateUnprotectedHeader(raw cbor.RawMessage, root *x509.Certificate) (*x509.Certificate, error) {
	var header map[int64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &header); err != nil {
		return nil, newError(CodeInvalidUnprotectedHeader, "Unprotected header is not a Map")
	}
	if len(header) != 1 {
		return nil, newError(CodeInvalidUnprotectedHeader, "Unprotected header must not contain parameters other than x5chain")
	}
	rawChain, ok := header[int64(cose.HeaderLabelX5Chain)]
	if !ok {
		return nil, newError(CodeInvalidUnprotectedHeader, "Unprotected header must contain the x5chain parameter (33)")
	}

	cert, err := parseDocumentSigningCertificate(rawChain)
	if err != nil {
		return nil, wrapError(CodeInvalidUnprotectedHeader, err,
			"Failed to parse document signing certificate as X509Certificate")
	}

	if cert.IsCA {
		return nil, newError(CodeInvalidUnprotectedHeader, "Document signing certificate must not be a CA certificate")
	}
	now := v.certCurrentTime
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, newError(CodeInvalidUnprotectedHeader, "Document signing certificate is not valid at the current time")
	}
	if !bytes.Equal(cert.RawIssuer, root.RawSubject) {
		return nil, newError(CodeInvalidUnprotectedHeader, "Certificate issuer does not match root subject")
	}
	if err := cert.CheckSignatureFrom(root); err != nil {
		return nil, wrapError(CodeInvalidUnprotectedHeader, err,
			"Failed to verify document signing certificate against root certificate")
	}
	return cert, nil
}

// x5chain carries either a single certificate or a chain; the document
// signing certificate is the first entry.
func parseDocumentSigningCertificate(rawChain cbor.RawMessage) (*x509.Certificate, error) {
	var der []byte
	if err := cbor.Unmarshal(rawChain, &der); err != nil {
		var chain [][]byte
		if err := cbor.Unmarshal(rawChain, &chain); err != nil || len(chain) == 0 {
			return nil, err
		}
		der = chain[0]
	}
	return x509.ParseCertificate(der)
}

// validatePayload decodes the MSO and validates it: schema, value digests,
// device key, validity window.
func (v *Verifier) validatePayload(ia *IssuerAuth, issuerSigned *IssuerSigned) error {
	normalized, err := decodeTagNormalizing(ia.Payload)
	if err != nil {
		return wrapError(CodeCBORDecodeError, err, "Failed to decode MobileSecurityObject")
	}
	if err := v.schemas.validateMSO(normalized); err != nil {
		return err
	}

	mso, err := ia.MobileSecurityObject()
	if err != nil {
		return wrapError(CodeCBORDecodeError, err, "Failed to decode MobileSecurityObject")
	}

	if err := verifyDigests(issuerSigned, mso); err != nil {
		return err
	}
	if err := validateDeviceKey(mso.DeviceKeyInfo.DeviceKey); err != nil {
		return err
	}
	return v.validateValidityInfo(mso.ValidityInfo)
}

// verifyDigests recomputes every issuer signed item digest over the exact
// original tag-24 bytes and compares it with the MSO entry for its ID.
func verifyDigests(issuerSigned *IssuerSigned, mso *MobileSecurityObject) error {
	for ns, itemBytes := range issuerSigned.NameSpaces {
		digestIDs := mso.ValueDigests[ns]

		for _, itemByte := range itemBytes {
			item, err := itemByte.IssuerSignedItem()
			if err != nil {
				return wrapError(CodeInvalidDigests, err, "Failed to decode IssuerSignedItem in namespace %s", ns)
			}
			calculated, err := itemByte.Digest(mso.DigestAlgorithm)
			if err != nil {
				return wrapError(CodeInvalidDigests, err, "Failed to calculate digest for digest ID %d in namespace %s", item.DigestID, ns)
			}

			expected, ok := digestIDs[item.DigestID]
			if !ok {
				return newError(CodeInvalidDigests, "No digest found for digest ID %d in MSO namespace %s: %v",
					item.DigestID, ns, availableDigestIDs(digestIDs))
			}
			// Comparison is byte-exact; hex is display only.
			if !bytes.Equal(expected, calculated) {
				return newError(CodeInvalidDigests,
					"Digest mismatch for element identifier %s with digest ID %d in namespace %s - Expected %s but calculated %s",
					item.ElementIdentifier, item.DigestID, ns,
					hex.EncodeToString(expected), hex.EncodeToString(calculated))
			}
		}
	}
	return nil
}

func availableDigestIDs(digestIDs DigestIDs) []DigestID {
	ids := make([]DigestID, 0, len(digestIDs))
	for id := range digestIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// validateDeviceKey requires exactly the EC2 P-256 parameter set and a key
// that imports as a valid point.
func validateDeviceKey(key COSEKey) error {
	if len(key) != 4 {
		return newError(CodeInvalidDeviceKey, "DeviceKey must contain exactly the keys [1, -1, -2, -3]")
	}
	for _, label := range []int64{coseKeyLabelKty, coseKeyLabelCrv, coseKeyLabelX, coseKeyLabelY} {
		if _, ok := key[label]; !ok {
			return newError(CodeInvalidDeviceKey, "DeviceKey must contain exactly the keys [1, -1, -2, -3]")
		}
	}

	var kty int64
	if err := cbor.Unmarshal(key[coseKeyLabelKty], &kty); err != nil || kty != coseKeyTypeEC2 {
		return newError(CodeInvalidDeviceKey, "DeviceKey key type (1) must be EC2 (Elliptic Curve) (2)")
	}
	var crv int64
	if err := cbor.Unmarshal(key[coseKeyLabelCrv], &crv); err != nil || crv != coseCurveP256 {
		return newError(CodeInvalidDeviceKey, "DeviceKey curve (-1) must be P-256 (1)")
	}
	var coordinate []byte
	if err := cbor.Unmarshal(key[coseKeyLabelX], &coordinate); err != nil {
		return newError(CodeInvalidDeviceKey, "DeviceKey x coordinate (-2) must be a byte string")
	}
	if err := cbor.Unmarshal(key[coseKeyLabelY], &coordinate); err != nil {
		return newError(CodeInvalidDeviceKey, "DeviceKey y coordinate (-3) must be a byte string")
	}

	if _, err := key.ECDSAPublicKey(); err != nil {
		return newError(CodeInvalidDeviceKey, "Invalid elliptic curve key")
	}
	return nil
}

// validateValidityInfo collects every violated window rule into one error.
func (v *Verifier) validateValidityInfo(info ValidityInfo) error {
	now := v.signCurrentTime
	var violations []string

	if info.Signed.After(now) {
		violations = append(violations, formatViolation("'signed' (%s) must be in the past", info.Signed))
	}
	if info.ValidFrom.After(now) {
		violations = append(violations, formatViolation("'validFrom' (%s) must be in the past", info.ValidFrom))
	}
	if !info.ValidUntil.After(now) {
		violations = append(violations, formatViolation("'validUntil' (%s) must be in the future", info.ValidUntil))
	}
	if info.ValidFrom.Before(info.Signed) {
		violations = append(violations,
			formatViolation("'validFrom' (%s) must be equal or later than 'signed' (%s)", info.ValidFrom, info.Signed))
	}

	if len(violations) > 0 {
		return newError(CodeInvalidValidityInfo, "One or more dates are invalid - %s", strings.Join(violations, ", "))
	}
	return nil
}

func formatViolation(format string, dates ...time.Time) string {
	args := make([]interface{}, len(dates))
	for i, date := range dates {
		args[i] = date.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(format, args...)
}

// verifySignature checks the ES256 signature over the COSE Sig_structure
// using the document signing certificate's public key.
func verifySignature(rawIssuerAuth cbor.RawMessage, cert *x509.Certificate) error {
	documentSigningKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return newError(CodeInvalidSignature, "Signature not verified - unexpected public key type %T", cert.PublicKey)
	}

	var msg cose.UntaggedSign1Message
	if err := cbor.Unmarshal(rawIssuerAuth, &msg); err != nil {
		return wrapError(CodeInvalidSignature, err, "Signature not verified")
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, documentSigningKey)
	if err != nil {
		return wrapError(CodeInvalidSignature, err, "Signature not verified")
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return newError(CodeInvalidSignature, "Signature not verified")
	}
	return nil
}
