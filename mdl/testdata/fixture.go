// Package testdata builds issuer signed mDL credentials for tests: a root
// CA, a document signing certificate issued under it, and a fully populated,
// correctly digested and signed credential with hooks to tamper with every
// part a test wants to break.
package testdata

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/document"
)

// Portrait is a minimal JPEG-shaped byte sequence the portrait checks accept.
var Portrait = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46, 0x00, 0xFF, 0xD9}

type Fixture struct {
	Credential string
	RootPEM    []byte
	Root       *x509.Certificate
	DSCert     *x509.Certificate
	Raw        []byte
}

type Option func(*builder)

type builder struct {
	now                  time.Time
	signed               time.Time
	validFrom            time.Time
	validUntil           time.Time
	portrait             []byte
	digestOverrides      map[string][]byte
	extraDeviceKeyParams map[int64]interface{}
	dropElements         map[string]bool
	dropDigestEntries    map[string]bool
	duplicateDigestIDs   bool
	untaggedFullDates    bool
	untaggedItems        bool
	untaggedValidity     bool
	epochValidity        bool
	foreignRoot          bool
	tamperSignature      bool
	withoutDomestic      bool
}

// WithValidityWindow overrides the MSO validity window.
func WithValidityWindow(signed, validFrom, validUntil time.Time) Option {
	return func(b *builder) {
		b.signed, b.validFrom, b.validUntil = signed, validFrom, validUntil
	}
}

// WithPortrait replaces the portrait element bytes.
func WithPortrait(portrait []byte) Option {
	return func(b *builder) {
		b.portrait = portrait
	}
}

// WithDigestOverride stores digest in the MSO for the named element instead
// of the correctly computed one.
func WithDigestOverride(identifier string, digest []byte) Option {
	return func(b *builder) {
		b.digestOverrides[identifier] = digest
	}
}

// WithExtraDeviceKeyParam adds a COSE key parameter beyond the EC2 set.
func WithExtraDeviceKeyParam(label int64, value interface{}) Option {
	return func(b *builder) {
		b.extraDeviceKeyParams[label] = value
	}
}

// WithDuplicateDigestIDs gives the first two ISO items the same digest ID.
func WithDuplicateDigestIDs() Option {
	return func(b *builder) {
		b.duplicateDigestIDs = true
	}
}

// WithUntaggedFullDates drops the tag-1004 wrappers but keeps the strings.
func WithUntaggedFullDates() Option {
	return func(b *builder) {
		b.untaggedFullDates = true
	}
}

// WithUntaggedItems drops the tag-24 wrappers around issuer signed items.
func WithUntaggedItems() Option {
	return func(b *builder) {
		b.untaggedItems = true
	}
}

// WithUntaggedValidityDates drops the tag-0 wrappers in validityInfo.
func WithUntaggedValidityDates() Option {
	return func(b *builder) {
		b.untaggedValidity = true
	}
}

// WithEpochValidityDates encodes the validityInfo dates as tag-1 epoch
// values instead of tag-0 text strings.
func WithEpochValidityDates() Option {
	return func(b *builder) {
		b.epochValidity = true
	}
}

// WithDroppedDigestEntry keeps the named element in its namespace but
// removes its digest from the MSO valueDigests.
func WithDroppedDigestEntry(identifier string) Option {
	return func(b *builder) {
		b.dropDigestEntries[identifier] = true
	}
}

// WithForeignRoot issues the document signing certificate under a different
// root than the one handed to the verifier.
func WithForeignRoot() Option {
	return func(b *builder) {
		b.foreignRoot = true
	}
}

// WithTamperedSignature flips a byte of the COSE signature after signing.
func WithTamperedSignature() Option {
	return func(b *builder) {
		b.tamperSignature = true
	}
}

// WithoutDomesticNameSpace omits the domestic namespace entirely.
func WithoutDomesticNameSpace() Option {
	return func(b *builder) {
		b.withoutDomestic = true
	}
}

// WithDropElement omits one element from its namespace.
func WithDropElement(identifier string) Option {
	return func(b *builder) {
		b.dropElements[identifier] = true
	}
}

type issuerSignedItem struct {
	DigestID          uint64      `json:"digestID"`
	Random            []byte      `json:"random"`
	ElementIdentifier string      `json:"elementIdentifier"`
	ElementValue      interface{} `json:"elementValue"`
}

type drivingPrivilege struct {
	VehicleCategoryCode string          `json:"vehicle_category_code"`
	IssueDate           interface{}     `json:"issue_date,omitempty"`
	ExpiryDate          interface{}     `json:"expiry_date,omitempty"`
	Codes               []privilegeCode `json:"codes,omitempty"`
}

type privilegeCode struct {
	Code string `json:"code"`
}

type mobileSecurityObject struct {
	Version         string                       `json:"version"`
	DigestAlgorithm string                       `json:"digestAlgorithm"`
	ValueDigests    map[string]map[uint64][]byte `json:"valueDigests"`
	DeviceKeyInfo   deviceKeyInfo                `json:"deviceKeyInfo"`
	DocType         string                       `json:"docType"`
	ValidityInfo    validityInfo                 `json:"validityInfo"`
	Status          status                       `json:"status"`
}

type deviceKeyInfo struct {
	DeviceKey         map[int64]interface{} `json:"deviceKey"`
	KeyAuthorizations keyAuthorizations     `json:"keyAuthorizations"`
}

type keyAuthorizations struct {
	NameSpaces []string `json:"nameSpaces"`
}

type validityInfo struct {
	Signed     interface{} `json:"signed"`
	ValidFrom  interface{} `json:"validFrom"`
	ValidUntil interface{} `json:"validUntil"`
}

type status struct {
	StatusList statusList `json:"status_list"`
}

type statusList struct {
	Idx uint64 `json:"idx"`
	URI string `json:"uri"`
}

type issuerSignedDoc struct {
	NameSpaces map[string][]cbor.RawMessage `json:"nameSpaces"`
	IssuerAuth *cose.UntaggedSign1Message   `json:"issuerAuth"`
}

// Build produces a credential that verifies cleanly at now unless one of the
// tamper options says otherwise.
func Build(now time.Time, opts ...Option) (*Fixture, error) {
	b := &builder{
		now:                  now,
		signed:               now.Add(-1 * time.Hour),
		validFrom:            now.Add(-1 * time.Hour),
		validUntil:           now.AddDate(1, 0, 0),
		portrait:             Portrait,
		digestOverrides:      map[string][]byte{},
		extraDeviceKeyParams: map[int64]interface{}{},
		dropElements:         map[string]bool{},
		dropDigestEntries:    map[string]bool{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

func (b *builder) build() (*Fixture, error) {
	rootKey, rootCert, err := newRootCertificate("Test IACA Root CA", b.now)
	if err != nil {
		return nil, err
	}

	signerKey, signerCert := rootKey, rootCert
	if b.foreignRoot {
		if signerKey, signerCert, err = newRootCertificate("Other IACA Root CA", b.now); err != nil {
			return nil, err
		}
	}
	dsKey, dsCert, err := newDSCertificate(signerCert, signerKey, b.now)
	if err != nil {
		return nil, err
	}

	nameSpaces := map[string][]cbor.RawMessage{}
	valueDigests := map[string]map[uint64][]byte{}
	digestID := uint64(0)
	for _, ns := range b.nameSpaceList() {
		values := b.elementValues(ns)
		digests := map[uint64][]byte{}
		items := []cbor.RawMessage{}
		first := true
		for _, e := range mustElements(ns) {
			value, present := values[string(e.Identifier)]
			if !present || b.dropElements[string(e.Identifier)] {
				continue
			}
			id := digestID
			digestID++
			if b.duplicateDigestIDs && ns == string(document.ISONameSpace) && !first {
				id = 0
				b.duplicateDigestIDs = false // only collide one pair
			}
			first = false

			tagged, digest, err := b.encodeItem(id, string(e.Identifier), value)
			if err != nil {
				return nil, err
			}
			if override, ok := b.digestOverrides[string(e.Identifier)]; ok {
				digest = override
			}
			items = append(items, tagged)
			if !b.dropDigestEntries[string(e.Identifier)] {
				digests[id] = digest
			}
		}
		nameSpaces[ns] = items
		valueDigests[ns] = digests
	}

	deviceKey, err := b.deviceKey()
	if err != nil {
		return nil, err
	}

	mso := mobileSecurityObject{
		Version:         "1.0",
		DigestAlgorithm: "SHA-256",
		ValueDigests:    valueDigests,
		DeviceKeyInfo: deviceKeyInfo{
			DeviceKey: deviceKey,
			KeyAuthorizations: keyAuthorizations{
				NameSpaces: []string{string(document.ISONameSpace), string(document.DomesticNameSpace)},
			},
		},
		DocType: document.MDLDocType,
		ValidityInfo: validityInfo{
			Signed:     b.dateTime(b.signed),
			ValidFrom:  b.dateTime(b.validFrom),
			ValidUntil: b.dateTime(b.validUntil),
		},
		Status: status{
			StatusList: statusList{
				Idx: 0,
				URI: "https://example.com/status-list/1",
			},
		},
	}
	msoBytes, err := cbor.Marshal(mso)
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(cbor.Tag{Number: 24, Content: msoBytes})
	if err != nil {
		return nil, err
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, dsKey)
	if err != nil {
		return nil, err
	}
	msg := &cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
			Unprotected: cose.UnprotectedHeader{
				cose.HeaderLabelX5Chain: dsCert.Raw,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	if b.tamperSignature {
		msg.Signature[0] ^= 0xFF
	}

	raw, err := cbor.Marshal(issuerSignedDoc{
		NameSpaces: nameSpaces,
		IssuerAuth: msg,
	})
	if err != nil {
		return nil, err
	}

	return &Fixture{
		Credential: base64.RawURLEncoding.EncodeToString(raw),
		RootPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: rootCert.Raw,
		}),
		Root:   rootCert,
		DSCert: dsCert,
		Raw:    raw,
	}, nil
}

func (b *builder) nameSpaceList() []string {
	if b.withoutDomestic {
		return []string{string(document.ISONameSpace)}
	}
	return []string{string(document.ISONameSpace), string(document.DomesticNameSpace)}
}

func mustElements(ns string) []document.Element {
	elements, ok := document.ElementsFor(document.NameSpace(ns))
	if !ok {
		panic(fmt.Sprintf("unknown namespace %s", ns))
	}
	return elements
}

func (b *builder) elementValues(ns string) map[string]interface{} {
	if ns == string(document.DomesticNameSpace) {
		return map[string]interface{}{
			"title": "Dr",
			"provisional_driving_entitlements": []drivingPrivilege{{
				VehicleCategoryCode: "AM",
				IssueDate:           b.fullDate("2023-09-01"),
				ExpiryDate:          b.fullDate("2033-08-31"),
			}},
			"welsh_licence": false,
		}
	}
	return map[string]interface{}{
		"family_name":       "Edwards-Smith",
		"given_name":        "Sarah Elizabeth",
		"birth_date":        b.fullDate("1985-03-11"),
		"birth_place":       "London",
		"issue_date":        b.fullDate("2024-01-10"),
		"expiry_date":       b.fullDate("2034-01-09"),
		"issuing_authority": "DVLA",
		"issuing_country":   "GB",
		"document_number":   uuid.NewString(),
		"portrait":          b.portrait,
		"driving_privileges": []drivingPrivilege{{
			VehicleCategoryCode: "B",
			IssueDate:           b.fullDate("2015-06-01"),
			ExpiryDate:          b.fullDate("2035-05-31"),
			Codes:               []privilegeCode{{Code: "01"}},
		}},
		"un_distinguishing_sign": "UK",
		"resident_address":       "1 Whitehall Place",
		"resident_city":          "London",
		"resident_postal_code":   "SW1A 2AA",
		"age_over_18":            true,
		"age_over_21":            true,
		"age_over_25":            true,
	}
}

func (b *builder) fullDate(date string) interface{} {
	if b.untaggedFullDates {
		return date
	}
	return cbor.Tag{Number: 1004, Content: date}
}

func (b *builder) dateTime(t time.Time) interface{} {
	if b.epochValidity {
		return cbor.Tag{Number: 1, Content: t.UTC().Unix()}
	}
	formatted := t.UTC().Format(time.RFC3339)
	if b.untaggedValidity {
		return formatted
	}
	return cbor.Tag{Number: 0, Content: formatted}
}

// encodeItem encodes one IssuerSignedItem, wraps it in tag 24 and computes
// the digest over the wrapped bytes.
func (b *builder) encodeItem(digestID uint64, identifier string, value interface{}) (cbor.RawMessage, []byte, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return nil, nil, err
	}

	itemBytes, err := cbor.Marshal(issuerSignedItem{
		DigestID:          digestID,
		Random:            random,
		ElementIdentifier: identifier,
		ElementValue:      value,
	})
	if err != nil {
		return nil, nil, err
	}
	tagged, err := cbor.Marshal(cbor.Tag{Number: 24, Content: itemBytes})
	if err != nil {
		return nil, nil, err
	}
	digest := sha256.Sum256(tagged)

	if b.untaggedItems {
		return itemBytes, digest[:], nil
	}
	return tagged, digest[:], nil
}

func (b *builder) deviceKey() (map[int64]interface{}, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	deviceKey := map[int64]interface{}{
		1:  int64(2), // kty: EC2
		-1: int64(1), // crv: P-256
		-2: key.PublicKey.X.FillBytes(make([]byte, 32)),
		-3: key.PublicKey.Y.FillBytes(make([]byte, 32)),
	}
	for label, value := range b.extraDeviceKeyParams {
		deviceKey[label] = value
	}
	return deviceKey, nil
}

func newRootCertificate(commonName string, now time.Time) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func newDSCertificate(parent *x509.Certificate, parentKey *ecdsa.PrivateKey, now time.Time) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Document Signing"},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.AddDate(2, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}
