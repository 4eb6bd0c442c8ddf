package mdl

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/document"
	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/pkg/hash"
)

type DocType string

type DigestID uint32

type Digest []byte

// IssuerSigned is the top level credential document. IssuerAuth stays raw
// until the issuer-auth stage takes it apart with precise per-field errors.
type IssuerSigned struct {
	NameSpaces IssuerNameSpaces `json:"nameSpaces"`
	IssuerAuth cbor.RawMessage  `json:"issuerAuth"`
}

type IssuerNameSpaces map[document.NameSpace][]IssuerSignedItemBytes

// IssuerSignedItemBytes holds the encoding of one IssuerSignedItem. The
// decoder strips the mandatory tag-24 wrapper, so these are the inner bytes;
// Digest re-wraps them to hash exactly what the issuer hashed.
type IssuerSignedItemBytes cbor.RawMessage

func (b IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty issuer signed item bytes")
	}
	var item IssuerSignedItem
	if err := cbor.Unmarshal(b, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issuer signed item: %w", err)
	}
	item.rawBytes = b
	return &item, nil
}

// Digest recomputes the value digest over #6.24(bstr .cbor IssuerSignedItem).
func (b IssuerSignedItemBytes) Digest(alg string) ([]byte, error) {
	v, err := cbor.Marshal(cbor.Tag{
		Number:  tagEncodedCBOR,
		Content: b,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged CBOR: %w", err)
	}
	return hash.Digest(v, alg)
}

type IssuerSignedItem struct {
	DigestID          DigestID                   `json:"digestID"`
	Random            []byte                     `json:"random"`
	ElementIdentifier document.ElementIdentifier `json:"elementIdentifier"`
	ElementValue      interface{}                `json:"elementValue"`
	rawBytes          IssuerSignedItemBytes
}

// IssuerAuth is the COSE_Sign1 carrying the MSO, kept as its four raw parts
// so each validation stage decodes only what it inspects.
type IssuerAuth struct {
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
	raw         cbor.RawMessage
}

func (i *IssuerSigned) ParseIssuerAuth() (*IssuerAuth, error) {
	if len(i.IssuerAuth) == 0 {
		return nil, fmt.Errorf("missing issuerAuth")
	}
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(i.IssuerAuth, &parts); err != nil {
		return nil, fmt.Errorf("issuerAuth is not an array: %w", err)
	}
	if len(parts) != 4 {
		return nil, fmt.Errorf("issuerAuth must be a 4-element array, got %d", len(parts))
	}

	ia := &IssuerAuth{Unprotected: parts[1], raw: i.IssuerAuth}
	if err := cbor.Unmarshal(parts[0], &ia.Protected); err != nil {
		return nil, fmt.Errorf("issuerAuth protected header is not a byte string: %w", err)
	}
	if err := cbor.Unmarshal(parts[2], &ia.Payload); err != nil {
		return nil, fmt.Errorf("issuerAuth payload is not a byte string: %w", err)
	}
	if err := cbor.Unmarshal(parts[3], &ia.Signature); err != nil {
		return nil, fmt.Errorf("issuerAuth signature is not a byte string: %w", err)
	}
	return ia, nil
}

// MobileSecurityObject unwraps the tag-24 payload and decodes the MSO.
func (ia *IssuerAuth) MobileSecurityObject() (*MobileSecurityObject, error) {
	if len(ia.Payload) == 0 {
		return nil, fmt.Errorf("missing payload")
	}

	var taggedData cbor.Tag
	if err := cbor.Unmarshal(ia.Payload, &taggedData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged data: %w", err)
	}
	content, ok := taggedData.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected content type: %T", taggedData.Content)
	}

	var mso MobileSecurityObject
	if err := cbor.Unmarshal(content, &mso); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MSO: %w", err)
	}
	return &mso, nil
}

type MobileSecurityObject struct {
	Version         string        `json:"version"`
	DigestAlgorithm string        `json:"digestAlgorithm"`
	ValueDigests    ValueDigests  `json:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `json:"deviceKeyInfo"`
	DocType         DocType       `json:"docType"`
	ValidityInfo    ValidityInfo  `json:"validityInfo"`
	Status          *Status       `json:"status,omitempty"`
}

type ValueDigests map[document.NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type DeviceKeyInfo struct {
	DeviceKey         COSEKey            `json:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `json:"keyAuthorizations,omitempty"`
}

// COSEKey keeps the raw key parameters by label so the exact parameter set
// can be checked before anything is interpreted.
type COSEKey map[int64]cbor.RawMessage

// RFC 8152 labels and registered values for an EC2 P-256 key.
const (
	coseKeyLabelKty int64 = 1
	coseKeyLabelCrv int64 = -1
	coseKeyLabelX   int64 = -2
	coseKeyLabelY   int64 = -3

	coseKeyTypeEC2 int64 = 2
	coseCurveP256  int64 = 1
)

type KeyAuthorizations struct {
	NameSpaces   []document.NameSpace                                `cbor:"nameSpaces,omitempty"`
	DataElements map[document.NameSpace][]document.ElementIdentifier `cbor:"dataElements,omitempty"`
}

type ValidityInfo struct {
	Signed         time.Time  `json:"signed"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     time.Time  `json:"validUntil"`
	ExpectedUpdate *time.Time `json:"expectedUpdate,omitempty"`
}

type Status struct {
	StatusList StatusList `json:"status_list"`
}

type StatusList struct {
	Idx uint64 `json:"idx"`
	URI string `json:"uri"`
}

// ECDSAPublicKey imports the device key as a P-256 public key. Parameter-set
// and type checks happen in validateDeviceKey before this is called.
func (k COSEKey) ECDSAPublicKey() (*ecdsa.PublicKey, error) {
	var xBytes, yBytes []byte
	if err := cbor.Unmarshal(k[coseKeyLabelX], &xBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal X coordinate: %w", err)
	}
	if err := cbor.Unmarshal(k[coseKeyLabelY], &yBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Y coordinate: %w", err)
	}
	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, fmt.Errorf("invalid coordinates")
	}

	pubKey := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pubKey.Curve.IsOnCurve(pubKey.X, pubKey.Y) {
		return nil, fmt.Errorf("point is not on P-256")
	}
	return pubKey, nil
}
