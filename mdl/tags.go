package mdl

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/document"
)

// validateTags walks the tag-preserving decode of the credential and checks
// that every semantic position carries the CBOR tag ISO 18013-5 assigns to
// it: tag 24 on issuer signed items and the MSO bytes, tag 1004 on full-date
// values, tag 0 on validity info date-times.
func validateTags(doc interface{}) error {
	if err := checkDocumentTags(doc); err != nil {
		return newError(CodeInvalidTags, "Failed to validate tags - %v", err)
	}
	return nil
}

func checkDocumentTags(doc interface{}) error {
	top, ok := doc.(map[interface{}]interface{})
	if !ok {
		return fmt.Errorf("credential is not a map")
	}

	nameSpaces, ok := top["nameSpaces"].(map[interface{}]interface{})
	if !ok {
		return fmt.Errorf("nameSpaces is not a map")
	}
	for rawNS, rawItems := range nameSpaces {
		ns, ok := rawNS.(string)
		if !ok {
			return fmt.Errorf("namespace key is not a string")
		}
		items, ok := rawItems.([]interface{})
		if !ok {
			return fmt.Errorf("namespace %s is not an array", ns)
		}
		for _, rawItem := range items {
			if err := checkItemTags(ns, rawItem); err != nil {
				return err
			}
		}
	}

	return checkValidityInfoTags(top["issuerAuth"])
}

func checkItemTags(ns string, rawItem interface{}) error {
	tag, ok := rawItem.(cbor.Tag)
	if !ok || tag.Number != tagEncodedCBOR {
		return fmt.Errorf("IssuerSignedItem in namespace %s must be wrapped in tag 24", ns)
	}
	inner, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("IssuerSignedItem tag 24 content in namespace %s must be a byte string", ns)
	}

	var item struct {
		ElementIdentifier document.ElementIdentifier `json:"elementIdentifier"`
		ElementValue      cbor.RawMessage            `json:"elementValue"`
	}
	if err := cbor.Unmarshal(inner, &item); err != nil {
		return fmt.Errorf("failed to decode IssuerSignedItem in namespace %s: %v", ns, err)
	}

	if document.IsFullDateElement(item.ElementIdentifier) {
		if !isFullDateTagged(item.ElementValue) {
			return fmt.Errorf("element %s in namespace %s must be a full-date (tag 1004)", item.ElementIdentifier, ns)
		}
	}
	if document.HasDrivingPrivileges(item.ElementIdentifier) {
		if err := checkPrivilegeTags(item.ElementValue); err != nil {
			return fmt.Errorf("element %s in namespace %s: %v", item.ElementIdentifier, ns, err)
		}
	}
	return nil
}

func isFullDateTagged(raw cbor.RawMessage) bool {
	var v interface{}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return false
	}
	tag, ok := v.(cbor.Tag)
	return ok && tag.Number == tagFullDate
}

func checkPrivilegeTags(raw cbor.RawMessage) error {
	var privileges []map[string]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &privileges); err != nil {
		return fmt.Errorf("driving privileges are not an array of maps: %v", err)
	}
	for _, privilege := range privileges {
		for _, field := range []string{"issue_date", "expiry_date"} {
			value, exists := privilege[field]
			if !exists {
				continue
			}
			if !isFullDateTagged(value) {
				return fmt.Errorf("driving privilege %s must be a full-date (tag 1004)", field)
			}
		}
	}
	return nil
}

func checkValidityInfoTags(rawIssuerAuth interface{}) error {
	issuerAuth, ok := rawIssuerAuth.([]interface{})
	if !ok || len(issuerAuth) != 4 {
		return fmt.Errorf("issuerAuth is not a 4-element array")
	}
	payload, ok := issuerAuth[2].([]byte)
	if !ok {
		return fmt.Errorf("issuerAuth payload is not a byte string")
	}

	decoded, err := decodeTagPreserving(payload)
	if err != nil {
		return fmt.Errorf("failed to decode issuerAuth payload: %v", err)
	}
	tag, ok := decoded.(cbor.Tag)
	if !ok || tag.Number != tagEncodedCBOR {
		return fmt.Errorf("MobileSecurityObject bytes must be wrapped in tag 24")
	}
	msoBytes, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("MobileSecurityObject tag 24 content must be a byte string")
	}

	var mso struct {
		ValidityInfo map[string]cbor.RawMessage `json:"validityInfo"`
	}
	if err := cbor.Unmarshal(msoBytes, &mso); err != nil {
		return fmt.Errorf("failed to decode MobileSecurityObject: %v", err)
	}
	if mso.ValidityInfo == nil {
		return fmt.Errorf("validityInfo is not a map")
	}
	for _, field := range []string{"signed", "validFrom", "validUntil"} {
		if !isDateTimeTagged(mso.ValidityInfo[field]) {
			return fmt.Errorf("validityInfo %s must be a date-time (tag 0)", field)
		}
	}
	return nil
}

// isDateTimeTagged inspects the raw bytes so that only tag 0 over a text
// string qualifies. A generic decode would resolve tag 1 (epoch date-time)
// to time.Time as well and make the two indistinguishable.
func isDateTimeTagged(raw cbor.RawMessage) bool {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(raw, &tag); err != nil {
		return false
	}
	if tag.Number != tagDateTime {
		return false
	}
	var value string
	return cbor.Unmarshal(tag.Content, &value) == nil
}
