package mdl

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/document"
)

// JPEG markers the portrait bytes must carry.
var (
	portraitSOIPrefixes = [][]byte{
		{0xFF, 0xD8, 0xFF, 0xE0},
		{0xFF, 0xD8, 0xFF, 0xEE},
		{0xFF, 0xD8, 0xFF, 0xDB},
	}
	portraitEOI = []byte{0xFF, 0xD9}
)

type itemView struct {
	DigestID          uint32      `mapstructure:"digestID"`
	ElementIdentifier string      `mapstructure:"elementIdentifier"`
	ElementValue      interface{} `mapstructure:"elementValue"`
}

// validateNameSpacesContent runs the two content checks over the normalized
// nameSpaces: digest-ID uniqueness per namespace and the portrait format.
func validateNameSpacesContent(normalized interface{}) error {
	top, ok := normalized.(map[string]interface{})
	if !ok {
		return newError(CodeValidationFailed, "credential is not a map")
	}
	nameSpaces, ok := top["nameSpaces"].(map[string]interface{})
	if !ok {
		return newError(CodeValidationFailed, "nameSpaces is not a map")
	}

	for ns, rawItems := range nameSpaces {
		items, err := itemViews(rawItems)
		if err != nil {
			return newError(CodeValidationFailed, "namespace %s: %v", ns, err)
		}

		if err := checkDigestIDUniqueness(ns, items); err != nil {
			return err
		}
		if ns == string(document.ISONameSpace) {
			if err := checkPortrait(items); err != nil {
				return err
			}
		}
	}
	return nil
}

func itemViews(rawItems interface{}) ([]itemView, error) {
	list, ok := rawItems.([]interface{})
	if !ok {
		return nil, fmt.Errorf("items are not an array")
	}
	items := make([]itemView, 0, len(list))
	for _, raw := range list {
		var item itemView
		if err := mapstructure.Decode(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to decode IssuerSignedItem: %v", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func checkDigestIDUniqueness(ns string, items []itemView) error {
	seen := map[uint32]struct{}{}
	for _, item := range items {
		seen[item.DigestID] = struct{}{}
	}
	if len(seen) < len(items) {
		return newError(CodeInvalidDigestIDs, "Digest IDs are not unique for namespace %s", ns)
	}
	return nil
}

func checkPortrait(items []itemView) error {
	for _, item := range items {
		if item.ElementIdentifier != "portrait" {
			continue
		}
		portrait, ok := item.ElementValue.([]byte)
		if !ok {
			return newError(CodeInvalidPortrait, "Portrait must be a byte string, got %T", item.ElementValue)
		}
		if len(portrait) < 6 {
			return newError(CodeInvalidPortrait, "Portrait must be a JPEG image, got %d bytes", len(portrait))
		}
		if !hasPortraitSOI(portrait) {
			return newError(CodeInvalidPortrait,
				"Portrait must start with SOI marker ffd8ffe0, ffd8ffee or ffd8ffdb - found %s",
				hex.EncodeToString(portrait[:4]))
		}
		if !bytes.HasSuffix(portrait, portraitEOI) {
			return newError(CodeInvalidPortrait,
				"Portrait must end with EOI marker ffd9 - found %s",
				hex.EncodeToString(portrait[len(portrait)-2:]))
		}
	}
	return nil
}

func hasPortraitSOI(portrait []byte) bool {
	for _, prefix := range portraitSOIPrefixes {
		if bytes.HasPrefix(portrait, prefix) {
			return true
		}
	}
	return false
}
