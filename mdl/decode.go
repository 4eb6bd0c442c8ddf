package mdl

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CBOR tag numbers with assigned placement rules in an mDL.
const (
	tagDateTime    = 0    // RFC 8949: date-time string
	tagEncodedCBOR = 24   // RFC 8949: encoded CBOR data item
	tagFullDate    = 1004 // RFC 8943: full-date string
)

// decodeTagPreserving decodes data into a generic value tree in which tagged
// values stay visible as explicit tag nodes. This is the tree tag placement
// is checked against; no semantic interpretation of tags happens here.
func decodeTagPreserving(data []byte) (interface{}, error) {
	var v interface{}
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeTagNormalizing decodes data into a directly usable value tree: tag 24
// is resolved by re-decoding its byte string contents (again normalizing),
// tags 1004 and 0 are replaced by their string contents, and string-keyed
// maps become map[string]interface{}. The same bytes are decoded once per
// mode because tag compliance can only be checked on the preserving tree
// while every later consumer wants the normalized one.
func decodeTagNormalizing(data []byte) (interface{}, error) {
	v, err := decodeTagPreserving(data)
	if err != nil {
		return nil, err
	}
	return normalize(v)
}

func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case cbor.Tag:
		switch t.Number {
		case tagEncodedCBOR:
			inner, ok := t.Content.([]byte)
			if !ok {
				return nil, fmt.Errorf("tag 24 content is not a byte string: %T", t.Content)
			}
			return decodeTagNormalizing(inner)
		case tagDateTime, tagFullDate:
			return t.Content, nil
		default:
			content, err := normalize(t.Content)
			if err != nil {
				return nil, err
			}
			return cbor.Tag{Number: t.Number, Content: content}, nil
		}
	case time.Time:
		// The decoder resolves tag 0/1 itself before we see the node.
		return t.UTC().Format(time.RFC3339), nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[interface{}]interface{}:
		stringKeyed := true
		for k := range t {
			if _, ok := k.(string); !ok {
				stringKeyed = false
				break
			}
		}
		if stringKeyed {
			out := make(map[string]interface{}, len(t))
			for k, e := range t {
				n, err := normalize(e)
				if err != nil {
					return nil, err
				}
				out[k.(string)] = n
			}
			return out, nil
		}
		out := make(map[interface{}]interface{}, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
