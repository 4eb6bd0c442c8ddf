package mdl

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/govuk-one-login/mobile-wallet-cri-test-harness-sub000/document"
)

const draft = "http://json-schema.org/draft-07/schema#"

// schemaSet holds the four compiled schemas. It is built once per Verifier
// and is immutable afterwards, so concurrent verifications can share it.
type schemaSet struct {
	issuerSigned *gojsonschema.Schema
	nameSpaces   map[document.NameSpace]*gojsonschema.Schema
	mso          *gojsonschema.Schema
}

func newSchemaSet() (*schemaSet, error) {
	s := &schemaSet{nameSpaces: map[document.NameSpace]*gojsonschema.Schema{}}

	var err error
	if s.issuerSigned, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(issuerSignedSchema())); err != nil {
		return nil, fmt.Errorf("failed to compile issuerSigned schema: %w", err)
	}
	if s.mso, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(msoSchema())); err != nil {
		return nil, fmt.Errorf("failed to compile MSO schema: %w", err)
	}
	for _, ns := range document.NameSpaces() {
		elements, _ := document.ElementsFor(ns)
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(nameSpaceSchema(elements)))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", ns, err)
		}
		s.nameSpaces[ns] = schema
	}
	return s, nil
}

// validateIssuerSigned checks the normalized document against the envelope
// schema and each namespace item array against its vocabulary schema.
func (s *schemaSet) validateIssuerSigned(normalized interface{}) error {
	doc := jsonify(normalized)

	if err := s.runSchema(s.issuerSigned, doc); err != nil {
		return err
	}

	top, ok := doc.(map[string]interface{})
	if !ok {
		return newError(CodeSchemaValidationError, "IssuerSigned does not comply with schema - document is not a map")
	}
	nameSpaces, _ := top["nameSpaces"].(map[string]interface{})
	for _, ns := range document.NameSpaces() {
		if err := s.runSchema(s.nameSpaces[ns], nameSpaces[string(ns)]); err != nil {
			return err
		}
	}
	return nil
}

func (s *schemaSet) runSchema(schema *gojsonschema.Schema, doc interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return wrapError(CodeSchemaValidationError, err, "IssuerSigned does not comply with schema")
	}
	if !result.Valid() {
		return newError(CodeSchemaValidationError, "IssuerSigned does not comply with schema - %s", describeResult(result))
	}
	return nil
}

// validateMSO checks the normalized MSO payload against the MSO schema.
func (s *schemaSet) validateMSO(normalized interface{}) error {
	result, err := s.mso.Validate(gojsonschema.NewGoLoader(jsonify(normalized)))
	if err != nil {
		return wrapError(CodeInvalidSchema, err, "MobileSecurityObject does not comply with schema")
	}
	if !result.Valid() {
		return newError(CodeInvalidSchema, "MobileSecurityObject does not comply with schema - %s", describeResult(result))
	}
	return nil
}

// describeResult projects every engine error to path, message, keyword and
// offending value, joined into a single line for the error message.
func describeResult(result *gojsonschema.Result) string {
	descs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descs = append(descs, fmt.Sprintf("%s: %s (keyword: %s, value: %v)",
			desc.Field(), desc.Description(), desc.Type(), desc.Value()))
	}
	return strings.Join(descs, "; ")
}

// jsonify renders a normalized CBOR value tree JSON-safe for the schema
// engine: byte strings become lowercase hex, residual date-times become
// RFC 3339 strings and integer map keys become decimal strings. Byte-string
// typing itself is enforced structurally in Go, not by a schema keyword.
func jsonify(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return hex.EncodeToString(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case cbor.Tag:
		return jsonify(t.Content)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = jsonify(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = jsonify(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = jsonify(e)
		}
		return out
	default:
		return v
	}
}

// issuerSignedSchema is the envelope: exactly the two namespaces, no other
// top level properties, issuerAuth as a 4-element array.
func issuerSignedSchema() map[string]interface{} {
	nameSpaceProps := map[string]interface{}{}
	required := []interface{}{}
	for _, ns := range document.NameSpaces() {
		nameSpaceProps[string(ns)] = map[string]interface{}{"type": "array"}
		required = append(required, string(ns))
	}

	return map[string]interface{}{
		"$schema":              draft,
		"type":                 "object",
		"required":             []interface{}{"nameSpaces", "issuerAuth"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"nameSpaces": map[string]interface{}{
				"type":                 "object",
				"required":             required,
				"additionalProperties": false,
				"properties":           nameSpaceProps,
			},
			"issuerAuth": map[string]interface{}{
				"type":     "array",
				"minItems": 4,
				"maxItems": 4,
			},
		},
	}
}

// nameSpaceSchema constrains one namespace item array: every item matches
// the vocabulary entry for its identifier, and every non-optional identifier
// is present.
func nameSpaceSchema(elements []document.Element) map[string]interface{} {
	itemSchemas := []interface{}{}
	requireds := []interface{}{}
	minItems := 0
	for _, e := range elements {
		itemSchemas = append(itemSchemas, itemSchema(e))
		if !e.Optional {
			minItems++
			requireds = append(requireds, map[string]interface{}{
				"contains": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"elementIdentifier"},
					"properties": map[string]interface{}{
						"elementIdentifier": map[string]interface{}{"const": string(e.Identifier)},
					},
				},
			})
		}
	}

	return map[string]interface{}{
		"$schema":  draft,
		"type":     "array",
		"minItems": minItems,
		"maxItems": len(elements),
		"items":    map[string]interface{}{"anyOf": itemSchemas},
		"allOf":    requireds,
	}
}

func itemSchema(e document.Element) map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"digestID", "random", "elementIdentifier", "elementValue"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"digestID": map[string]interface{}{
				"type":    "integer",
				"minimum": 0,
				"maximum": 2147483648,
			},
			"random":            hexBytesSchema(),
			"elementIdentifier": map[string]interface{}{"const": string(e.Identifier)},
			"elementValue":      elementValueSchema(e),
		},
	}
}

func elementValueSchema(e document.Element) map[string]interface{} {
	switch e.Kind {
	case document.KindBoolean:
		return map[string]interface{}{"type": "boolean"}
	case document.KindBytes:
		return hexBytesSchema()
	case document.KindFullDate:
		return fullDateSchema()
	case document.KindDrivingPrivileges:
		return drivingPrivilegesSchema()
	default:
		schema := map[string]interface{}{"type": "string"}
		if e.Pattern != "" {
			schema["pattern"] = e.Pattern
		}
		return schema
	}
}

func hexBytesSchema() map[string]interface{} {
	return map[string]interface{}{"type": "string", "pattern": "^[0-9a-f]*$"}
}

func fullDateSchema() map[string]interface{} {
	return map[string]interface{}{"type": "string", "pattern": document.FullDatePattern()}
}

func drivingPrivilegesSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type":                 "object",
			"required":             []interface{}{"vehicle_category_code"},
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"vehicle_category_code": map[string]interface{}{"type": "string"},
				"issue_date":            fullDateSchema(),
				"expiry_date":           fullDateSchema(),
				"codes": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type":                 "object",
						"required":             []interface{}{"code"},
						"additionalProperties": false,
						"properties": map[string]interface{}{
							"code":  map[string]interface{}{"type": "string"},
							"sign":  map[string]interface{}{"type": "string"},
							"value": map[string]interface{}{"type": "string"},
						},
					},
				},
			},
		},
	}
}

func msoSchema() map[string]interface{} {
	digestMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"patternProperties": map[string]interface{}{
			"^[0-9]+$": hexBytesSchema(),
		},
	}
	valueDigestProps := map[string]interface{}{}
	nameSpaceEnum := []interface{}{}
	for _, ns := range document.NameSpaces() {
		valueDigestProps[string(ns)] = digestMap
		nameSpaceEnum = append(nameSpaceEnum, string(ns))
	}

	return map[string]interface{}{
		"$schema": draft,
		"type":    "object",
		"required": []interface{}{
			"version", "digestAlgorithm", "valueDigests", "deviceKeyInfo",
			"docType", "validityInfo", "status",
		},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"version":         map[string]interface{}{"const": "1.0"},
			"digestAlgorithm": map[string]interface{}{"const": "SHA-256"},
			"docType":         map[string]interface{}{"const": document.MDLDocType},
			"valueDigests": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           valueDigestProps,
			},
			"deviceKeyInfo": map[string]interface{}{
				"type":                 "object",
				"required":             []interface{}{"deviceKey"},
				"additionalProperties": false,
				"properties": map[string]interface{}{
					"deviceKey": map[string]interface{}{"type": "object"},
					"keyAuthorizations": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": false,
						"properties": map[string]interface{}{
							"nameSpaces": map[string]interface{}{
								"type":     "array",
								"minItems": 2,
								"maxItems": 2,
								"items":    map[string]interface{}{"enum": nameSpaceEnum},
							},
							"dataElements": map[string]interface{}{"type": "object"},
						},
					},
				},
			},
			"validityInfo": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"signed", "validFrom", "validUntil"},
				"properties": map[string]interface{}{
					"signed":         map[string]interface{}{"type": "string"},
					"validFrom":      map[string]interface{}{"type": "string"},
					"validUntil":     map[string]interface{}{"type": "string"},
					"expectedUpdate": map[string]interface{}{"type": "string"},
				},
			},
			"status": map[string]interface{}{
				"type":                 "object",
				"required":             []interface{}{"status_list"},
				"additionalProperties": false,
				"properties": map[string]interface{}{
					"status_list": map[string]interface{}{
						"type":                 "object",
						"required":             []interface{}{"idx", "uri"},
						"additionalProperties": false,
						"properties": map[string]interface{}{
							"idx": map[string]interface{}{"type": "integer", "minimum": 0},
							"uri": map[string]interface{}{"type": "string"},
						},
					},
				},
			},
		},
	}
}
