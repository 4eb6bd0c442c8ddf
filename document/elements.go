package document

import "github.com/ory/go-convenience/stringslice"

// ISO/IEC 18013-5:2021, 7.2.1

type NameSpace string

type ElementIdentifier string

const (
	ISONameSpace      NameSpace = "org.iso.18013.5.1"
	DomesticNameSpace NameSpace = "org.iso.18013.5.1.GB"

	MDLDocType = "org.iso.18013.5.1.mDL"
)

// ValueKind is the shape an element value is allowed to take on the wire.
type ValueKind int

const (
	KindString ValueKind = iota
	KindBoolean
	KindBytes
	KindFullDate
	KindDrivingPrivileges
)

type Element struct {
	Identifier ElementIdentifier
	Kind       ValueKind
	Pattern    string // extra constraint for string values
	Optional   bool
}

const fullDatePattern = `^\d{4}-\d{2}-\d{2}$`

// ISOElements is the mandatory mDL data set carried in the ISO namespace.
var ISOElements = []Element{
	{Identifier: "family_name", Kind: KindString},
	{Identifier: "given_name", Kind: KindString},
	{Identifier: "birth_date", Kind: KindFullDate},
	{Identifier: "birth_place", Kind: KindString},
	{Identifier: "issue_date", Kind: KindFullDate},
	{Identifier: "expiry_date", Kind: KindFullDate},
	{Identifier: "issuing_authority", Kind: KindString},
	{Identifier: "issuing_country", Kind: KindString, Pattern: `^[A-Z]{2}$`},
	{Identifier: "document_number", Kind: KindString},
	{Identifier: "portrait", Kind: KindBytes},
	{Identifier: "driving_privileges", Kind: KindDrivingPrivileges},
	{Identifier: "un_distinguishing_sign", Kind: KindString},
	{Identifier: "resident_address", Kind: KindString},
	{Identifier: "resident_city", Kind: KindString},
	{Identifier: "resident_postal_code", Kind: KindString},
	{Identifier: "age_over_18", Kind: KindBoolean},
	{Identifier: "age_over_21", Kind: KindBoolean},
	{Identifier: "age_over_25", Kind: KindBoolean},
}

// DomesticElements is the UK jurisdiction data set.
var DomesticElements = []Element{
	{Identifier: "title", Kind: KindString},
	{Identifier: "provisional_driving_entitlements", Kind: KindDrivingPrivileges},
	{Identifier: "welsh_licence", Kind: KindBoolean, Optional: true},
}

var (
	fullDateElements = identifiersOfKind(KindFullDate)

	drivingPrivilegeElements = identifiersOfKind(KindDrivingPrivileges)
)

func identifiersOfKind(kind ValueKind) []string {
	ids := []string{}
	for _, e := range append(append([]Element{}, ISOElements...), DomesticElements...) {
		if e.Kind == kind {
			ids = append(ids, string(e.Identifier))
		}
	}
	return ids
}

// NameSpaces returns the closed set of namespaces an mDL may carry.
func NameSpaces() []NameSpace {
	return []NameSpace{ISONameSpace, DomesticNameSpace}
}

// ElementsFor returns the element vocabulary of a namespace.
func ElementsFor(ns NameSpace) ([]Element, bool) {
	switch ns {
	case ISONameSpace:
		return ISOElements, true
	case DomesticNameSpace:
		return DomesticElements, true
	}
	return nil, false
}

// FullDatePattern is the date shape full-date strings must match.
func FullDatePattern() string {
	return fullDatePattern
}

// IsFullDateElement reports whether an element value must be a tag-1004 full-date.
func IsFullDateElement(id ElementIdentifier) bool {
	return stringslice.Has(fullDateElements, string(id))
}

// HasDrivingPrivileges reports whether an element value is a driving-privilege
// list, whose entries carry their own optional tag-1004 dates.
func HasDrivingPrivileges(id ElementIdentifier) bool {
	return stringslice.Has(drivingPrivilegeElements, string(id))
}
