// Package certvalidator provides X.509 certificate path validation.
// This file contains distinguished name parsing and normalisation.
package certvalidator

import (
	"crypto/x509/pkix"
	encoding_asn1 "encoding/asn1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/unicode/norm"
)

// String tags not defined by cryptobyte/asn1.
const (
	tagUniversalString = cbasn1.Tag(28)
	tagBMPString       = cbasn1.Tag(30)
)

// OIDCommonName is the id-at-commonName attribute type.
var OIDCommonName = encoding_asn1.ObjectIdentifier{2, 5, 4, 3}

// attributeTypeAndValue is one AttributeTypeAndValue of an RDN, with the
// value kept in its original tagged form.
type attributeTypeAndValue struct {
	Type  encoding_asn1.ObjectIdentifier
	Tag   cbasn1.Tag
	Value []byte
}

// Name is a parsed X.501 distinguished name.
//
// Two names are equal when their normalised forms are equal: string
// attribute values are compared after NFKC normalisation, Unicode case
// folding and whitespace collapsing, and the attributes of a multi-valued
// RDN are compared as a set.
type Name struct {
	// Raw is the DER encoding of the Name SEQUENCE.
	Raw []byte

	rdns       [][]attributeTypeAndValue
	normalized string
}

// ParseName parses a DER encoded Name.
func ParseName(der []byte) (Name, error) {
	rdns, err := parseRDNSequence(der)
	if err != nil {
		return Name{}, err
	}
	n := Name{
		Raw:  append([]byte(nil), der...),
		rdns: rdns,
	}
	n.normalized = normalizeRDNs(rdns)
	return n, nil
}

// Normalized returns the normalised form of the name used as a lookup key.
func (n Name) Normalized() string {
	return n.normalized
}

// Equal reports whether two names match after normalisation.
func (n Name) Equal(other Name) bool {
	return n.normalized == other.normalized
}

// IsEmpty reports whether the name has no RDNs.
func (n Name) IsEmpty() bool {
	return len(n.rdns) == 0
}

// CommonName returns the first commonName attribute found walking the RDN
// sequence in order. The boolean is false when there is none or its value
// cannot be decoded as a string.
func (n Name) CommonName() (string, bool) {
	for _, rdn := range n.rdns {
		for _, atv := range rdn {
			if !atv.Type.Equal(OIDCommonName) {
				continue
			}
			return atv.stringValue()
		}
	}
	return "", false
}

// String returns an RFC 2253 style rendering for diagnostics.
func (n Name) String() string {
	var seq pkix.RDNSequence
	if _, err := encoding_asn1.Unmarshal(n.Raw, &seq); err != nil {
		return hex.EncodeToString(n.Raw)
	}
	return seq.String()
}

func parseRDNSequence(der []byte) ([][]attributeTypeAndValue, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed name", ErrCertificateParse)
	}

	var rdns [][]attributeTypeAndValue
	for !seq.Empty() {
		var set cryptobyte.String
		if !seq.ReadASN1(&set, cbasn1.SET) {
			return nil, fmt.Errorf("%w: malformed relative distinguished name", ErrCertificateParse)
		}
		var rdn []attributeTypeAndValue
		for !set.Empty() {
			var atvSeq cryptobyte.String
			var atv attributeTypeAndValue
			var value cryptobyte.String
			if !set.ReadASN1(&atvSeq, cbasn1.SEQUENCE) ||
				!atvSeq.ReadASN1ObjectIdentifier(&atv.Type) ||
				!atvSeq.ReadAnyASN1(&value, &atv.Tag) ||
				!atvSeq.Empty() {
				return nil, fmt.Errorf("%w: malformed attribute in name", ErrCertificateParse)
			}
			atv.Value = append([]byte(nil), value...)
			rdn = append(rdn, atv)
		}
		if len(rdn) == 0 {
			return nil, fmt.Errorf("%w: empty relative distinguished name", ErrCertificateParse)
		}
		rdns = append(rdns, rdn)
	}
	return rdns, nil
}

// stringValue decodes a directory string attribute value to UTF-8.
func (a attributeTypeAndValue) stringValue() (string, bool) {
	switch a.Tag {
	case cbasn1.UTF8String:
		if !utf8.Valid(a.Value) {
			return "", false
		}
		return string(a.Value), true
	case cbasn1.PrintableString, cbasn1.IA5String:
		for _, c := range a.Value {
			if c >= utf8.RuneSelf {
				return "", false
			}
		}
		return string(a.Value), true
	case cbasn1.T61String:
		// TeletexString is treated as Latin-1, which is what issuers
		// actually put in it.
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(a.Value)
		if err != nil {
			return "", false
		}
		return string(out), true
	case tagBMPString:
		if len(a.Value)%2 != 0 {
			return "", false
		}
		out, err := xunicode.UTF16(xunicode.BigEndian, xunicode.IgnoreBOM).NewDecoder().Bytes(a.Value)
		if err != nil {
			return "", false
		}
		return string(out), true
	case tagUniversalString:
		if len(a.Value)%4 != 0 {
			return "", false
		}
		out, err := utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM).NewDecoder().Bytes(a.Value)
		if err != nil {
			return "", false
		}
		return string(out), true
	default:
		return "", false
	}
}

func normalizeRDNs(rdns [][]attributeTypeAndValue) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		atvs := make([]string, 0, len(rdn))
		for _, atv := range rdn {
			atvs = append(atvs, atv.Type.String()+"="+normalizeValue(atv))
		}
		sort.Strings(atvs)
		parts = append(parts, strings.Join(atvs, "+"))
	}
	return strings.Join(parts, ",")
}

func normalizeValue(atv attributeTypeAndValue) string {
	s, ok := atv.stringValue()
	if !ok {
		return "#" + hex.EncodeToString([]byte{byte(atv.Tag)}) + hex.EncodeToString(atv.Value)
	}
	return strconv.Quote(normalizeDNString(s))
}

// normalizeDNString applies compatibility normalisation, case folding and
// whitespace collapsing.
func normalizeDNString(value string) string {
	folded := cases.Fold().String(norm.NFKC.String(value))
	return strings.Join(strings.Fields(folded), " ")
}
