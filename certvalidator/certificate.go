// Package certvalidator provides X.509 certificate path validation.
// This file contains the DER certificate model.
package certvalidator

import (
	"bytes"
	"crypto"
	"crypto/x509"
	encoding_asn1 "encoding/asn1"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// MaxSerialNumberOctets is the longest serial number content accepted.
// RFC 5280 allows 20 octets; one extra is tolerated for issuers that
// prepend a redundant zero byte.
const MaxSerialNumberOctets = 21

// Extension OIDs understood by the parser.
var (
	OIDExtensionSubjectKeyID          = encoding_asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDExtensionKeyUsage              = encoding_asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtensionSubjectAltName        = encoding_asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDExtensionBasicConstraints      = encoding_asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDExtensionCertificatePolicies   = encoding_asn1.ObjectIdentifier{2, 5, 29, 32}
	OIDExtensionAuthorityKeyID        = encoding_asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDExtensionExtendedKeyUsage      = encoding_asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDExtensionAuthorityInfoAccess   = encoding_asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	OIDExtensionCRLDistributionPoints = encoding_asn1.ObjectIdentifier{2, 5, 29, 31}
)

// criticalExtensionsHandled lists the extensions a certificate may mark
// critical without being rejected.
var criticalExtensionsHandled = []encoding_asn1.ObjectIdentifier{
	OIDExtensionKeyUsage,
	OIDExtensionExtendedKeyUsage,
	OIDExtensionBasicConstraints,
	OIDExtensionCertificatePolicies,
	OIDExtensionSubjectKeyID,
	OIDExtensionAuthorityKeyID,
	OIDExtensionSubjectAltName,
}

// KeyUsage is the keyUsage bit set. Bit n of the BIT STRING maps to 1<<n.
type KeyUsage uint16

const (
	KeyUsageDigitalSignature KeyUsage = 1 << iota
	KeyUsageContentCommitment
	KeyUsageKeyEncipherment
	KeyUsageDataEncipherment
	KeyUsageKeyAgreement
	KeyUsageCertSign
	KeyUsageCRLSign
	KeyUsageEncipherOnly
	KeyUsageDecipherOnly
)

// Has reports whether every bit of u is set.
func (k KeyUsage) Has(u KeyUsage) bool {
	return k&u == u
}

// Extension is one raw certificate extension.
type Extension struct {
	ID       encoding_asn1.ObjectIdentifier
	Critical bool
	Value    []byte
}

// BasicConstraints is the decoded basicConstraints extension.
type BasicConstraints struct {
	IsCA bool
	// MaxPathLen is -1 when no pathLenConstraint is present.
	MaxPathLen int
}

// Certificate is an immutable parsed X.509 certificate.
type Certificate struct {
	Raw                     []byte
	RawTBSCertificate       []byte
	RawSubjectPublicKeyInfo []byte

	Version int
	// SerialNumber is the INTEGER content octets as encoded, which may
	// carry redundant leading bytes.
	SerialNumber []byte

	// SignatureAlgorithm is the DER AlgorithmIdentifier of the signature.
	SignatureAlgorithm []byte
	Signature          []byte

	Issuer  Name
	Subject Name

	NotBefore time.Time
	NotAfter  time.Time

	// PublicKey is nil when the key algorithm is not supported.
	PublicKey crypto.PublicKey

	Extensions []Extension

	KeyUsage    KeyUsage
	HasKeyUsage bool

	ExtKeyUsage    []encoding_asn1.ObjectIdentifier
	HasExtKeyUsage bool

	Policies    []encoding_asn1.ObjectIdentifier
	HasPolicies bool

	// BasicConstraints is nil when the extension is absent.
	BasicConstraints *BasicConstraints
}

// ParseCertificate parses a single DER encoded certificate. Trailing data
// is an error.
func ParseCertificate(der []byte) (*Certificate, error) {
	cert := &Certificate{Raw: append([]byte(nil), der...)}
	input := cryptobyte.String(cert.Raw)

	var certSeq cryptobyte.String
	if !input.ReadASN1(&certSeq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed certificate", ErrCertificateParse)
	}

	var tbs cryptobyte.String
	if !certSeq.ReadASN1Element(&tbs, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: malformed tbsCertificate", ErrCertificateParse)
	}
	cert.RawTBSCertificate = tbs

	var outerSigAlg cryptobyte.String
	if !certSeq.ReadASN1Element(&outerSigAlg, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: malformed signature algorithm", ErrCertificateParse)
	}
	cert.SignatureAlgorithm = outerSigAlg

	var sig encoding_asn1.BitString
	if !certSeq.ReadASN1BitString(&sig) || !certSeq.Empty() {
		return nil, fmt.Errorf("%w: malformed signature", ErrCertificateParse)
	}
	cert.Signature = sig.RightAlign()

	if err := cert.parseTBS(tbs); err != nil {
		return nil, err
	}
	return cert, nil
}

func (c *Certificate) parseTBS(raw cryptobyte.String) error {
	var tbs cryptobyte.String
	if !raw.ReadASN1(&tbs, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: malformed tbsCertificate", ErrCertificateParse)
	}

	c.Version = 1
	var versionPresent bool
	var versionField cryptobyte.String
	if !tbs.ReadOptionalASN1(&versionField, &versionPresent, cbasn1.Tag(0).Constructed().ContextSpecific()) {
		return fmt.Errorf("%w: malformed version", ErrCertificateParse)
	}
	if versionPresent {
		var v int64
		if !versionField.ReadASN1Integer(&v) || !versionField.Empty() {
			return fmt.Errorf("%w: malformed version", ErrCertificateParse)
		}
		if v < 0 || v > 2 {
			return fmt.Errorf("%w: unsupported version %d", ErrCertificateParse, v)
		}
		c.Version = int(v) + 1
	}

	var serial cryptobyte.String
	if !tbs.ReadASN1(&serial, cbasn1.INTEGER) {
		return fmt.Errorf("%w: malformed serial number", ErrCertificateParse)
	}
	if len(serial) == 0 || len(serial) > MaxSerialNumberOctets {
		return fmt.Errorf("%w: serial number length %d out of range", ErrCertificateParse, len(serial))
	}
	c.SerialNumber = append([]byte(nil), serial...)

	var innerSigAlg cryptobyte.String
	if !tbs.ReadASN1Element(&innerSigAlg, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: malformed signature algorithm", ErrCertificateParse)
	}
	if !bytes.Equal(innerSigAlg, c.SignatureAlgorithm) {
		return fmt.Errorf("%w: signature algorithm mismatch between tbsCertificate and certificate", ErrCertificateParse)
	}

	var issuer cryptobyte.String
	if !tbs.ReadASN1Element(&issuer, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: malformed issuer", ErrCertificateParse)
	}
	var err error
	if c.Issuer, err = ParseName(issuer); err != nil {
		return err
	}

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: malformed validity", ErrCertificateParse)
	}
	if c.NotBefore, err = readTime(&validity); err != nil {
		return err
	}
	if c.NotAfter, err = readTime(&validity); err != nil {
		return err
	}
	if !validity.Empty() {
		return fmt.Errorf("%w: trailing data in validity", ErrCertificateParse)
	}

	var subject cryptobyte.String
	if !tbs.ReadASN1Element(&subject, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: malformed subject", ErrCertificateParse)
	}
	if c.Subject, err = ParseName(subject); err != nil {
		return err
	}

	var spki cryptobyte.String
	if !tbs.ReadASN1Element(&spki, cbasn1.SEQUENCE) {
		return fmt.Errorf("%w: malformed subjectPublicKeyInfo", ErrCertificateParse)
	}
	c.RawSubjectPublicKeyInfo = append([]byte(nil), spki...)
	if pub, err := x509.ParsePKIXPublicKey(c.RawSubjectPublicKeyInfo); err == nil {
		c.PublicKey = pub
	}

	// issuerUniqueID and subjectUniqueID
	if !tbs.SkipOptionalASN1(cbasn1.Tag(1).ContextSpecific()) ||
		!tbs.SkipOptionalASN1(cbasn1.Tag(2).ContextSpecific()) {
		return fmt.Errorf("%w: malformed unique identifier", ErrCertificateParse)
	}

	var extPresent bool
	var extField cryptobyte.String
	if !tbs.ReadOptionalASN1(&extField, &extPresent, cbasn1.Tag(3).Constructed().ContextSpecific()) {
		return fmt.Errorf("%w: malformed extensions", ErrCertificateParse)
	}
	if extPresent {
		if c.Version != 3 {
			return fmt.Errorf("%w: extensions in a version %d certificate", ErrCertificateParse, c.Version)
		}
		if err := c.parseExtensions(extField); err != nil {
			return err
		}
	}
	if !tbs.Empty() {
		return fmt.Errorf("%w: trailing data in tbsCertificate", ErrCertificateParse)
	}
	return nil
}

func readTime(s *cryptobyte.String) (time.Time, error) {
	var t time.Time
	switch {
	case s.PeekASN1Tag(cbasn1.UTCTime):
		if !s.ReadASN1UTCTime(&t) {
			return t, fmt.Errorf("%w: malformed UTCTime", ErrCertificateParse)
		}
	case s.PeekASN1Tag(cbasn1.GeneralizedTime):
		if !s.ReadASN1GeneralizedTime(&t) {
			return t, fmt.Errorf("%w: malformed GeneralizedTime", ErrCertificateParse)
		}
	default:
		return t, fmt.Errorf("%w: unsupported time encoding", ErrCertificateParse)
	}
	return t, nil
}

func (c *Certificate) parseExtensions(field cryptobyte.String) error {
	var exts cryptobyte.String
	if !field.ReadASN1(&exts, cbasn1.SEQUENCE) || !field.Empty() {
		return fmt.Errorf("%w: malformed extensions", ErrCertificateParse)
	}
	if exts.Empty() {
		return fmt.Errorf("%w: empty extensions", ErrCertificateParse)
	}

	seen := make(map[string]bool)
	for !exts.Empty() {
		var extSeq cryptobyte.String
		var ext Extension
		if !exts.ReadASN1(&extSeq, cbasn1.SEQUENCE) ||
			!extSeq.ReadASN1ObjectIdentifier(&ext.ID) {
			return fmt.Errorf("%w: malformed extension", ErrCertificateParse)
		}
		if extSeq.PeekASN1Tag(cbasn1.BOOLEAN) {
			if !extSeq.ReadASN1Boolean(&ext.Critical) {
				return fmt.Errorf("%w: malformed extension criticality", ErrCertificateParse)
			}
		}
		var value cryptobyte.String
		if !extSeq.ReadASN1(&value, cbasn1.OCTET_STRING) || !extSeq.Empty() {
			return fmt.Errorf("%w: malformed extension value", ErrCertificateParse)
		}
		ext.Value = append([]byte(nil), value...)

		key := ext.ID.String()
		if seen[key] {
			return fmt.Errorf("%w: duplicate extension %s", ErrCertificateParse, key)
		}
		seen[key] = true
		c.Extensions = append(c.Extensions, ext)

		if err := c.decodeExtension(ext); err != nil {
			return err
		}
	}
	return nil
}

func (c *Certificate) decodeExtension(ext Extension) error {
	var err error
	switch {
	case ext.ID.Equal(OIDExtensionKeyUsage):
		c.KeyUsage, err = parseKeyUsage(ext.Value)
		c.HasKeyUsage = true
	case ext.ID.Equal(OIDExtensionExtendedKeyUsage):
		c.ExtKeyUsage, err = parseOIDSequence(ext.Value)
		c.HasExtKeyUsage = true
	case ext.ID.Equal(OIDExtensionCertificatePolicies):
		c.Policies, err = parsePolicies(ext.Value)
		c.HasPolicies = true
	case ext.ID.Equal(OIDExtensionBasicConstraints):
		c.BasicConstraints, err = parseBasicConstraints(ext.Value)
	}
	if err != nil {
		return fmt.Errorf("extension %s: %w", ext.ID, err)
	}
	return nil
}

func parseKeyUsage(der []byte) (KeyUsage, error) {
	input := cryptobyte.String(der)
	var bits encoding_asn1.BitString
	if !input.ReadASN1BitString(&bits) || !input.Empty() {
		return 0, fmt.Errorf("%w: malformed key usage", ErrCertificateParse)
	}
	var usage KeyUsage
	for i := 0; i < 9; i++ {
		if bits.At(i) != 0 {
			usage |= 1 << uint(i)
		}
	}
	if usage == 0 {
		return 0, fmt.Errorf("%w: key usage asserts no bits", ErrCertificateParse)
	}
	return usage, nil
}

func parseOIDSequence(der []byte) ([]encoding_asn1.ObjectIdentifier, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed OID sequence", ErrCertificateParse)
	}
	var oids []encoding_asn1.ObjectIdentifier
	for !seq.Empty() {
		var oid encoding_asn1.ObjectIdentifier
		if !seq.ReadASN1ObjectIdentifier(&oid) {
			return nil, fmt.Errorf("%w: malformed OID", ErrCertificateParse)
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return nil, fmt.Errorf("%w: empty OID sequence", ErrCertificateParse)
	}
	return oids, nil
}

func parsePolicies(der []byte) ([]encoding_asn1.ObjectIdentifier, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed certificate policies", ErrCertificateParse)
	}
	var policies []encoding_asn1.ObjectIdentifier
	for !seq.Empty() {
		var info cryptobyte.String
		var oid encoding_asn1.ObjectIdentifier
		if !seq.ReadASN1(&info, cbasn1.SEQUENCE) || !info.ReadASN1ObjectIdentifier(&oid) {
			return nil, fmt.Errorf("%w: malformed policy information", ErrCertificateParse)
		}
		// Qualifiers are not interpreted.
		if !info.SkipOptionalASN1(cbasn1.SEQUENCE) || !info.Empty() {
			return nil, fmt.Errorf("%w: malformed policy qualifiers", ErrCertificateParse)
		}
		policies = append(policies, oid)
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: empty certificate policies", ErrCertificateParse)
	}
	return policies, nil
}

func parseBasicConstraints(der []byte) (*BasicConstraints, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed basic constraints", ErrCertificateParse)
	}
	bc := &BasicConstraints{MaxPathLen: -1}
	if seq.PeekASN1Tag(cbasn1.BOOLEAN) {
		if !seq.ReadASN1Boolean(&bc.IsCA) {
			return nil, fmt.Errorf("%w: malformed basic constraints", ErrCertificateParse)
		}
	}
	if seq.PeekASN1Tag(cbasn1.INTEGER) {
		var pathLen int64
		if !seq.ReadASN1Integer(&pathLen) || pathLen < 0 || pathLen > 255 {
			return nil, fmt.Errorf("%w: malformed path length constraint", ErrCertificateParse)
		}
		bc.MaxPathLen = int(pathLen)
	}
	if !seq.Empty() {
		return nil, fmt.Errorf("%w: trailing data in basic constraints", ErrCertificateParse)
	}
	return bc, nil
}

// UnhandledCriticalExtensions returns the OIDs of critical extensions this
// package does not process.
func (c *Certificate) UnhandledCriticalExtensions() []encoding_asn1.ObjectIdentifier {
	var unhandled []encoding_asn1.ObjectIdentifier
	for _, ext := range c.Extensions {
		if !ext.Critical || containsOID(criticalExtensionsHandled, ext.ID) {
			continue
		}
		unhandled = append(unhandled, ext.ID)
	}
	return unhandled
}

// ValidAt reports whether t lies inside the validity window, inclusive at
// both ends.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// IsCA reports whether basicConstraints asserts cA.
func (c *Certificate) IsCA() bool {
	return c.BasicConstraints != nil && c.BasicConstraints.IsCA
}

// IsSelfIssued reports whether subject and issuer match.
func (c *Certificate) IsSelfIssued() bool {
	return c.Subject.Equal(c.Issuer)
}

// SerialHex returns the serial number octets in hex, for diagnostics.
func (c *Certificate) SerialHex() string {
	return hex.EncodeToString(c.SerialNumber)
}

// Equal reports whether both certificates have the same DER encoding.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == other {
		return true
	}
	if c == nil || other == nil {
		return false
	}
	return bytes.Equal(c.Raw, other.Raw)
}

func containsOID(list []encoding_asn1.ObjectIdentifier, oid encoding_asn1.ObjectIdentifier) bool {
	for _, o := range list {
		if o.Equal(oid) {
			return true
		}
	}
	return false
}
