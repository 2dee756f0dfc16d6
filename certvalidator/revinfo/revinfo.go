// Package revinfo provides revocation checking of verified certification
// paths against signed revocation lists.
package revinfo

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/georgepadayatti/devauth/certvalidator"
)

// Common errors
var (
	ErrCRLParse       = errors.New("revocation list could not be parsed")
	ErrCRLSignature   = errors.New("revocation list signature could not be verified")
	ErrCRLExpired     = errors.New("revocation list has expired")
	ErrCRLNotYetValid = errors.New("revocation list is not yet valid")
	ErrNoUsableCRL    = errors.New("no usable revocation list")
	ErrRevoked        = errors.New("certificate is revoked")
)

// SupportedVersion is the only TBSCRL version understood.
const SupportedVersion = 0

// CRLPolicy decides what happens when no usable revocation list is
// available.
type CRLPolicy int

const (
	// CRLRequired fails verification without a valid revocation list.
	CRLRequired CRLPolicy = iota
	// CRLOptional skips revocation checking without a valid revocation list.
	CRLOptional
)

// String returns the string representation of a CRL policy.
func (p CRLPolicy) String() string {
	switch p {
	case CRLRequired:
		return "required"
	case CRLOptional:
		return "optional"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseCRLPolicy parses "required" or "optional".
func ParseCRLPolicy(s string) (CRLPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required":
		return CRLRequired, nil
	case "optional":
		return CRLOptional, nil
	default:
		return 0, fmt.Errorf("unknown CRL policy %q", s)
	}
}

// RevokedBy names the list entry that revoked a certificate.
type RevokedBy int

const (
	RevokedByKeyHash RevokedBy = iota
	RevokedBySerialRange
)

// String returns the string representation of the entry type.
func (r RevokedBy) String() string {
	switch r {
	case RevokedByKeyHash:
		return "public key hash"
	case RevokedBySerialRange:
		return "serial number range"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// RevokedError reports a revoked certificate on a path.
type RevokedError struct {
	Certificate *certvalidator.Certificate
	By          RevokedBy
	// Position is the index of the certificate on the path, leaf first.
	Position int
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("certificate %s (serial %s) at position %d is revoked by %s",
		e.Certificate.Subject, e.Certificate.SerialHex(), e.Position, e.By)
}

// Is reports whether target is ErrRevoked.
func (e *RevokedError) Is(target error) bool {
	return target == ErrRevoked
}

// CRL is a revocation list whose signature and validity have been checked.
type CRL struct {
	Signer    *certvalidator.Certificate
	NotBefore time.Time
	NotAfter  time.Time

	revokedKeys map[string]bool
	ranges      []*SerialNumberRange
}

// ParseAndVerifyCRL decodes a revocation list bundle, selects the first
// list with a supported version and checks its signer chains to trust at t,
// its signature and its validity window.
func ParseAndVerifyCRL(data []byte, t time.Time, trust *certvalidator.TrustStore, policy certvalidator.SignaturePolicy) (*CRL, error) {
	if policy == nil {
		policy = certvalidator.NewDeviceAuthSignaturePolicy()
	}

	bundle, err := UnmarshalBundle(data)
	if err != nil {
		return nil, err
	}

	var (
		signed *SignedCRL
		tbs    *TBSCRL
	)
	for _, candidate := range bundle.CRLs {
		parsed, err := UnmarshalTBSCRL(candidate.TBSCRL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCRLParse, err)
		}
		if parsed.Version == SupportedVersion {
			signed, tbs = candidate, parsed
			break
		}
	}
	if signed == nil {
		return nil, fmt.Errorf("%w: no list with version %d", ErrCRLParse, SupportedVersion)
	}

	signer, err := certvalidator.ParseCertificate(signed.SignerCert)
	if err != nil {
		return nil, fmt.Errorf("%w: signer certificate: %w", ErrCRLSignature, err)
	}
	if _, err := certvalidator.NewPathBuilder(trust, policy).Build(signer, nil, t); err != nil {
		return nil, fmt.Errorf("%w: signer: %w", ErrCRLSignature, err)
	}
	alg := certvalidator.SignatureAlgorithm{Scheme: certvalidator.SigAlgoRSAPKCS1v15, Hash: crypto.SHA256}
	if err := certvalidator.CheckSignature(policy, alg, signer.PublicKey, signed.TBSCRL, signed.Signature); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCRLSignature, err)
	}

	crl := &CRL{
		Signer:      signer,
		NotBefore:   unixTime(tbs.NotBeforeSeconds),
		NotAfter:    unixTime(tbs.NotAfterSeconds),
		revokedKeys: make(map[string]bool, len(tbs.RevokedPublicKeyHashes)),
		ranges:      tbs.RevokedSerialNumberRanges,
	}
	if t.Before(crl.NotBefore) {
		return nil, fmt.Errorf("%w: valid from %s", ErrCRLNotYetValid, crl.NotBefore.UTC().Format(time.RFC3339))
	}
	if !t.Before(crl.NotAfter) {
		return nil, fmt.Errorf("%w: valid until %s", ErrCRLExpired, crl.NotAfter.UTC().Format(time.RFC3339))
	}
	for _, h := range tbs.RevokedPublicKeyHashes {
		crl.revokedKeys[string(h)] = true
	}
	return crl, nil
}

// CheckRevocation tests every certificate of path against the list. Key
// hashes apply to all certificates including the anchor; serial ranges apply
// to certificates with an issuer on the path.
func (c *CRL) CheckRevocation(path *certvalidator.VerifiedPath) error {
	all := path.All()
	for i, cert := range all {
		if c.revokedKeys[string(PublicKeyHash(cert.RawSubjectPublicKeyInfo))] {
			return &RevokedError{Certificate: cert, By: RevokedByKeyHash, Position: i}
		}
		if i == len(all)-1 || len(c.ranges) == 0 {
			continue
		}
		serial, ok := serialUint64(cert.SerialNumber)
		if !ok {
			continue
		}
		issuerHash := PublicKeyHash(all[i+1].RawSubjectPublicKeyInfo)
		for _, r := range c.ranges {
			if !bytes.Equal(r.IssuerPublicKeyHash, issuerHash) {
				continue
			}
			if serial >= r.FirstSerialNumber && serial <= r.LastSerialNumber {
				return &RevokedError{Certificate: cert, By: RevokedBySerialRange, Position: i}
			}
		}
	}
	return nil
}

// RevocationChecker applies a CRL policy to revocation lists for verified
// paths.
type RevocationChecker struct {
	// Trust holds the anchors revocation list signers must chain to.
	Trust *certvalidator.TrustStore
	// SignaturePolicy governs the signer chain and list signature.
	SignaturePolicy certvalidator.SignaturePolicy
	// Policy decides the outcome when no usable list is available.
	Policy CRLPolicy
}

// NewRevocationChecker creates a checker for lists signed under trust.
func NewRevocationChecker(trust *certvalidator.TrustStore, policy CRLPolicy) *RevocationChecker {
	return &RevocationChecker{
		Trust:           trust,
		SignaturePolicy: certvalidator.NewDeviceAuthSignaturePolicy(),
		Policy:          policy,
	}
}

// CheckPath verifies data and checks path against it. A missing or invalid
// list fails with ErrNoUsableCRL under CRLRequired and is skipped under
// CRLOptional. A revoked certificate always fails with a *RevokedError.
func (rc *RevocationChecker) CheckPath(data []byte, path *certvalidator.VerifiedPath, t time.Time) error {
	var (
		crl *CRL
		err error
	)
	if len(data) == 0 {
		err = errors.New("none supplied")
	} else {
		crl, err = ParseAndVerifyCRL(data, t, rc.Trust, rc.SignaturePolicy)
	}
	if err != nil {
		if rc.Policy == CRLOptional {
			klog.V(2).Infof("Skipping revocation check for %s: %v", path.Leaf().Subject, err)
			return nil
		}
		return fmt.Errorf("%w: %w", ErrNoUsableCRL, err)
	}
	return crl.CheckRevocation(path)
}

// serialUint64 interprets a DER INTEGER's content octets. Negative serials
// and serials wider than 64 bits report false.
func serialUint64(content []byte) (uint64, bool) {
	if len(content) == 0 || content[0]&0x80 != 0 {
		return 0, false
	}
	for len(content) > 1 && content[0] == 0 {
		content = content[1:]
	}
	if len(content) > 8 {
		return 0, false
	}
	var v uint64
	for _, b := range content {
		v = v<<8 | uint64(b)
	}
	return v, true
}

func unixTime(seconds uint64) time.Time {
	if seconds > math.MaxInt64 {
		seconds = math.MaxInt64
	}
	return time.Unix(int64(seconds), 0)
}
