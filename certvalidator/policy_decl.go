// Package certvalidator provides X.509 certificate path validation.
// This file contains signature algorithm policy declarations.
package certvalidator

import (
	"crypto"
)

// DefaultMinRSAModulusBits is the smallest RSA modulus accepted by
// DeviceAuthSignaturePolicy.
const DefaultMinRSAModulusBits = 2048

// SignaturePolicy decides whether an (algorithm, key size) pair is
// acceptable. Key size is the RSA modulus or the curve size in bits.
type SignaturePolicy interface {
	Accepts(alg SignatureAlgorithm, keySizeBits int) bool
}

// DeviceAuthSignaturePolicy is the policy applied to device certificate
// chains and revocation lists.
//
// Deployed device certificates are signed with SHA-1, so the default
// policy accepts it.
type DeviceAuthSignaturePolicy struct {
	// MinRSAModulusBits is the minimum RSA key size in bits.
	MinRSAModulusBits int

	// AllowSHA1 permits SHA-1 digests with RSA PKCS#1 v1.5 and ECDSA.
	AllowSHA1 bool
}

// NewDeviceAuthSignaturePolicy creates the policy with its defaults.
func NewDeviceAuthSignaturePolicy() *DeviceAuthSignaturePolicy {
	return &DeviceAuthSignaturePolicy{
		MinRSAModulusBits: DefaultMinRSAModulusBits,
		AllowSHA1:         true,
	}
}

// Accepts implements SignaturePolicy.
func (p *DeviceAuthSignaturePolicy) Accepts(alg SignatureAlgorithm, keySizeBits int) bool {
	switch alg.Scheme {
	case SigAlgoRSAPKCS1v15:
		return p.hashAllowed(alg.Hash, true) && keySizeBits >= p.MinRSAModulusBits
	case SigAlgoRSAPSS:
		return p.hashAllowed(alg.Hash, false) && keySizeBits >= p.MinRSAModulusBits
	case SigAlgoECDSA:
		switch keySizeBits {
		case 256, 384, 521:
			return p.hashAllowed(alg.Hash, true)
		}
		return false
	default:
		return false
	}
}

func (p *DeviceAuthSignaturePolicy) hashAllowed(h crypto.Hash, sha1OK bool) bool {
	switch h {
	case crypto.SHA1:
		return sha1OK && p.AllowSHA1
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
		return true
	default:
		return false
	}
}

// AcceptAllAlgorithmsPolicy accepts all algorithms.
type AcceptAllAlgorithmsPolicy struct{}

// Accepts always returns true.
func (AcceptAllAlgorithmsPolicy) Accepts(SignatureAlgorithm, int) bool {
	return true
}
