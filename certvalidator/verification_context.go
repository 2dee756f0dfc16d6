// Package certvalidator provides X.509 certificate path validation.
// This file contains the verification context bound to a verified device.
package certvalidator

import (
	"crypto"
	"crypto/x509"
	"fmt"
)

// VerificationContext verifies signatures on behalf of one verified device.
// It holds copies of the leaf's SubjectPublicKeyInfo and common name and
// no reference to the certificate it came from.
type VerificationContext struct {
	spki       []byte
	commonName string
	publicKey  crypto.PublicKey
	policy     SignaturePolicy
}

// NewVerificationContext binds a context to spki and commonName.
func NewVerificationContext(spki []byte, commonName string) (*VerificationContext, error) {
	spkiCopy := append([]byte(nil), spki...)
	pub, err := x509.ParsePKIXPublicKey(spkiCopy)
	if err != nil {
		return nil, fmt.Errorf("%w: subject public key: %v", ErrCertificateParse, err)
	}
	return &VerificationContext{
		spki:       spkiCopy,
		commonName: commonName,
		publicKey:  pub,
		policy:     NewDeviceAuthSignaturePolicy(),
	}, nil
}

// CommonName returns the verified device's common name.
func (c *VerificationContext) CommonName() string {
	return c.commonName
}

// SubjectPublicKeyInfo returns a copy of the bound SPKI.
func (c *VerificationContext) SubjectPublicKeyInfo() []byte {
	return append([]byte(nil), c.spki...)
}

// VerifySignature checks an RSASSA-PKCS1-v1_5 SHA-1 signature over data,
// the combination devices use for challenge responses.
func (c *VerificationContext) VerifySignature(signature, data []byte) bool {
	return c.VerifySignatureWithHash(crypto.SHA1, signature, data)
}

// VerifySignatureWithHash checks an RSASSA-PKCS1-v1_5 signature over data
// using SHA-1 or SHA-256. Other hashes are rejected.
func (c *VerificationContext) VerifySignatureWithHash(hash crypto.Hash, signature, data []byte) bool {
	if hash != crypto.SHA1 && hash != crypto.SHA256 {
		return false
	}
	alg := SignatureAlgorithm{Scheme: SigAlgoRSAPKCS1v15, Hash: hash}
	return CheckSignature(c.policy, alg, c.publicKey, data, signature) == nil
}
