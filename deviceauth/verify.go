// Package deviceauth authenticates devices: it verifies a device
// certificate chain against the embedded device roots and checks a
// challenge signature made with the device key.
package deviceauth

import (
	"errors"
	"time"

	"github.com/georgepadayatti/devauth/certvalidator"
	"github.com/georgepadayatti/devauth/certvalidator/revinfo"
)

// MaxIntermediates bounds the intermediate certificates accepted alongside a
// device certificate.
const MaxIntermediates = 16

// DeviceCertResult is the outcome of a successful device certificate
// verification.
type DeviceCertResult struct {
	Context *certvalidator.VerificationContext
	Policy  certvalidator.DevicePolicy
	Path    *certvalidator.VerifiedPath
}

// CertVerifier verifies device certificate chains.
type CertVerifier struct {
	// Trust holds the device anchors.
	Trust *certvalidator.TrustStore
	// CRLTrust holds the anchors revocation list signers chain to. Trust is
	// used when nil.
	CRLTrust *certvalidator.TrustStore
	// SignaturePolicy applies to certificate and revocation list signatures.
	SignaturePolicy certvalidator.SignaturePolicy
}

// NewCertVerifier creates a verifier for chains ending at trust.
func NewCertVerifier(trust *certvalidator.TrustStore) *CertVerifier {
	return &CertVerifier{
		Trust:           trust,
		SignaturePolicy: certvalidator.NewDeviceAuthSignaturePolicy(),
	}
}

// VerifyDeviceCert verifies certs, the DER leaf followed by intermediates in
// any order, at t. It builds a path to a device anchor, applies the leaf
// extension policy and checks revocation against crl under crlPolicy.
func (v *CertVerifier) VerifyDeviceCert(certs [][]byte, crl []byte, crlPolicy revinfo.CRLPolicy, t time.Time) (*DeviceCertResult, error) {
	if len(certs) == 0 || len(certs[0]) == 0 {
		return nil, newAuthError(KindCertificateParseFailed, nil, "no device certificate")
	}
	if n := len(certs) - 1; n > MaxIntermediates {
		return nil, newAuthError(KindChainPathNotFound, certvalidator.ErrPathNotFound,
			"%d intermediate certificates exceed the limit of %d", n, MaxIntermediates)
	}

	parsed := make([]*certvalidator.Certificate, 0, len(certs))
	for i, der := range certs {
		cert, err := certvalidator.ParseCertificate(der)
		if err != nil {
			return nil, newAuthError(KindCertificateParseFailed, err, "certificate %d", i)
		}
		parsed = append(parsed, cert)
	}

	builder := certvalidator.NewPathBuilder(v.Trust, v.SignaturePolicy)
	path, err := builder.Build(parsed[0], parsed[1:], t)
	if err != nil {
		return nil, newAuthError(KindChainPathNotFound, err, "device certificate chain")
	}

	policy, commonName, err := certvalidator.CheckLeafExtensions(path.Leaf())
	if err != nil {
		return nil, newAuthError(KindExtensionPolicyRejected, err, "device certificate")
	}

	crlTrust := v.CRLTrust
	if crlTrust == nil {
		crlTrust = v.Trust
	}
	checker := revinfo.NewRevocationChecker(crlTrust, crlPolicy)
	if v.SignaturePolicy != nil {
		checker.SignaturePolicy = v.SignaturePolicy
	}
	if err := checker.CheckPath(crl, path, t); err != nil {
		if errors.Is(err, revinfo.ErrRevoked) {
			return nil, newAuthError(KindCertificateRevoked, err, "device certificate chain")
		}
		return nil, newAuthError(KindCrlInvalidOrMissing, err, "revocation check")
	}

	ctx, err := certvalidator.NewVerificationContext(path.Leaf().RawSubjectPublicKeyInfo, commonName)
	if err != nil {
		return nil, newAuthError(KindSignatureAlgorithmUnsupported, err, "device key")
	}
	return &DeviceCertResult{Context: ctx, Policy: policy, Path: path}, nil
}
