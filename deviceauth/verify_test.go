package deviceauth_test

import (
	"crypto/x509"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/georgepadayatti/devauth/certvalidator"
	"github.com/georgepadayatti/devauth/certvalidator/revinfo"
	"github.com/georgepadayatti/devauth/certvalidator/testonly"
	"github.com/georgepadayatti/devauth/deviceauth"
)

func deviceStore(t *testing.T) *certvalidator.TrustStore {
	t.Helper()
	store, err := certvalidator.NewDeviceTrustStore()
	if err != nil {
		t.Fatalf("NewDeviceTrustStore: %v", err)
	}
	return store
}

// signedCRL returns a bundle signed by a certificate issued from embedded
// root 0.
func signedCRL(t *testing.T, mutate func(*revinfo.TBSCRL)) []byte {
	t.Helper()
	opts := testonly.LeafOptions("Device CRL Signer")
	opts.ExtKeyUsage = nil
	signer := testonly.Issue(t, testonly.DeviceRoot(t, 0), opts)
	tbs := &revinfo.TBSCRL{
		NotBeforeSeconds: uint64(testonly.FixtureTime.Unix()),
		NotAfterSeconds:  uint64(testonly.FixtureTime.AddDate(0, 1, 0).Unix()),
	}
	if mutate != nil {
		mutate(tbs)
	}
	signed, err := revinfo.SignTBSCRL(tbs, signer.DER, signer.Key)
	if err != nil {
		t.Fatalf("SignTBSCRL: %v", err)
	}
	return (&revinfo.Bundle{CRLs: []*revinfo.SignedCRL{signed}}).Marshal()
}

func TestVerifyDeviceCert(t *testing.T) {
	store := deviceStore(t)
	verifier := deviceauth.NewCertVerifier(store)
	chain := testonly.NewDeviceChain(t, nil)

	t.Run("Valid chain", func(t *testing.T) {
		res, err := verifier.VerifyDeviceCert(chain.DER(), nil, revinfo.CRLOptional, testonly.VerifyTime)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Policy != certvalidator.PolicyUnrestricted {
			t.Errorf("expected unrestricted, got %v", res.Policy)
		}
		if res.Context.CommonName() != "Device 1234" {
			t.Errorf("unexpected common name %q", res.Context.CommonName())
		}
		if res.Path.Length() != 4 {
			t.Errorf("expected a path of 4, got %d", res.Path.Length())
		}
	})

	t.Run("Intermediates in any order", func(t *testing.T) {
		certs := [][]byte{chain.Leaf.DER, chain.ICA.DER, chain.Intermediate.DER}
		if _, err := verifier.VerifyDeviceCert(certs, nil, revinfo.CRLOptional, testonly.VerifyTime); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Restricted capability", func(t *testing.T) {
		opts := testonly.LeafOptions("Device 1234")
		opts.Policies = []asn1.ObjectIdentifier{certvalidator.OIDPolicyRestrictedCapability}
		restricted := testonly.NewDeviceChain(t, &opts)
		res, err := verifier.VerifyDeviceCert(restricted.DER(), nil, revinfo.CRLOptional, testonly.VerifyTime)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Policy != certvalidator.PolicyRestrictedCapability {
			t.Errorf("expected restricted capability, got %v", res.Policy)
		}
	})

	t.Run("Valid CRL under required policy", func(t *testing.T) {
		if _, err := verifier.VerifyDeviceCert(chain.DER(), signedCRL(t, nil), revinfo.CRLRequired, testonly.VerifyTime); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	noSig := testonly.LeafOptions("Device 1234")
	noSig.KeyUsage = x509.KeyUsageKeyEncipherment

	tests := []struct {
		name     string
		certs    func(t *testing.T) [][]byte
		crl      func(t *testing.T) []byte
		policy   revinfo.CRLPolicy
		at       time.Time
		wantKind deviceauth.ErrorKind
	}{
		{
			name:     "No certificates",
			certs:    func(t *testing.T) [][]byte { return nil },
			policy:   revinfo.CRLOptional,
			wantKind: deviceauth.KindCertificateParseFailed,
		},
		{
			name:     "Garbage leaf",
			certs:    func(t *testing.T) [][]byte { return [][]byte{{0x30, 0x03, 0x02, 0x01, 0x01}} },
			policy:   revinfo.CRLOptional,
			wantKind: deviceauth.KindCertificateParseFailed,
		},
		{
			name:     "Missing intermediate",
			certs:    func(t *testing.T) [][]byte { return [][]byte{chain.Leaf.DER, chain.Intermediate.DER} },
			policy:   revinfo.CRLOptional,
			wantKind: deviceauth.KindChainPathNotFound,
		},
		{
			name:     "Before notBefore",
			certs:    func(t *testing.T) [][]byte { return chain.DER() },
			policy:   revinfo.CRLOptional,
			at:       testonly.FixtureTime.Add(-time.Second),
			wantKind: deviceauth.KindChainPathNotFound,
		},
		{
			name:     "After notAfter",
			certs:    func(t *testing.T) [][]byte { return chain.DER() },
			policy:   revinfo.CRLOptional,
			at:       testonly.FixtureTime.AddDate(5, 0, 1),
			wantKind: deviceauth.KindChainPathNotFound,
		},
		{
			name: "Too many intermediates",
			certs: func(t *testing.T) [][]byte {
				certs := chain.DER()
				for len(certs) <= deviceauth.MaxIntermediates+1 {
					certs = append(certs, chain.Intermediate.DER)
				}
				return certs
			},
			policy:   revinfo.CRLOptional,
			wantKind: deviceauth.KindChainPathNotFound,
		},
		{
			name: "No digitalSignature",
			certs: func(t *testing.T) [][]byte {
				leaf := testonly.Issue(t, chain.Intermediate, noSig)
				return [][]byte{leaf.DER, chain.Intermediate.DER, chain.ICA.DER}
			},
			policy:   revinfo.CRLOptional,
			wantKind: deviceauth.KindExtensionPolicyRejected,
		},
		{
			name:     "Required policy without CRL",
			certs:    func(t *testing.T) [][]byte { return chain.DER() },
			policy:   revinfo.CRLRequired,
			wantKind: deviceauth.KindCrlInvalidOrMissing,
		},
		{
			name:  "Required policy with expired CRL",
			certs: func(t *testing.T) [][]byte { return chain.DER() },
			crl: func(t *testing.T) []byte {
				return signedCRL(t, func(tbs *revinfo.TBSCRL) {
					tbs.NotAfterSeconds = uint64(testonly.FixtureTime.Add(time.Hour).Unix())
				})
			},
			policy:   revinfo.CRLRequired,
			wantKind: deviceauth.KindCrlInvalidOrMissing,
		},
		{
			name:  "Revoked intermediate",
			certs: func(t *testing.T) [][]byte { return chain.DER() },
			crl: func(t *testing.T) []byte {
				return signedCRL(t, func(tbs *revinfo.TBSCRL) {
					tbs.RevokedPublicKeyHashes = [][]byte{revinfo.PublicKeyHash(chain.Intermediate.Cert.RawSubjectPublicKeyInfo)}
				})
			},
			policy:   revinfo.CRLOptional,
			wantKind: deviceauth.KindCertificateRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			if at.IsZero() {
				at = testonly.VerifyTime
			}
			var crl []byte
			if tt.crl != nil {
				crl = tt.crl(t)
			}
			_, err := verifier.VerifyDeviceCert(tt.certs(t), crl, tt.policy, at)
			if got := deviceauth.KindOf(err); got != tt.wantKind {
				t.Errorf("expected %v, got %v (%v)", tt.wantKind, got, err)
			}
		})
	}

	t.Run("Optional policy without CRL matches no revocation check", func(t *testing.T) {
		_, required := verifier.VerifyDeviceCert(chain.DER(), nil, revinfo.CRLRequired, testonly.VerifyTime)
		_, optional := verifier.VerifyDeviceCert(chain.DER(), nil, revinfo.CRLOptional, testonly.VerifyTime)
		if required == nil || optional != nil {
			t.Errorf("expected required to fail and optional to pass, got %v and %v", required, optional)
		}
	})
}
