package revinfo

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/georgepadayatti/devauth/certvalidator"
	"github.com/georgepadayatti/devauth/certvalidator/testonly"
)

// Test helper functions

func crlSigner(t *testing.T) *testonly.Credential {
	t.Helper()
	opts := testonly.LeafOptions("Device CRL Signer")
	opts.ExtKeyUsage = nil
	return testonly.Issue(t, testonly.DeviceRoot(t, 0), opts)
}

func deviceStore(t *testing.T) *certvalidator.TrustStore {
	t.Helper()
	store, err := certvalidator.NewDeviceTrustStore()
	if err != nil {
		t.Fatalf("NewDeviceTrustStore: %v", err)
	}
	return store
}

func validTBS() *TBSCRL {
	return &TBSCRL{
		NotBeforeSeconds: uint64(testonly.FixtureTime.Unix()),
		NotAfterSeconds:  uint64(testonly.FixtureTime.AddDate(0, 1, 0).Unix()),
	}
}

func bundleFor(t *testing.T, signer *testonly.Credential, tbs ...*TBSCRL) []byte {
	t.Helper()
	b := &Bundle{}
	for _, x := range tbs {
		signed, err := SignTBSCRL(x, signer.DER, signer.Key)
		if err != nil {
			t.Fatalf("SignTBSCRL: %v", err)
		}
		b.CRLs = append(b.CRLs, signed)
	}
	return b.Marshal()
}

func buildPath(t *testing.T, chain *testonly.DeviceChain, store *certvalidator.TrustStore) *certvalidator.VerifiedPath {
	t.Helper()
	var certs []*certvalidator.Certificate
	for _, der := range chain.DER() {
		c, err := certvalidator.ParseCertificate(der)
		if err != nil {
			t.Fatalf("ParseCertificate: %v", err)
		}
		certs = append(certs, c)
	}
	path, err := certvalidator.NewPathBuilder(store, nil).Build(certs[0], certs[1:], testonly.VerifyTime)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return path
}

func serialOf(cred *testonly.Credential) uint64 {
	return cred.Cert.SerialNumber.Uint64()
}

func TestCodecRoundTrip(t *testing.T) {
	tbs := &TBSCRL{
		Version:                0,
		NotBeforeSeconds:       100,
		NotAfterSeconds:        200,
		RevokedPublicKeyHashes: [][]byte{PublicKeyHash([]byte("a")), PublicKeyHash([]byte("b"))},
		RevokedSerialNumberRanges: []*SerialNumberRange{
			{FirstSerialNumber: 5, LastSerialNumber: 9, IssuerPublicKeyHash: PublicKeyHash([]byte("c"))},
		},
	}
	got, err := UnmarshalTBSCRL(tbs.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalTBSCRL: %v", err)
	}
	if diff := cmp.Diff(tbs, got); diff != "" {
		t.Errorf("TBSCRL mismatch (-want +got):\n%s", diff)
	}

	bundle := &Bundle{CRLs: []*SignedCRL{
		{TBSCRL: tbs.Marshal(), SignerCert: []byte{1, 2}, Signature: []byte{3}},
	}}
	gotBundle, err := UnmarshalBundle(bundle.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalBundle: %v", err)
	}
	if diff := cmp.Diff(bundle, gotBundle); diff != "" {
		t.Errorf("Bundle mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalBundleErrors(t *testing.T) {
	if _, err := UnmarshalBundle([]byte{0x0a, 0x05, 0x01}); !errors.Is(err, ErrCRLParse) {
		t.Errorf("expected ErrCRLParse, got %v", err)
	}
	// field 1 with varint wire type
	if _, err := UnmarshalBundle([]byte{0x08, 0x01}); !errors.Is(err, ErrCRLParse) {
		t.Errorf("expected ErrCRLParse, got %v", err)
	}
}

func TestParseAndVerifyCRL(t *testing.T) {
	store := deviceStore(t)
	signer := crlSigner(t)

	t.Run("Valid list", func(t *testing.T) {
		crl, err := ParseAndVerifyCRL(bundleFor(t, signer, validTBS()), testonly.VerifyTime, store, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !crl.NotBefore.Equal(testonly.FixtureTime) {
			t.Errorf("expected not before %v, got %v", testonly.FixtureTime, crl.NotBefore)
		}
		if crl.Signer.Subject.String() == "" {
			t.Error("expected signer subject")
		}
	})

	t.Run("First supported version wins", func(t *testing.T) {
		future := validTBS()
		future.Version = 1
		future.NotAfterSeconds = 0
		crl, err := ParseAndVerifyCRL(bundleFor(t, signer, future, validTBS()), testonly.VerifyTime, store, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if crl.NotAfter.Unix() != int64(validTBS().NotAfterSeconds) {
			t.Errorf("expected the version 0 list, got not after %v", crl.NotAfter)
		}
	})

	t.Run("Validity window", func(t *testing.T) {
		tbs := validTBS()
		tbs.NotBeforeSeconds = uint64(testonly.VerifyTime.Unix())
		tbs.NotAfterSeconds = uint64(testonly.VerifyTime.Add(time.Hour).Unix())
		data := bundleFor(t, signer, tbs)
		notBefore := time.Unix(int64(tbs.NotBeforeSeconds), 0)
		notAfter := time.Unix(int64(tbs.NotAfterSeconds), 0)

		if _, err := ParseAndVerifyCRL(data, notBefore, store, nil); err != nil {
			t.Errorf("expected list valid at not_before, got %v", err)
		}
		if _, err := ParseAndVerifyCRL(data, notBefore.Add(-time.Second), store, nil); !errors.Is(err, ErrCRLNotYetValid) {
			t.Errorf("expected ErrCRLNotYetValid, got %v", err)
		}
		if _, err := ParseAndVerifyCRL(data, notAfter, store, nil); !errors.Is(err, ErrCRLExpired) {
			t.Errorf("expected ErrCRLExpired at not_after, got %v", err)
		}
	})

	tests := []struct {
		name    string
		data    func(t *testing.T) []byte
		wantErr error
	}{
		{
			name:    "Empty bundle",
			data:    func(t *testing.T) []byte { return nil },
			wantErr: ErrCRLParse,
		},
		{
			name: "No supported version",
			data: func(t *testing.T) []byte {
				tbs := validTBS()
				tbs.Version = 2
				return bundleFor(t, signer, tbs)
			},
			wantErr: ErrCRLParse,
		},
		{
			name: "Tampered body",
			data: func(t *testing.T) []byte {
				signed, err := SignTBSCRL(validTBS(), signer.DER, signer.Key)
				if err != nil {
					t.Fatal(err)
				}
				tbs := validTBS()
				tbs.RevokedPublicKeyHashes = [][]byte{PublicKeyHash([]byte("x"))}
				signed.TBSCRL = tbs.Marshal()
				return (&Bundle{CRLs: []*SignedCRL{signed}}).Marshal()
			},
			wantErr: ErrCRLSignature,
		},
		{
			name: "Signer not trusted",
			data: func(t *testing.T) []byte {
				rogue := testonly.SelfSigned(t, testonly.CAOptions("Device Root"))
				opts := testonly.LeafOptions("Device CRL Signer")
				return bundleFor(t, testonly.Issue(t, rogue, opts), validTBS())
			},
			wantErr: ErrCRLSignature,
		},
		{
			name: "Signer certificate garbage",
			data: func(t *testing.T) []byte {
				signed, err := SignTBSCRL(validTBS(), []byte{0x30, 0x00}, signer.Key)
				if err != nil {
					t.Fatal(err)
				}
				return (&Bundle{CRLs: []*SignedCRL{signed}}).Marshal()
			},
			wantErr: ErrCRLSignature,
		},
		{
			name: "Signer expired",
			data: func(t *testing.T) []byte {
				opts := testonly.LeafOptions("Device CRL Signer")
				opts.NotAfter = testonly.FixtureTime.Add(time.Hour)
				return bundleFor(t, testonly.Issue(t, testonly.DeviceRoot(t, 0), opts), validTBS())
			},
			wantErr: ErrCRLSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndVerifyCRL(tt.data(t), testonly.VerifyTime, store, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheckRevocation(t *testing.T) {
	store := deviceStore(t)
	signer := crlSigner(t)
	chain := testonly.NewDeviceChain(t, nil)
	path := buildPath(t, chain, store)

	check := func(t *testing.T, tbs *TBSCRL, p *certvalidator.VerifiedPath) error {
		t.Helper()
		crl, err := ParseAndVerifyCRL(bundleFor(t, signer, tbs), testonly.VerifyTime, store, nil)
		if err != nil {
			t.Fatalf("ParseAndVerifyCRL: %v", err)
		}
		return crl.CheckRevocation(p)
	}

	t.Run("Nothing revoked", func(t *testing.T) {
		if err := check(t, validTBS(), path); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	keyTests := []struct {
		name     string
		cred     *testonly.Credential
		position int
	}{
		{"Leaf key", chain.Leaf, 0},
		{"Intermediate key", chain.Intermediate, 1},
		{"ICA key", chain.ICA, 2},
		{"Anchor key", chain.Root, 3},
	}
	for _, tt := range keyTests {
		t.Run(tt.name, func(t *testing.T) {
			tbs := validTBS()
			tbs.RevokedPublicKeyHashes = [][]byte{PublicKeyHash(tt.cred.Cert.RawSubjectPublicKeyInfo)}
			err := check(t, tbs, path)
			var revoked *RevokedError
			if !errors.As(err, &revoked) {
				t.Fatalf("expected *RevokedError, got %v", err)
			}
			if !errors.Is(err, ErrRevoked) {
				t.Errorf("expected ErrRevoked, got %v", err)
			}
			if revoked.By != RevokedByKeyHash || revoked.Position != tt.position {
				t.Errorf("expected key hash at %d, got %v at %d", tt.position, revoked.By, revoked.Position)
			}
		})
	}

	t.Run("Serial range", func(t *testing.T) {
		tbs := validTBS()
		serial := serialOf(chain.Leaf)
		tbs.RevokedSerialNumberRanges = []*SerialNumberRange{{
			FirstSerialNumber:   serial - 1,
			LastSerialNumber:    serial + 1,
			IssuerPublicKeyHash: PublicKeyHash(chain.Intermediate.Cert.RawSubjectPublicKeyInfo),
		}}
		err := check(t, tbs, path)
		var revoked *RevokedError
		if !errors.As(err, &revoked) || revoked.By != RevokedBySerialRange || revoked.Position != 0 {
			t.Errorf("expected leaf revoked by serial range, got %v", err)
		}
	})

	t.Run("Serial range bounds are inclusive", func(t *testing.T) {
		serial := serialOf(chain.Intermediate)
		for _, r := range [][2]uint64{{serial, serial}, {serial, serial + 10}, {serial - 10, serial}} {
			tbs := validTBS()
			tbs.RevokedSerialNumberRanges = []*SerialNumberRange{{
				FirstSerialNumber:   r[0],
				LastSerialNumber:    r[1],
				IssuerPublicKeyHash: PublicKeyHash(chain.ICA.Cert.RawSubjectPublicKeyInfo),
			}}
			if err := check(t, tbs, path); !errors.Is(err, ErrRevoked) {
				t.Errorf("range %v: expected ErrRevoked, got %v", r, err)
			}
		}
	})

	t.Run("Serial range for another issuer", func(t *testing.T) {
		tbs := validTBS()
		serial := serialOf(chain.Leaf)
		tbs.RevokedSerialNumberRanges = []*SerialNumberRange{{
			FirstSerialNumber:   serial,
			LastSerialNumber:    serial,
			IssuerPublicKeyHash: PublicKeyHash(chain.Root.Cert.RawSubjectPublicKeyInfo),
		}}
		if err := check(t, tbs, path); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Serial range outside", func(t *testing.T) {
		tbs := validTBS()
		tbs.RevokedSerialNumberRanges = []*SerialNumberRange{{
			FirstSerialNumber:   1 << 40,
			LastSerialNumber:    1 << 41,
			IssuerPublicKeyHash: PublicKeyHash(chain.Intermediate.Cert.RawSubjectPublicKeyInfo),
		}}
		if err := check(t, tbs, path); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Other path unaffected", func(t *testing.T) {
		other := testonly.NewDeviceChain(t, &testonly.CertOptions{
			CommonName:  "Device 5678",
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			Key:         testonly.RSAKey(t, 300),
		})
		tbs := validTBS()
		tbs.RevokedPublicKeyHashes = [][]byte{PublicKeyHash(other.Leaf.Cert.RawSubjectPublicKeyInfo)}
		if err := check(t, tbs, path); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := check(t, tbs, buildPath(t, other, store)); !errors.Is(err, ErrRevoked) {
			t.Errorf("expected ErrRevoked, got %v", err)
		}
	})
}

func TestSerialUint64(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    uint64
		ok      bool
	}{
		{"Single octet", []byte{0x05}, 5, true},
		{"Leading zero", []byte{0x00, 0x80}, 128, true},
		{"Non-minimal zeros", []byte{0x00, 0x00, 0x01}, 1, true},
		{"Eight octets", []byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 1<<63 - 1, true},
		{"Nine octets with sign byte", []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 1<<64 - 1, true},
		{"Too wide", []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0}, 0, false},
		{"Negative", []byte{0x80}, 0, false},
		{"Empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := serialUint64(tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}

func TestRevocationChecker(t *testing.T) {
	store := deviceStore(t)
	signer := crlSigner(t)
	chain := testonly.NewDeviceChain(t, nil)
	path := buildPath(t, chain, store)

	expired := validTBS()
	expired.NotAfterSeconds = uint64(testonly.FixtureTime.Add(time.Hour).Unix())
	revokedLeaf := validTBS()
	revokedLeaf.RevokedPublicKeyHashes = [][]byte{PublicKeyHash(chain.Leaf.Cert.RawSubjectPublicKeyInfo)}

	tests := []struct {
		name    string
		policy  CRLPolicy
		data    []byte
		wantErr error
	}{
		{"Required without list", CRLRequired, nil, ErrNoUsableCRL},
		{"Optional without list", CRLOptional, nil, nil},
		{"Required with expired list", CRLRequired, bundleFor(t, signer, expired), ErrNoUsableCRL},
		{"Optional with expired list", CRLOptional, bundleFor(t, signer, expired), nil},
		{"Required with garbage", CRLRequired, []byte{0xff}, ErrNoUsableCRL},
		{"Optional with garbage", CRLOptional, []byte{0xff}, nil},
		{"Required with valid list", CRLRequired, bundleFor(t, signer, validTBS()), nil},
		{"Required with revoked leaf", CRLRequired, bundleFor(t, signer, revokedLeaf), ErrRevoked},
		{"Optional with revoked leaf", CRLOptional, bundleFor(t, signer, revokedLeaf), ErrRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewRevocationChecker(store, tt.policy)
			err := rc.CheckPath(tt.data, path, testonly.VerifyTime)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("Separate CRL trust store", func(t *testing.T) {
		crlRoot := testonly.SelfSigned(t, testonly.CAOptions("Device CRL Root"))
		crlStore := certvalidator.NewTrustStore()
		if err := crlStore.AddAnchorDER(crlRoot.DER); err != nil {
			t.Fatal(err)
		}
		opts := testonly.LeafOptions("Device CRL Signer")
		separate := testonly.Issue(t, crlRoot, opts)

		rc := NewRevocationChecker(crlStore, CRLRequired)
		if err := rc.CheckPath(bundleFor(t, separate, validTBS()), path, testonly.VerifyTime); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := rc.CheckPath(bundleFor(t, signer, validTBS()), path, testonly.VerifyTime); !errors.Is(err, ErrNoUsableCRL) {
			t.Errorf("expected ErrNoUsableCRL for a signer outside the CRL store, got %v", err)
		}
	})
}

func TestParseCRLPolicy(t *testing.T) {
	for _, p := range []CRLPolicy{CRLRequired, CRLOptional} {
		got, err := ParseCRLPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("expected %v, got %v (%v)", p, got, err)
		}
	}
	if _, err := ParseCRLPolicy("sometimes"); err == nil {
		t.Error("expected error")
	}
}
