// Package testonly builds certificate fixtures for tests: credentials for
// the embedded device roots, issued CA and leaf certificates, peer
// certificates and re-encoded certificates that crypto/x509 will not
// produce.
package testonly

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	_ "embed"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/georgepadayatti/devauth/certvalidator/roots"
)

//go:embed testdata/device_root_1.key.pem
var deviceRoot1KeyPEM []byte

//go:embed testdata/device_root_2.key.pem
var deviceRoot2KeyPEM []byte

// FixtureTime is the notBefore of every certificate issued with default
// options. It lies inside the embedded roots' validity window.
var FixtureTime = time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)

// VerifyTime is FixtureTime plus one day.
var VerifyTime = FixtureTime.Add(24 * time.Hour)

var oidCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}

// Credential is a certificate with its private key.
type Credential struct {
	DER  []byte
	Cert *x509.Certificate
	Key  crypto.Signer
}

// CertOptions controls Issue and SelfSigned. Zero values select defaults
// suitable for a device leaf.
type CertOptions struct {
	CommonName string
	// Subject overrides CommonName when set.
	Subject *pkix.Name

	NotBefore time.Time
	NotAfter  time.Time

	IsCA bool
	// MaxPathLen is only used for CA certificates; -1 means no constraint.
	MaxPathLen int

	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	Policies    []asn1.ObjectIdentifier

	ExtraExtensions []pkix.Extension

	SerialNumber       *big.Int
	SignatureAlgorithm x509.SignatureAlgorithm

	// Key is the subject key. A cached RSA-2048 key is used when nil.
	Key crypto.Signer
}

// DeviceRoot returns the credential for embedded root i (0 or 1).
func DeviceRoot(t testing.TB, i int) *Credential {
	t.Helper()
	ders := roots.DER()
	if i < 0 || i >= len(ders) {
		t.Fatalf("no embedded root %d", i)
	}
	keyPEM := deviceRoot1KeyPEM
	if i == 1 {
		keyPEM = deviceRoot2KeyPEM
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		t.Fatalf("root %d: bad key PEM", i)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("root %d: parse key: %v", i, err)
	}
	cert, err := x509.ParseCertificate(ders[i])
	if err != nil {
		t.Fatalf("root %d: parse certificate: %v", i, err)
	}
	return &Credential{DER: ders[i], Cert: cert, Key: key.(crypto.Signer)}
}

var (
	keyCacheMu sync.Mutex
	keyCache   = make(map[int]*rsa.PrivateKey)
)

// RSAKey returns a 2048-bit RSA key, generated once per index per process.
func RSAKey(t testing.TB, index int) *rsa.PrivateKey {
	t.Helper()
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()
	if key, ok := keyCache[index]; ok {
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	keyCache[index] = key
	return key
}

var serialCounter struct {
	sync.Mutex
	n int64
}

func nextSerial() *big.Int {
	serialCounter.Lock()
	defer serialCounter.Unlock()
	serialCounter.n++
	return big.NewInt(1000 + serialCounter.n)
}

var keyIndexCounter struct {
	sync.Mutex
	n int
}

func nextKey(t testing.TB) *rsa.PrivateKey {
	keyIndexCounter.Lock()
	// Keys repeat every eight certificates.
	idx := keyIndexCounter.n % 8
	keyIndexCounter.n++
	keyIndexCounter.Unlock()
	return RSAKey(t, idx)
}

func (o CertOptions) template(t testing.TB) *x509.Certificate {
	t.Helper()
	subject := pkix.Name{CommonName: o.CommonName}
	if o.Subject != nil {
		subject = *o.Subject
	}
	notBefore := o.NotBefore
	if notBefore.IsZero() {
		notBefore = FixtureTime
	}
	notAfter := o.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(5, 0, 0)
	}
	serial := o.SerialNumber
	if serial == nil {
		serial = nextSerial()
	}
	sigAlg := o.SignatureAlgorithm
	if sigAlg == x509.UnknownSignatureAlgorithm {
		sigAlg = x509.SHA256WithRSA
	}

	tmpl := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		KeyUsage:           o.KeyUsage,
		ExtKeyUsage:        o.ExtKeyUsage,
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    append([]pkix.Extension(nil), o.ExtraExtensions...),
	}
	if o.IsCA {
		tmpl.BasicConstraintsValid = true
		tmpl.IsCA = true
		switch {
		case o.MaxPathLen > 0:
			tmpl.MaxPathLen = o.MaxPathLen
		case o.MaxPathLen == 0:
			tmpl.MaxPathLen = 0
			tmpl.MaxPathLenZero = true
		default:
			tmpl.MaxPathLen = -1
		}
	}
	if len(o.Policies) > 0 {
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, PoliciesExtension(t, o.Policies...))
	}
	return tmpl
}

// PoliciesExtension encodes a certificatePolicies extension without
// qualifiers.
func PoliciesExtension(t testing.TB, policies ...asn1.ObjectIdentifier) pkix.Extension {
	t.Helper()
	type policyInformation struct {
		Policy asn1.ObjectIdentifier
	}
	infos := make([]policyInformation, 0, len(policies))
	for _, p := range policies {
		infos = append(infos, policyInformation{Policy: p})
	}
	value, err := asn1.Marshal(infos)
	if err != nil {
		t.Fatalf("marshal certificate policies: %v", err)
	}
	return pkix.Extension{Id: oidCertificatePolicies, Value: value}
}

// Issue creates a certificate signed by issuer.
func Issue(t testing.TB, issuer *Credential, opts CertOptions) *Credential {
	t.Helper()
	key := opts.Key
	if key == nil {
		key = nextKey(t)
	}
	tmpl := opts.template(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer.Cert, key.Public(), issuer.Key)
	if err != nil {
		t.Fatalf("create certificate %q: %v", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate %q: %v", tmpl.Subject.CommonName, err)
	}
	return &Credential{DER: der, Cert: cert, Key: key}
}

// SelfSigned creates a self-signed certificate.
func SelfSigned(t testing.TB, opts CertOptions) *Credential {
	t.Helper()
	key := opts.Key
	if key == nil {
		key = nextKey(t)
	}
	tmpl := opts.template(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create self-signed certificate %q: %v", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate %q: %v", tmpl.Subject.CommonName, err)
	}
	return &Credential{DER: der, Cert: cert, Key: key}
}

// CAOptions returns options for an intermediate CA.
func CAOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName: commonName,
		IsCA:       true,
		MaxPathLen: -1,
		KeyUsage:   x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
}

// LeafOptions returns options for a conforming device leaf.
func LeafOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName:  commonName,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
}

// DeviceChain is a conforming four level hierarchy:
// embedded root, root-signed intermediate, intermediate, leaf.
type DeviceChain struct {
	Root         *Credential
	ICA          *Credential
	Intermediate *Credential
	Leaf         *Credential
}

// NewDeviceChain issues a chain under embedded root 0. leafOpts may be nil
// for LeafOptions("Device 1234").
func NewDeviceChain(t testing.TB, leafOpts *CertOptions) *DeviceChain {
	t.Helper()
	root := DeviceRoot(t, 0)
	ica := Issue(t, root, CAOptions("Device Identity ICA"))
	intermediate := Issue(t, ica, CAOptions("Device Model Intermediate"))
	opts := LeafOptions("Device 1234")
	if leafOpts != nil {
		opts = *leafOpts
	}
	leaf := Issue(t, intermediate, opts)
	return &DeviceChain{Root: root, ICA: ica, Intermediate: intermediate, Leaf: leaf}
}

// DER returns [leaf, intermediate, ica] as sent by a device.
func (c *DeviceChain) DER() [][]byte {
	return [][]byte{c.Leaf.DER, c.Intermediate.DER, c.ICA.DER}
}

// PeerCert creates the self-signed certificate a device presents on the
// transport connection.
func PeerCert(t testing.TB, notBefore, notAfter time.Time) *Credential {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	return SelfSigned(t, CertOptions{
		CommonName:         fmt.Sprintf("peer %d", notBefore.Unix()),
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		Key:                key,
	})
}
