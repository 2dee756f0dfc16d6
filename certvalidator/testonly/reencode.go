package testonly

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"encoding/asn1"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSHA1WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
)

// ReencodeOptions selects what Reencode changes.
type ReencodeOptions struct {
	// RawSerial replaces the serial number INTEGER contents verbatim, so
	// non-minimal encodings can be produced.
	RawSerial []byte

	// Hash selects RSASSA-PKCS1-v1_5 with SHA-1 or SHA-256 for the new
	// signature. Zero keeps SHA-256.
	Hash crypto.Hash
}

// Reencode rewrites the TBSCertificate of der and signs it again with
// issuerKey, which must be an RSA key. The result is returned as DER only:
// crypto/x509 refuses to parse some of the encodings it produces.
func Reencode(t testing.TB, der []byte, issuerKey crypto.Signer, opts ReencodeOptions) []byte {
	t.Helper()
	if _, ok := issuerKey.Public().(*rsa.PublicKey); !ok {
		t.Fatalf("reencode: issuer key must be RSA, got %T", issuerKey.Public())
	}

	input := cryptobyte.String(der)
	var certSeq, tbs, version, serial, rest cryptobyte.String
	var hasVersion bool
	if !input.ReadASN1(&certSeq, cbasn1.SEQUENCE) ||
		!certSeq.ReadASN1(&tbs, cbasn1.SEQUENCE) ||
		!tbs.ReadOptionalASN1(&version, &hasVersion, cbasn1.Tag(0).Constructed().ContextSpecific()) ||
		!tbs.ReadASN1(&serial, cbasn1.INTEGER) ||
		!tbs.SkipASN1(cbasn1.SEQUENCE) {
		t.Fatalf("reencode: malformed certificate")
	}
	rest = tbs

	newSerial := []byte(serial)
	if opts.RawSerial != nil {
		newSerial = opts.RawSerial
	}
	hash := opts.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}
	sigOID := oidSHA256WithRSA
	if hash == crypto.SHA1 {
		sigOID = oidSHA1WithRSA
	}
	addAlgorithm := func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(sigOID)
			b.AddASN1NULL()
		})
	}

	var tbsBuilder cryptobyte.Builder
	tbsBuilder.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if hasVersion {
			b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(version)
			})
		}
		b.AddASN1(cbasn1.INTEGER, func(b *cryptobyte.Builder) {
			b.AddBytes(newSerial)
		})
		addAlgorithm(b)
		b.AddBytes(rest)
	})
	newTBS, err := tbsBuilder.Bytes()
	if err != nil {
		t.Fatalf("reencode: build tbsCertificate: %v", err)
	}

	h := hash.New()
	h.Write(newTBS)
	signature, err := issuerKey.Sign(rand.Reader, h.Sum(nil), hash)
	if err != nil {
		t.Fatalf("reencode: sign: %v", err)
	}

	var certBuilder cryptobyte.Builder
	certBuilder.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(newTBS)
		addAlgorithm(b)
		b.AddASN1BitString(signature)
	})
	out, err := certBuilder.Bytes()
	if err != nil {
		t.Fatalf("reencode: build certificate: %v", err)
	}
	return out
}
