// Package certvalidator provides X.509 certificate path validation.
// This file contains signature algorithm parsing and signature verification.
package certvalidator

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrAlgorithmNotSupported is returned when an AlgorithmIdentifier names an
// algorithm or parameter set this package cannot verify.
var ErrAlgorithmNotSupported = errors.New("algorithm not supported")

// SignatureScheme is the public key operation of a signature algorithm.
type SignatureScheme int

const (
	// SigAlgoUnknown represents an unknown algorithm.
	SigAlgoUnknown SignatureScheme = iota
	// SigAlgoRSAPKCS1v15 represents RSA PKCS#1 v1.5.
	SigAlgoRSAPKCS1v15
	// SigAlgoRSAPSS represents RSA-PSS.
	SigAlgoRSAPSS
	// SigAlgoECDSA represents ECDSA.
	SigAlgoECDSA
)

// String returns the string representation of the signature scheme.
func (s SignatureScheme) String() string {
	switch s {
	case SigAlgoRSAPKCS1v15:
		return "rsassa_pkcs1v15"
	case SigAlgoRSAPSS:
		return "rsassa_pss"
	case SigAlgoECDSA:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// OIDs for signature and hash algorithms.
var (
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDRSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDRSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDRSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDRSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}

	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// SignatureAlgorithm is a decoded signature AlgorithmIdentifier.
type SignatureAlgorithm struct {
	Scheme SignatureScheme
	Hash   crypto.Hash
	// SaltLength is only meaningful for SigAlgoRSAPSS.
	SaltLength int
}

func (a SignatureAlgorithm) String() string {
	if a.Scheme == SigAlgoUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%s/%s", a.Scheme, a.Hash)
}

// GetHashAlgorithmFromOID returns the hash algorithm for an OID.
func GetHashAlgorithmFromOID(oid asn1.ObjectIdentifier) crypto.Hash {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1
	case oid.Equal(OIDSHA256):
		return crypto.SHA256
	case oid.Equal(OIDSHA384):
		return crypto.SHA384
	case oid.Equal(OIDSHA512):
		return crypto.SHA512
	default:
		return 0
	}
}

// ParseSignatureAlgorithm decodes a DER AlgorithmIdentifier.
func ParseSignatureAlgorithm(der []byte) (SignatureAlgorithm, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() || !seq.ReadASN1ObjectIdentifier(&oid) {
		return SignatureAlgorithm{}, fmt.Errorf("%w: malformed algorithm identifier", ErrCertificateParse)
	}
	params := seq

	rsaHashes := map[string]crypto.Hash{
		OIDRSAWithSHA1.String():   crypto.SHA1,
		OIDRSAWithSHA256.String(): crypto.SHA256,
		OIDRSAWithSHA384.String(): crypto.SHA384,
		OIDRSAWithSHA512.String(): crypto.SHA512,
	}
	ecdsaHashes := map[string]crypto.Hash{
		OIDECDSAWithSHA1.String():   crypto.SHA1,
		OIDECDSAWithSHA256.String(): crypto.SHA256,
		OIDECDSAWithSHA384.String(): crypto.SHA384,
		OIDECDSAWithSHA512.String(): crypto.SHA512,
	}

	if h, ok := rsaHashes[oid.String()]; ok {
		// Parameters must be NULL or absent.
		if !params.Empty() && !bytes.Equal(params, []byte{0x05, 0x00}) {
			return SignatureAlgorithm{}, fmt.Errorf("%w: unexpected parameters for %s", ErrAlgorithmNotSupported, oid)
		}
		return SignatureAlgorithm{Scheme: SigAlgoRSAPKCS1v15, Hash: h}, nil
	}
	if h, ok := ecdsaHashes[oid.String()]; ok {
		if !params.Empty() {
			return SignatureAlgorithm{}, fmt.Errorf("%w: unexpected parameters for %s", ErrAlgorithmNotSupported, oid)
		}
		return SignatureAlgorithm{Scheme: SigAlgoECDSA, Hash: h}, nil
	}
	if oid.Equal(OIDRSAPSS) {
		return parsePSSParameters(params)
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: %s", ErrAlgorithmNotSupported, oid)
}

// parsePSSParameters accepts only the parameter sets real issuers use:
// explicit SHA-256/384/512, MGF1 with the same hash, salt equal to the hash
// length and the default trailer.
func parsePSSParameters(params cryptobyte.String) (SignatureAlgorithm, error) {
	unsupported := fmt.Errorf("%w: RSASSA-PSS parameters", ErrAlgorithmNotSupported)

	var seq cryptobyte.String
	if !params.ReadASN1(&seq, cbasn1.SEQUENCE) || !params.Empty() {
		return SignatureAlgorithm{}, unsupported
	}

	var hashField, hashAlg cryptobyte.String
	var hashOID asn1.ObjectIdentifier
	if !seq.ReadASN1(&hashField, cbasn1.Tag(0).Constructed().ContextSpecific()) ||
		!hashField.ReadASN1(&hashAlg, cbasn1.SEQUENCE) ||
		!hashAlg.ReadASN1ObjectIdentifier(&hashOID) {
		return SignatureAlgorithm{}, unsupported
	}
	h := GetHashAlgorithmFromOID(hashOID)
	if h == 0 || h == crypto.SHA1 {
		return SignatureAlgorithm{}, unsupported
	}

	var mgfField, mgfAlg, mgfHash cryptobyte.String
	var mgfOID, mgfHashOID asn1.ObjectIdentifier
	if !seq.ReadASN1(&mgfField, cbasn1.Tag(1).Constructed().ContextSpecific()) ||
		!mgfField.ReadASN1(&mgfAlg, cbasn1.SEQUENCE) ||
		!mgfAlg.ReadASN1ObjectIdentifier(&mgfOID) ||
		!mgfOID.Equal(OIDMGF1) ||
		!mgfAlg.ReadASN1(&mgfHash, cbasn1.SEQUENCE) ||
		!mgfHash.ReadASN1ObjectIdentifier(&mgfHashOID) ||
		GetHashAlgorithmFromOID(mgfHashOID) != h {
		return SignatureAlgorithm{}, unsupported
	}

	var saltField cryptobyte.String
	var salt int64
	if !seq.ReadASN1(&saltField, cbasn1.Tag(2).Constructed().ContextSpecific()) ||
		!saltField.ReadASN1Integer(&salt) ||
		salt != int64(h.Size()) {
		return SignatureAlgorithm{}, unsupported
	}

	var trailerPresent bool
	var trailerField cryptobyte.String
	if !seq.ReadOptionalASN1(&trailerField, &trailerPresent, cbasn1.Tag(3).Constructed().ContextSpecific()) {
		return SignatureAlgorithm{}, unsupported
	}
	if trailerPresent {
		var trailer int64
		if !trailerField.ReadASN1Integer(&trailer) || trailer != 1 {
			return SignatureAlgorithm{}, unsupported
		}
	}
	if !seq.Empty() {
		return SignatureAlgorithm{}, unsupported
	}
	return SignatureAlgorithm{Scheme: SigAlgoRSAPSS, Hash: h, SaltLength: int(salt)}, nil
}

// VerifySignedData checks signature over data with publicKey. It does not
// consult any policy; see CheckSignature.
func VerifySignedData(alg SignatureAlgorithm, publicKey crypto.PublicKey, data, signature []byte) error {
	if alg.Hash == 0 || !alg.Hash.Available() {
		return fmt.Errorf("%w: hash %v", ErrAlgorithmNotSupported, alg.Hash)
	}
	h := alg.Hash.New()
	h.Write(data)
	digest := h.Sum(nil)

	switch alg.Scheme {
	case SigAlgoRSAPKCS1v15:
		rsaKey, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected RSA public key, got %T", ErrInvalidSignature, publicKey)
		}
		if err := rsa.VerifyPKCS1v15(rsaKey, alg.Hash, digest, signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil

	case SigAlgoRSAPSS:
		rsaKey, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected RSA public key, got %T", ErrInvalidSignature, publicKey)
		}
		opts := &rsa.PSSOptions{SaltLength: alg.SaltLength, Hash: alg.Hash}
		if err := rsa.VerifyPSS(rsaKey, alg.Hash, digest, signature, opts); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil

	case SigAlgoECDSA:
		ecKey, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected ECDSA public key, got %T", ErrInvalidSignature, publicKey)
		}
		if !ecdsa.VerifyASN1(ecKey, digest, signature) {
			return ErrInvalidSignature
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrAlgorithmNotSupported, alg.Scheme)
	}
}

// CheckSignature applies policy to the algorithm and key and then verifies
// the signature.
func CheckSignature(policy SignaturePolicy, alg SignatureAlgorithm, publicKey crypto.PublicKey, data, signature []byte) error {
	if publicKey == nil {
		return fmt.Errorf("%w: unsupported public key", ErrSignatureAlgorithm)
	}
	if !keyMatchesScheme(alg.Scheme, publicKey) {
		return fmt.Errorf("%w: %T key cannot verify %s", ErrSignatureAlgorithm, publicKey, alg)
	}
	if !policy.Accepts(alg, PublicKeySize(publicKey)) {
		return fmt.Errorf("%w: %s with %d-bit key", ErrSignatureAlgorithm, alg, PublicKeySize(publicKey))
	}
	return VerifySignedData(alg, publicKey, data, signature)
}

func keyMatchesScheme(scheme SignatureScheme, publicKey crypto.PublicKey) bool {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return scheme == SigAlgoRSAPKCS1v15 || scheme == SigAlgoRSAPSS
	case *ecdsa.PublicKey:
		return scheme == SigAlgoECDSA && isAllowedCurve(key.Curve)
	}
	return false
}

// PublicKeySize returns the RSA modulus length or the curve size in bits.
func PublicKeySize(publicKey crypto.PublicKey) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		if key.Curve != nil {
			return key.Curve.Params().BitSize
		}
		return 0
	default:
		return 0
	}
}

func isAllowedCurve(c elliptic.Curve) bool {
	return c == elliptic.P256() || c == elliptic.P384() || c == elliptic.P521()
}
