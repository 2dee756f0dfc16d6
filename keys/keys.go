// Package keys loads device certificates and private keys from PEM, DER and
// PKCS#12 files.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/georgepadayatti/devauth/certvalidator"
)

// Common errors
var (
	ErrNoCertFound      = errors.New("no certificate found in data")
	ErrNoKeyFound       = errors.New("no private key found in data")
	ErrUnknownKeyType   = errors.New("unknown private key type")
	ErrInvalidPEMBlock  = errors.New("invalid PEM block")
	ErrDecryptionFailed = errors.New("failed to decrypt private key")
)

// Credential is a device key with its certificate chain.
type Credential struct {
	Key crypto.Signer
	// Chain is the DER leaf followed by its intermediates.
	Chain [][]byte
}

// ReadFile reads a file for the command line, naming it in errors.
func ReadFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return data, nil
}

// LoadCertDERs loads DER certificates from a PEM or DER file.
func LoadCertDERs(filename string) ([][]byte, error) {
	data, err := ReadFile(filename)
	if err != nil {
		return nil, err
	}
	ders, err := ParseCertDERs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return ders, nil
}

// LoadCertDERsFromFiles concatenates the certificates of several files in
// order.
func LoadCertDERsFromFiles(filenames []string) ([][]byte, error) {
	var all [][]byte
	for _, filename := range filenames {
		ders, err := LoadCertDERs(filename)
		if err != nil {
			return nil, err
		}
		all = append(all, ders...)
	}
	if len(all) == 0 {
		return nil, ErrNoCertFound
	}
	return all, nil
}

// ParseCertDERs returns the CERTIFICATE blocks of PEM data, or data itself
// if it is a single DER certificate. Certificates are checked with the
// device certificate parser, which accepts some encodings crypto/x509 does
// not.
func ParseCertDERs(data []byte) ([][]byte, error) {
	var ders [][]byte
	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				ders = append(ders, block.Bytes)
			}
		}
	} else if len(data) > 0 {
		ders = [][]byte{data}
	}
	if len(ders) == 0 {
		return nil, ErrNoCertFound
	}
	for i, der := range ders {
		if _, err := certvalidator.ParseCertificate(der); err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
	}
	return ders, nil
}

// LoadPrivateKey loads a private key from a PEM or DER file.
func LoadPrivateKey(filename string, passphrase []byte) (crypto.Signer, error) {
	data, err := ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data, passphrase)
}

// ParsePrivateKey parses a PEM or DER private key in PKCS#8, PKCS#1 or SEC 1
// form. Legacy encrypted PEM blocks are decrypted with passphrase.
func ParsePrivateKey(data []byte, passphrase []byte) (crypto.Signer, error) {
	if !isPEM(data) {
		return parseDERPrivateKey(data)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEMBlock
	}
	keyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if passphrase == nil {
			return nil, fmt.Errorf("private key is encrypted but no passphrase provided")
		}
		var err error
		keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return toSigner(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, block.Type)
	}
}

func parseDERPrivateKey(data []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

func toSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

// LoadCredential loads a device key and the chain file holding its leaf
// and intermediates.
func LoadCredential(keyFile, chainFile string, passphrase []byte) (*Credential, error) {
	key, err := LoadPrivateKey(keyFile, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	chain, err := LoadCertDERs(chainFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate chain: %w", err)
	}
	return &Credential{Key: key, Chain: chain}, nil
}

// LoadPKCS12 loads a device credential from a PKCS#12 file. The bundle's
// CA certificates become the intermediates, in bundle order.
func LoadPKCS12(filename, password string) (*Credential, error) {
	data, err := ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes a PKCS#12 bundle.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	signer, err := toSigner(key)
	if err != nil {
		return nil, err
	}
	chain := [][]byte{leaf.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}
	return &Credential{Key: signer, Chain: chain}, nil
}

// KeyInfo describes a private key for diagnostics.
type KeyInfo struct {
	Algorithm string
	BitSize   int
	Curve     string
}

func (k KeyInfo) String() string {
	switch {
	case k.Curve != "":
		return fmt.Sprintf("%s %s", k.Algorithm, k.Curve)
	case k.BitSize > 0:
		return fmt.Sprintf("%s-%d", k.Algorithm, k.BitSize)
	default:
		return k.Algorithm
	}
}

// GetKeyInfo describes key.
func GetKeyInfo(key crypto.Signer) KeyInfo {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return KeyInfo{Algorithm: "RSA", BitSize: k.N.BitLen()}
	case *ecdsa.PrivateKey:
		return KeyInfo{Algorithm: "ECDSA", Curve: k.Curve.Params().Name}
	case ed25519.PrivateKey:
		return KeyInfo{Algorithm: "Ed25519"}
	default:
		return KeyInfo{Algorithm: "Unknown"}
	}
}
