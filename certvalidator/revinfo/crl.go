package revinfo

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/georgepadayatti/devauth/internal/wire"
)

// Bundle is the serialized form in which revocation lists are distributed.
// Only the first list with a supported version is used.
type Bundle struct {
	CRLs []*SignedCRL
}

// SignedCRL is a TBS revocation list with its signer and signature.
type SignedCRL struct {
	// TBSCRL is the serialized TBSCRL the signature covers.
	TBSCRL []byte
	// SignerCert is the DER certificate of the signer.
	SignerCert []byte
	// Signature is RSASSA-PKCS1-v1_5 with SHA-256 over TBSCRL.
	Signature []byte
}

// TBSCRL is the signed body of a revocation list.
type TBSCRL struct {
	Version          uint64
	NotBeforeSeconds uint64
	NotAfterSeconds  uint64

	// RevokedPublicKeyHashes are SHA-256 digests of SubjectPublicKeyInfo.
	RevokedPublicKeyHashes [][]byte

	RevokedSerialNumberRanges []*SerialNumberRange
}

// SerialNumberRange revokes serials first..last, inclusive, issued under
// the key whose SPKI SHA-256 is IssuerPublicKeyHash.
type SerialNumberRange struct {
	FirstSerialNumber   uint64
	LastSerialNumber    uint64
	IssuerPublicKeyHash []byte
}

// Marshal encodes the bundle.
func (b *Bundle) Marshal() []byte {
	var out []byte
	for _, crl := range b.CRLs {
		out = wire.AppendBytes(out, 1, crl.Marshal())
	}
	return out
}

// UnmarshalBundle decodes a bundle.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	b := &Bundle{}
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		raw, err := wire.Bytes(f)
		if err != nil {
			return err
		}
		crl, err := UnmarshalSignedCRL(raw)
		if err != nil {
			return err
		}
		b.CRLs = append(b.CRLs, crl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bundle: %w", ErrCRLParse, err)
	}
	return b, nil
}

// Marshal encodes the signed list.
func (c *SignedCRL) Marshal() []byte {
	var out []byte
	if c.TBSCRL != nil {
		out = wire.AppendBytes(out, 1, c.TBSCRL)
	}
	if c.SignerCert != nil {
		out = wire.AppendBytes(out, 2, c.SignerCert)
	}
	if c.Signature != nil {
		out = wire.AppendBytes(out, 3, c.Signature)
	}
	return out
}

// UnmarshalSignedCRL decodes a signed list.
func UnmarshalSignedCRL(data []byte) (*SignedCRL, error) {
	c := &SignedCRL{}
	err := wire.Walk(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			c.TBSCRL, err = wire.Bytes(f)
		case 2:
			c.SignerCert, err = wire.Bytes(f)
		case 3:
			c.Signature, err = wire.Bytes(f)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Marshal encodes the TBS list.
func (t *TBSCRL) Marshal() []byte {
	var out []byte
	out = wire.AppendVarint(out, 1, t.Version)
	out = wire.AppendVarint(out, 2, t.NotBeforeSeconds)
	out = wire.AppendVarint(out, 3, t.NotAfterSeconds)
	for _, h := range t.RevokedPublicKeyHashes {
		out = wire.AppendBytes(out, 4, h)
	}
	for _, r := range t.RevokedSerialNumberRanges {
		out = wire.AppendBytes(out, 5, r.Marshal())
	}
	return out
}

// UnmarshalTBSCRL decodes a TBS list.
func UnmarshalTBSCRL(data []byte) (*TBSCRL, error) {
	t := &TBSCRL{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1, 2, 3:
			if err := wire.Expect(f, protowire.VarintType); err != nil {
				return err
			}
			switch f.Num {
			case 1:
				t.Version = f.Varint
			case 2:
				t.NotBeforeSeconds = f.Varint
			case 3:
				t.NotAfterSeconds = f.Varint
			}
		case 4:
			h, err := wire.Bytes(f)
			if err != nil {
				return err
			}
			t.RevokedPublicKeyHashes = append(t.RevokedPublicKeyHashes, h)
		case 5:
			raw, err := wire.Bytes(f)
			if err != nil {
				return err
			}
			r, err := UnmarshalSerialNumberRange(raw)
			if err != nil {
				return err
			}
			t.RevokedSerialNumberRanges = append(t.RevokedSerialNumberRanges, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Marshal encodes the range.
func (r *SerialNumberRange) Marshal() []byte {
	var out []byte
	out = wire.AppendVarint(out, 1, r.FirstSerialNumber)
	out = wire.AppendVarint(out, 2, r.LastSerialNumber)
	if r.IssuerPublicKeyHash != nil {
		out = wire.AppendBytes(out, 3, r.IssuerPublicKeyHash)
	}
	return out
}

// UnmarshalSerialNumberRange decodes a range.
func UnmarshalSerialNumberRange(data []byte) (*SerialNumberRange, error) {
	r := &SerialNumberRange{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1, 2:
			if err := wire.Expect(f, protowire.VarintType); err != nil {
				return err
			}
			if f.Num == 1 {
				r.FirstSerialNumber = f.Varint
			} else {
				r.LastSerialNumber = f.Varint
			}
		case 3:
			h, err := wire.Bytes(f)
			if err != nil {
				return err
			}
			r.IssuerPublicKeyHash = h
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SignTBSCRL serializes tbs and signs it with key, which must belong to
// the certificate signerDER.
func SignTBSCRL(tbs *TBSCRL, signerDER []byte, key crypto.Signer) (*SignedCRL, error) {
	raw := tbs.Marshal()
	digest := sha256.Sum256(raw)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign revocation list: %w", err)
	}
	return &SignedCRL{
		TBSCRL:     raw,
		SignerCert: append([]byte(nil), signerDER...),
		Signature:  sig,
	}, nil
}

// PublicKeyHash returns the SHA-256 digest of a DER SubjectPublicKeyInfo,
// the identifier revocation lists use for keys.
func PublicKeyHash(spki []byte) []byte {
	h := sha256.Sum256(spki)
	return h[:]
}
