package deviceauth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"github.com/georgepadayatti/devauth/authmsg"
)

// NonceSize is the length of a challenge sender nonce.
const NonceSize = 16

// NewChallenge returns a challenge for the default algorithms with a fresh
// random sender nonce.
func NewChallenge() (*authmsg.AuthChallenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate sender nonce: %w", err)
	}
	return authmsg.NewAuthChallenge(nonce), nil
}

// NewChallengeMessage wraps a fresh challenge in a binary envelope.
func NewChallengeMessage(sourceID, destinationID string) (*authmsg.CastMessage, *authmsg.AuthChallenge, error) {
	challenge, err := NewChallenge()
	if err != nil {
		return nil, nil, err
	}
	payload := (&authmsg.DeviceAuthMessage{Challenge: challenge}).Marshal()
	return authmsg.NewBinaryMessage(sourceID, destinationID, payload), challenge, nil
}

// SignatureInput returns the bytes a device signs: the sender nonce, if
// any, followed by the peer certificate DER.
func SignatureInput(nonce, peerCertDER []byte) []byte {
	input := make([]byte, 0, len(nonce)+len(peerCertDER))
	input = append(input, nonce...)
	return append(input, peerCertDER...)
}

// Device answers challenges the way a device does. It is used by the
// command line simulator and in tests.
type Device struct {
	Key crypto.Signer
	// Chain is the DER leaf followed by its intermediates.
	Chain [][]byte
	// CRL is attached to every response when set.
	CRL []byte
}

// Respond answers challenge for a session whose transport used
// peerCertDER. A nil challenge produces a response without a nonce. A
// challenge asking for an algorithm the device lacks is answered with an
// error message.
func (d *Device) Respond(challenge *authmsg.AuthChallenge, peerCertDER []byte) (*authmsg.DeviceAuthMessage, error) {
	if len(d.Chain) == 0 {
		return nil, fmt.Errorf("device has no certificate chain")
	}
	if _, ok := d.Key.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("device key is %T, need RSA", d.Key.Public())
	}

	hashAlg := authmsg.SHA1
	var nonce []byte
	if challenge != nil {
		if challenge.SignatureAlgorithm == authmsg.RSASSAPSS {
			return &authmsg.DeviceAuthMessage{
				Error: &authmsg.AuthError{ErrorType: authmsg.SignatureAlgorithmUnavailable},
			}, nil
		}
		hashAlg = challenge.HashAlgorithm
		nonce = challenge.SenderNonce
	}

	input := SignatureInput(nonce, peerCertDER)
	var (
		digest []byte
		hash   crypto.Hash
	)
	switch hashAlg {
	case authmsg.SHA256:
		sum := sha256.Sum256(input)
		digest, hash = sum[:], crypto.SHA256
	default:
		sum := sha1.Sum(input)
		digest, hash = sum[:], crypto.SHA1
	}
	sig, err := d.Key.Sign(rand.Reader, digest, hash)
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	resp := &authmsg.AuthResponse{
		Signature:             sig,
		ClientAuthCertificate: d.Chain[0],
		SignatureAlgorithm:    authmsg.RSASSAPKCS1v15,
		HashAlgorithm:         hashAlg,
		CRL:                   d.CRL,
	}
	if len(d.Chain) > 1 {
		resp.IntermediateCertificates = d.Chain[1:]
	}
	if nonce != nil {
		resp.SenderNonce = append([]byte(nil), nonce...)
	}
	return &authmsg.DeviceAuthMessage{Response: resp}, nil
}

// RespondMessage is Respond wrapped in a binary envelope.
func (d *Device) RespondMessage(sourceID, destinationID string, challenge *authmsg.AuthChallenge, peerCertDER []byte) (*authmsg.CastMessage, error) {
	msg, err := d.Respond(challenge, peerCertDER)
	if err != nil {
		return nil, err
	}
	return authmsg.NewBinaryMessage(sourceID, destinationID, msg.Marshal()), nil
}
