// Package authmsg defines the device authentication messages exchanged over
// the cast channel and their protobuf wire encoding.
package authmsg

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/georgepadayatti/devauth/internal/wire"
)

// Namespace is the channel namespace carrying device authentication.
const Namespace = "urn:x-cast:com.google.cast.tp.deviceauth"

// ErrParse is returned for bytes that do not decode as the expected message.
var ErrParse = errors.New("malformed device auth message")

// ProtocolVersion of the CastMessage envelope.
type ProtocolVersion int32

const (
	CastV2_1_0 ProtocolVersion = 0
)

// PayloadType declares which payload field of a CastMessage is used.
type PayloadType int32

const (
	PayloadString PayloadType = 0
	PayloadBinary PayloadType = 1
)

// String returns the string representation of a payload type.
func (p PayloadType) String() string {
	switch p {
	case PayloadString:
		return "STRING"
	case PayloadBinary:
		return "BINARY"
	default:
		return fmt.Sprintf("PayloadType(%d)", int32(p))
	}
}

// SignatureAlgorithm a device uses for its challenge signature.
type SignatureAlgorithm int32

const (
	SignatureAlgorithmUnspecified SignatureAlgorithm = 0
	RSASSAPKCS1v15                SignatureAlgorithm = 1
	RSASSAPSS                     SignatureAlgorithm = 2
)

// String returns the string representation of a signature algorithm.
func (a SignatureAlgorithm) String() string {
	switch a {
	case SignatureAlgorithmUnspecified:
		return "UNSPECIFIED"
	case RSASSAPKCS1v15:
		return "RSASSA_PKCS1v15"
	case RSASSAPSS:
		return "RSASSA_PSS"
	default:
		return fmt.Sprintf("SignatureAlgorithm(%d)", int32(a))
	}
}

func (a SignatureAlgorithm) known() bool {
	return a >= SignatureAlgorithmUnspecified && a <= RSASSAPSS
}

// HashAlgorithm a device uses for its challenge signature.
type HashAlgorithm int32

const (
	SHA1   HashAlgorithm = 0
	SHA256 HashAlgorithm = 1
)

// String returns the string representation of a hash algorithm.
func (h HashAlgorithm) String() string {
	switch h {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	default:
		return fmt.Sprintf("HashAlgorithm(%d)", int32(h))
	}
}

func (h HashAlgorithm) known() bool {
	return h == SHA1 || h == SHA256
}

// ErrorType reported by a device that cannot answer a challenge.
type ErrorType int32

const (
	InternalError                 ErrorType = 0
	NoTLS                         ErrorType = 1
	SignatureAlgorithmUnavailable ErrorType = 2
)

// String returns the string representation of an error type.
func (e ErrorType) String() string {
	switch e {
	case InternalError:
		return "INTERNAL_ERROR"
	case NoTLS:
		return "NO_TLS"
	case SignatureAlgorithmUnavailable:
		return "SIGNATURE_ALGORITHM_UNAVAILABLE"
	default:
		return fmt.Sprintf("ErrorType(%d)", int32(e))
	}
}

func (e ErrorType) known() bool {
	return e >= InternalError && e <= SignatureAlgorithmUnavailable
}

// CastMessage is the channel envelope.
type CastMessage struct {
	ProtocolVersion ProtocolVersion
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     PayloadType
	PayloadUTF8     string
	// PayloadBinary is nil when the field is absent.
	PayloadBinary []byte
}

// NewBinaryMessage wraps payload in a device auth envelope.
func NewBinaryMessage(sourceID, destinationID string, payload []byte) *CastMessage {
	return &CastMessage{
		ProtocolVersion: CastV2_1_0,
		SourceID:        sourceID,
		DestinationID:   destinationID,
		Namespace:       Namespace,
		PayloadType:     PayloadBinary,
		PayloadBinary:   append([]byte{}, payload...),
	}
}

// Marshal encodes the envelope.
func (m *CastMessage) Marshal() []byte {
	var out []byte
	out = wire.AppendVarint(out, 1, uint64(m.ProtocolVersion))
	out = wire.AppendString(out, 2, m.SourceID)
	out = wire.AppendString(out, 3, m.DestinationID)
	out = wire.AppendString(out, 4, m.Namespace)
	out = wire.AppendVarint(out, 5, uint64(m.PayloadType))
	if m.PayloadUTF8 != "" {
		out = wire.AppendString(out, 6, m.PayloadUTF8)
	}
	if m.PayloadBinary != nil {
		out = wire.AppendBytes(out, 7, m.PayloadBinary)
	}
	return out
}

// UnmarshalCastMessage decodes an envelope.
func UnmarshalCastMessage(data []byte) (*CastMessage, error) {
	m := &CastMessage{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := enumValue(f)
			if err != nil {
				return err
			}
			if ProtocolVersion(v) == CastV2_1_0 {
				m.ProtocolVersion = CastV2_1_0
			}
		case 2, 3, 4, 6:
			s, err := stringValue(f)
			if err != nil {
				return err
			}
			switch f.Num {
			case 2:
				m.SourceID = s
			case 3:
				m.DestinationID = s
			case 4:
				m.Namespace = s
			case 6:
				m.PayloadUTF8 = s
			}
		case 5:
			v, err := enumValue(f)
			if err != nil {
				return err
			}
			if p := PayloadType(v); p == PayloadString || p == PayloadBinary {
				m.PayloadType = p
			}
		case 7:
			b, err := wire.Bytes(f)
			if err != nil {
				return err
			}
			m.PayloadBinary = b
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: CastMessage: %w", ErrParse, err)
	}
	return m, nil
}

// DeviceAuthMessage carries exactly one of a challenge, a response or an
// error in well formed traffic.
type DeviceAuthMessage struct {
	Challenge *AuthChallenge
	Response  *AuthResponse
	Error     *AuthError
}

// Marshal encodes the message.
func (m *DeviceAuthMessage) Marshal() []byte {
	var out []byte
	if m.Challenge != nil {
		out = wire.AppendBytes(out, 1, m.Challenge.Marshal())
	}
	if m.Response != nil {
		out = wire.AppendBytes(out, 2, m.Response.Marshal())
	}
	if m.Error != nil {
		out = wire.AppendBytes(out, 3, m.Error.Marshal())
	}
	return out
}

// UnmarshalDeviceAuthMessage decodes a message.
func UnmarshalDeviceAuthMessage(data []byte) (*DeviceAuthMessage, error) {
	m := &DeviceAuthMessage{}
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num < 1 || f.Num > 3 {
			return nil
		}
		if err := wire.Expect(f, protowire.BytesType); err != nil {
			return err
		}
		var err error
		switch f.Num {
		case 1:
			m.Challenge, err = unmarshalAuthChallenge(f.Bytes)
		case 2:
			m.Response, err = unmarshalAuthResponse(f.Bytes)
		case 3:
			m.Error, err = unmarshalAuthError(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: DeviceAuthMessage: %w", ErrParse, err)
	}
	return m, nil
}

// AuthChallenge is sent to a device to request a signed response.
type AuthChallenge struct {
	SignatureAlgorithm SignatureAlgorithm
	SenderNonce        []byte
	HashAlgorithm      HashAlgorithm
}

// NewAuthChallenge returns a challenge with the default algorithms.
func NewAuthChallenge(nonce []byte) *AuthChallenge {
	return &AuthChallenge{
		SignatureAlgorithm: RSASSAPKCS1v15,
		SenderNonce:        append([]byte(nil), nonce...),
		HashAlgorithm:      SHA1,
	}
}

// Marshal encodes the challenge.
func (c *AuthChallenge) Marshal() []byte {
	var out []byte
	out = wire.AppendVarint(out, 1, uint64(c.SignatureAlgorithm))
	if c.SenderNonce != nil {
		out = wire.AppendBytes(out, 2, c.SenderNonce)
	}
	out = wire.AppendVarint(out, 3, uint64(c.HashAlgorithm))
	return out
}

func unmarshalAuthChallenge(data []byte) (*AuthChallenge, error) {
	c := NewAuthChallenge(nil)
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := enumValue(f)
			if err != nil {
				return err
			}
			if a := SignatureAlgorithm(v); a.known() {
				c.SignatureAlgorithm = a
			}
		case 2:
			b, err := wire.Bytes(f)
			if err != nil {
				return err
			}
			c.SenderNonce = b
		case 3:
			v, err := enumValue(f)
			if err != nil {
				return err
			}
			if h := HashAlgorithm(v); h.known() {
				c.HashAlgorithm = h
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("AuthChallenge: %w", err)
	}
	return c, nil
}

// AuthResponse is a device's answer to a challenge.
type AuthResponse struct {
	// Signature over the signature input, made with the leaf key.
	Signature []byte
	// ClientAuthCertificate is the DER device leaf.
	ClientAuthCertificate    []byte
	IntermediateCertificates [][]byte
	SignatureAlgorithm       SignatureAlgorithm
	SenderNonce              []byte
	HashAlgorithm            HashAlgorithm
	// CRL is a serialized revocation list bundle, if the device has one.
	CRL []byte
}

// Marshal encodes the response.
func (r *AuthResponse) Marshal() []byte {
	var out []byte
	out = wire.AppendBytes(out, 1, r.Signature)
	out = wire.AppendBytes(out, 2, r.ClientAuthCertificate)
	for _, ic := range r.IntermediateCertificates {
		out = wire.AppendBytes(out, 3, ic)
	}
	out = wire.AppendVarint(out, 4, uint64(r.SignatureAlgorithm))
	if r.SenderNonce != nil {
		out = wire.AppendBytes(out, 5, r.SenderNonce)
	}
	out = wire.AppendVarint(out, 6, uint64(r.HashAlgorithm))
	if r.CRL != nil {
		out = wire.AppendBytes(out, 7, r.CRL)
	}
	return out
}

func unmarshalAuthResponse(data []byte) (*AuthResponse, error) {
	r := &AuthResponse{SignatureAlgorithm: RSASSAPKCS1v15, HashAlgorithm: SHA1}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1, 2, 3, 5, 7:
			b, err := wire.Bytes(f)
			if err != nil {
				return err
			}
			switch f.Num {
			case 1:
				r.Signature = b
			case 2:
				r.ClientAuthCertificate = b
			case 3:
				r.IntermediateCertificates = append(r.IntermediateCertificates, b)
			case 5:
				r.SenderNonce = b
			case 7:
				r.CRL = b
			}
		case 4:
			v, err := enumValue(f)
			if err != nil {
				return err
			}
			if a := SignatureAlgorithm(v); a.known() {
				r.SignatureAlgorithm = a
			}
		case 6:
			v, err := enumValue(f)
			if err != nil {
				return err
			}
			if h := HashAlgorithm(v); h.known() {
				r.HashAlgorithm = h
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("AuthResponse: %w", err)
	}
	return r, nil
}

// AuthError is sent by a device instead of a response.
type AuthError struct {
	ErrorType ErrorType
}

// Marshal encodes the error.
func (e *AuthError) Marshal() []byte {
	return wire.AppendVarint(nil, 1, uint64(e.ErrorType))
}

func unmarshalAuthError(data []byte) (*AuthError, error) {
	e := &AuthError{}
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		v, err := enumValue(f)
		if err != nil {
			return err
		}
		if t := ErrorType(v); t.known() {
			e.ErrorType = t
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("AuthError: %w", err)
	}
	return e, nil
}

func enumValue(f wire.Field) (int32, error) {
	if err := wire.Expect(f, protowire.VarintType); err != nil {
		return 0, err
	}
	return int32(f.Varint), nil
}

func stringValue(f wire.Field) (string, error) {
	if err := wire.Expect(f, protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.Bytes), nil
}
