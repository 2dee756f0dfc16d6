package deviceauth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an authentication failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMessageParseFailed
	KindWrongPayloadType
	KindMissingPayload
	KindMessageHasError
	KindMissingResponse
	KindPeerCertParseFailed
	KindPeerCertTimeInvalid
	KindPeerCertLifetimeExceedsLimit
	KindCertificateParseFailed
	KindChainPathNotFound
	KindExtensionPolicyRejected
	KindCrlInvalidOrMissing
	KindCertificateRevoked
	KindSignatureAlgorithmUnsupported
	KindSenderNonceMismatch
	KindSignatureMismatch
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                       "Unknown",
	KindMessageParseFailed:            "MessageParseFailed",
	KindWrongPayloadType:              "WrongPayloadType",
	KindMissingPayload:                "MissingPayload",
	KindMessageHasError:               "MessageHasError",
	KindMissingResponse:               "MissingResponse",
	KindPeerCertParseFailed:           "PeerCertParseFailed",
	KindPeerCertTimeInvalid:           "PeerCertTimeInvalid",
	KindPeerCertLifetimeExceedsLimit:  "PeerCertLifetimeExceedsLimit",
	KindCertificateParseFailed:        "CertificateParseFailed",
	KindChainPathNotFound:             "ChainPathNotFound",
	KindExtensionPolicyRejected:       "ExtensionPolicyRejected",
	KindCrlInvalidOrMissing:           "CrlInvalidOrMissing",
	KindCertificateRevoked:            "CertificateRevoked",
	KindSignatureAlgorithmUnsupported: "SignatureAlgorithmUnsupported",
	KindSenderNonceMismatch:           "SenderNonceMismatch",
	KindSignatureMismatch:             "SignatureMismatch",
}

// String returns the kind's name.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// AuthError is the error returned by every failed verification.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func newAuthError(kind ErrorKind, err error, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches another *AuthError of the same kind, so callers can test
// errors.Is(err, &AuthError{Kind: KindChainPathNotFound}).
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *AuthError in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindUnknown
}

func asAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &AuthError{Kind: KindUnknown, Message: "internal error", Err: err}
}
