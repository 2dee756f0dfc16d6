package deviceauth

import (
	"bytes"
	"crypto"
	"time"

	"github.com/jonboulle/clockwork"
	"k8s.io/klog/v2"

	"github.com/georgepadayatti/devauth/authmsg"
	"github.com/georgepadayatti/devauth/certvalidator"
	"github.com/georgepadayatti/devauth/certvalidator/revinfo"
)

// Result is a successful authentication.
type Result struct {
	Policy  certvalidator.DevicePolicy
	Context *certvalidator.VerificationContext
}

// Authenticator checks device challenge responses. It is safe for
// concurrent use once constructed.
type Authenticator struct {
	verifier  *CertVerifier
	clock     clockwork.Clock
	crlPolicy revinfo.CRLPolicy
	metrics   *Metrics
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock sets the source of the verification time.
func WithClock(clock clockwork.Clock) Option {
	return func(a *Authenticator) {
		a.clock = clock
	}
}

// WithCRLPolicy sets the revocation policy. The default is CRLRequired.
func WithCRLPolicy(policy revinfo.CRLPolicy) Option {
	return func(a *Authenticator) {
		a.crlPolicy = policy
	}
}

// WithMetrics records outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(a *Authenticator) {
		a.metrics = m
	}
}

// WithCRLTrustStore checks revocation list signers against trust instead of
// the device anchors.
func WithCRLTrustStore(trust *certvalidator.TrustStore) Option {
	return func(a *Authenticator) {
		a.verifier.CRLTrust = trust
	}
}

// WithSignaturePolicy replaces the certificate signature policy.
func WithSignaturePolicy(policy certvalidator.SignaturePolicy) Option {
	return func(a *Authenticator) {
		a.verifier.SignaturePolicy = policy
	}
}

// NewAuthenticator creates an Authenticator for devices chaining to trust.
func NewAuthenticator(trust *certvalidator.TrustStore, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  NewCertVerifier(trust),
		clock:     clockwork.NewRealClock(),
		crlPolicy: revinfo.CRLRequired,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AuthenticateEnvelope decodes a serialized envelope and authenticates it.
func (a *Authenticator) AuthenticateEnvelope(data, peerCertDER []byte, challenge *authmsg.AuthChallenge) (*Result, error) {
	msg, err := authmsg.UnmarshalCastMessage(data)
	if err != nil {
		return nil, a.fail(a.clock.Now(), newAuthError(KindMessageParseFailed, err, "envelope"))
	}
	return a.AuthenticateChallengeReply(msg, peerCertDER, challenge)
}

// AuthenticateChallengeReply authenticates a device's reply. peerCertDER is
// the self-signed certificate the device presented on the transport
// connection. challenge is the challenge that was sent, or nil when the
// reply is not bound to a nonce.
func (a *Authenticator) AuthenticateChallengeReply(msg *authmsg.CastMessage, peerCertDER []byte, challenge *authmsg.AuthChallenge) (*Result, error) {
	start := a.clock.Now()
	result, err := a.authenticate(msg, peerCertDER, challenge, start)
	if err != nil {
		return nil, a.fail(start, err)
	}
	a.metrics.observeSuccess(result.Policy, a.clock.Since(start))
	klog.V(2).Infof("Authenticated device %q with policy %s", result.Context.CommonName(), result.Policy)
	return result, nil
}

func (a *Authenticator) fail(start time.Time, err *AuthError) error {
	a.metrics.observeFailure(err.Kind, a.clock.Since(start))
	klog.V(1).Infof("Device authentication failed: %v", err)
	return err
}

func (a *Authenticator) authenticate(msg *authmsg.CastMessage, peerCertDER []byte, challenge *authmsg.AuthChallenge, now time.Time) (*Result, *AuthError) {
	if msg.PayloadType != authmsg.PayloadBinary {
		return nil, newAuthError(KindWrongPayloadType, nil, "payload type %s", msg.PayloadType)
	}
	if msg.PayloadBinary == nil {
		return nil, newAuthError(KindMissingPayload, nil, "no binary payload")
	}
	authMsg, err := authmsg.UnmarshalDeviceAuthMessage(msg.PayloadBinary)
	if err != nil {
		return nil, newAuthError(KindMessageParseFailed, err, "device auth message")
	}
	if authMsg.Error != nil {
		return nil, newAuthError(KindMessageHasError, nil, "device reported %s", authMsg.Error.ErrorType)
	}
	resp := authMsg.Response
	if resp == nil {
		return nil, newAuthError(KindMissingResponse, nil, "no response")
	}

	peer, err := certvalidator.ParseCertificate(peerCertDER)
	if err != nil {
		return nil, newAuthError(KindPeerCertParseFailed, err, "peer certificate")
	}
	if err := CheckPeerCertTime(peer, now); err != nil {
		return nil, asAuthError(err)
	}

	var nonce []byte
	if challenge != nil {
		if resp.SenderNonce != nil && !bytes.Equal(resp.SenderNonce, challenge.SenderNonce) {
			return nil, newAuthError(KindSenderNonceMismatch, nil, "response nonce %x, challenge nonce %x",
				resp.SenderNonce, challenge.SenderNonce)
		}
		nonce = challenge.SenderNonce
	}

	certs := make([][]byte, 0, 1+len(resp.IntermediateCertificates))
	certs = append(certs, resp.ClientAuthCertificate)
	certs = append(certs, resp.IntermediateCertificates...)
	verified, err := a.verifier.VerifyDeviceCert(certs, resp.CRL, a.crlPolicy, now)
	if err != nil {
		return nil, asAuthError(err)
	}

	if resp.SignatureAlgorithm == authmsg.RSASSAPSS {
		return nil, newAuthError(KindSignatureAlgorithmUnsupported, nil, "signature algorithm %s", resp.SignatureAlgorithm)
	}
	input := SignatureInput(nonce, peerCertDER)
	var ok bool
	switch resp.HashAlgorithm {
	case authmsg.SHA256:
		ok = verified.Context.VerifySignatureWithHash(crypto.SHA256, resp.Signature, input)
	default:
		ok = verified.Context.VerifySignature(resp.Signature, input)
	}
	if !ok {
		return nil, newAuthError(KindSignatureMismatch, nil, "challenge signature from %q (%s)",
			verified.Context.CommonName(), resp.HashAlgorithm)
	}

	return &Result{Policy: verified.Policy, Context: verified.Context}, nil
}
