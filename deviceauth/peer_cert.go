package deviceauth

import (
	"time"

	"github.com/georgepadayatti/devauth/certvalidator"
)

// MaxPeerCertLifetime bounds how long after its notBefore a peer
// certificate may be used, whatever its notAfter says.
const MaxPeerCertLifetime = 4 * 24 * time.Hour

// CheckPeerCertTime bounds the self-signed certificate a device presents on
// the transport connection. The certificate's own validity window must
// contain now, and now must fall within MaxPeerCertLifetime of notBefore.
// The certificate is not otherwise validated.
func CheckPeerCertTime(peer *certvalidator.Certificate, now time.Time) error {
	if now.Before(peer.NotBefore) {
		return newAuthError(KindPeerCertTimeInvalid, nil,
			"peer certificate not valid before %s", peer.NotBefore.UTC().Format(time.RFC3339))
	}
	if now.After(peer.NotAfter) {
		return newAuthError(KindPeerCertTimeInvalid, nil,
			"peer certificate expired at %s", peer.NotAfter.UTC().Format(time.RFC3339))
	}

	if limit := PeerCertUsableUntil(peer); now.After(limit) {
		return newAuthError(KindPeerCertLifetimeExceedsLimit, nil,
			"peer certificate usable until %s (issued %s)",
			limit.UTC().Format(time.RFC3339), peer.NotBefore.UTC().Format(time.RFC3339))
	}
	return nil
}

// PeerCertUsableUntil returns notBefore plus MaxPeerCertLifetime.
func PeerCertUsableUntil(peer *certvalidator.Certificate) time.Time {
	return peer.NotBefore.Add(MaxPeerCertLifetime)
}
