// Package certvalidator provides X.509 certificate path validation.
// This file contains the certification path builder.
package certvalidator

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// DefaultMaxPathLength bounds the number of certificates in a path, trust
// anchor included.
const DefaultMaxPathLength = 8

// DefaultMaxCandidateChecks bounds the number of issuer candidates one Build
// call examines. Each examined candidate costs at most one signature check.
const DefaultMaxCandidateChecks = 256

// maxRecordedAttempts bounds the diagnostics kept in a PathBuildingError.
const maxRecordedAttempts = 32

// VerifiedPath is a certification path that passed every check at the
// verification time.
type VerifiedPath struct {
	// Certificates runs from the target to the certificate issued by the
	// anchor. It never contains the anchor itself.
	Certificates []*Certificate
	Anchor       *TrustAnchor
}

// Leaf returns the target certificate.
func (p *VerifiedPath) Leaf() *Certificate {
	if len(p.Certificates) == 0 {
		return nil
	}
	return p.Certificates[0]
}

// Length returns the total length of the path including the trust anchor.
func (p *VerifiedPath) Length() int {
	return len(p.Certificates) + 1
}

// All returns the path with the anchor certificate appended.
func (p *VerifiedPath) All() []*Certificate {
	all := make([]*Certificate, 0, len(p.Certificates)+1)
	all = append(all, p.Certificates...)
	return append(all, p.Anchor.Certificate)
}

// PathBuilder finds a path from a target certificate to a trust anchor.
//
// When several candidate issuers share a name each is tried in turn; the
// first path satisfying every constraint wins. Callers must not depend on
// which of several valid paths is returned.
type PathBuilder struct {
	trust  *TrustStore
	policy SignaturePolicy

	// MaxPathLength bounds the path length including the anchor.
	MaxPathLength int
	// MaxCandidateChecks bounds the anchors and intermediates examined per
	// Build call. Search stops with a PathBuildingError once it is spent.
	// Zero means DefaultMaxCandidateChecks.
	MaxCandidateChecks int
}

// NewPathBuilder creates a PathBuilder. A nil policy means
// NewDeviceAuthSignaturePolicy().
func NewPathBuilder(trust *TrustStore, policy SignaturePolicy) *PathBuilder {
	if policy == nil {
		policy = NewDeviceAuthSignaturePolicy()
	}
	return &PathBuilder{
		trust:              trust,
		policy:             policy,
		MaxPathLength:      DefaultMaxPathLength,
		MaxCandidateChecks: DefaultMaxCandidateChecks,
	}
}

// Build returns the first valid path from target to an anchor using the
// intermediates pool, whose order does not matter.
func (pb *PathBuilder) Build(target *Certificate, intermediates []*Certificate, t time.Time) (*VerifiedPath, error) {
	if pb.trust == nil || pb.trust.Len() == 0 {
		return nil, NewPathBuildingError("no trust anchors configured", nil)
	}

	if err := checkTarget(target, t); err != nil {
		return nil, NewPathBuildingError(
			fmt.Sprintf("no valid certification path for %s", target.Subject), []string{err.Error()})
	}

	budget := pb.MaxCandidateChecks
	if budget <= 0 {
		budget = DefaultMaxCandidateChecks
	}
	w := &pathWalker{
		pathBuilder: pb,
		moment:      t,
		pool:        make(map[string][]*Certificate),
		certsSeen:   map[string]bool{certKey(target): true},
		issuedBy:    make(map[issuedByKey]error),
		budget:      budget,
	}
	for _, cert := range intermediates {
		key := cert.Subject.Normalized()
		w.pool[key] = append(w.pool[key], cert)
	}

	if path := w.walk([]*Certificate{target}); path != nil {
		return path, nil
	}
	if w.dropped > 0 {
		w.attempts = append(w.attempts, fmt.Sprintf("%d more diagnostics omitted", w.dropped))
	}
	if w.exhausted {
		return nil, NewPathBuildingError(
			fmt.Sprintf("no certification path for %s within %d candidate checks", target.Subject, budget), w.attempts)
	}
	return nil, NewPathBuildingError(
		fmt.Sprintf("no valid certification path for %s", target.Subject), w.attempts)
}

// pathWalker performs a depth-first search over candidate issuers.
type pathWalker struct {
	pathBuilder *PathBuilder
	moment      time.Time
	pool        map[string][]*Certificate
	certsSeen   map[string]bool
	issuedBy    map[issuedByKey]error
	attempts    []string
	dropped     int
	budget      int
	exhausted   bool
}

// issuedByKey identifies a (certificate, issuer) pair by their certKeys.
type issuedByKey struct {
	cert, issuer string
}

func (w *pathWalker) walk(path []*Certificate) *VerifiedPath {
	current := path[len(path)-1]

	for _, anchor := range w.pathBuilder.trust.FindBySubject(current.Issuer) {
		if !w.spend() {
			return nil
		}
		if err := w.checkAnchor(anchor, path); err != nil {
			w.reject(anchor.Certificate, err)
			continue
		}
		if err := w.checkIssuedBy(current, anchor.Certificate); err != nil {
			w.reject(anchor.Certificate, err)
			continue
		}
		certs := make([]*Certificate, len(path))
		copy(certs, path)
		return &VerifiedPath{Certificates: certs, Anchor: anchor}
	}

	candidates := w.pool[current.Issuer.Normalized()]
	if len(candidates) > 0 && len(path)+2 > w.pathBuilder.MaxPathLength {
		w.note(fmt.Sprintf("path length limit %d reached", w.pathBuilder.MaxPathLength))
		return nil
	}

	for _, issuer := range candidates {
		// Check for cycles
		key := certKey(issuer)
		if w.certsSeen[key] {
			continue
		}
		if !w.spend() {
			return nil
		}
		if err := w.checkIntermediate(issuer, path); err != nil {
			w.reject(issuer, err)
			continue
		}
		if err := w.checkIssuedBy(current, issuer); err != nil {
			w.reject(issuer, err)
			continue
		}

		w.certsSeen[key] = true
		next := append(path[:len(path):len(path)], issuer)
		found := w.walk(next)
		if found != nil || w.exhausted {
			return found
		}
		delete(w.certsSeen, key)
	}

	if len(candidates) == 0 {
		w.note(fmt.Sprintf("no issuer found for %s", current.Subject))
	}
	return nil
}

// spend takes one candidate check from the budget and reports whether the
// search may go on.
func (w *pathWalker) spend() bool {
	if w.budget <= 0 {
		w.exhausted = true
		return false
	}
	w.budget--
	return true
}

func (w *pathWalker) reject(cert *Certificate, err error) {
	w.note(fmt.Sprintf("candidate %s (serial %s): %v", cert.Subject, cert.SerialHex(), err))
}

func (w *pathWalker) note(attempt string) {
	if len(w.attempts) >= maxRecordedAttempts {
		w.dropped++
		return
	}
	w.attempts = append(w.attempts, attempt)
}

// checkIssuedBy verifies the signature on cert with the issuer's key. Results
// are cached since the same pair recurs on different branches.
func (w *pathWalker) checkIssuedBy(cert, issuer *Certificate) error {
	key := issuedByKey{cert: certKey(cert), issuer: certKey(issuer)}
	if err, ok := w.issuedBy[key]; ok {
		return err
	}
	err := w.verifyIssuedBy(cert, issuer)
	w.issuedBy[key] = err
	return err
}

func (w *pathWalker) verifyIssuedBy(cert, issuer *Certificate) error {
	alg, err := ParseSignatureAlgorithm(cert.SignatureAlgorithm)
	if err != nil {
		return err
	}
	return CheckSignature(w.pathBuilder.policy, alg, issuer.PublicKey, cert.RawTBSCertificate, cert.Signature)
}

func (w *pathWalker) checkIntermediate(issuer *Certificate, below []*Certificate) error {
	if !issuer.ValidAt(w.moment) {
		return fmt.Errorf("not valid at %s", w.moment.UTC().Format(time.RFC3339))
	}
	if unhandled := issuer.UnhandledCriticalExtensions(); len(unhandled) > 0 {
		return fmt.Errorf("unhandled critical extension %s", unhandled[0])
	}
	if !issuer.IsCA() {
		return fmt.Errorf("not a CA certificate")
	}
	if issuer.HasKeyUsage && !issuer.KeyUsage.Has(KeyUsageCertSign) {
		return fmt.Errorf("key usage does not permit certificate signing")
	}
	if limit := issuer.BasicConstraints.MaxPathLen; limit >= 0 && countIntermediates(below) > limit {
		return fmt.Errorf("path length constraint %d exceeded", limit)
	}
	return nil
}

func (w *pathWalker) checkAnchor(anchor *TrustAnchor, below []*Certificate) error {
	if !anchor.Certificate.ValidAt(w.moment) {
		return fmt.Errorf("trust anchor not valid at %s", w.moment.UTC().Format(time.RFC3339))
	}
	if anchor.MaxPathLen >= 0 && countIntermediates(below) > anchor.MaxPathLen {
		return fmt.Errorf("trust anchor path length constraint %d exceeded", anchor.MaxPathLen)
	}
	return nil
}

func checkTarget(cert *Certificate, t time.Time) error {
	if !cert.ValidAt(t) {
		return fmt.Errorf("target certificate not valid at %s (valid %s to %s)",
			t.UTC().Format(time.RFC3339),
			cert.NotBefore.UTC().Format(time.RFC3339),
			cert.NotAfter.UTC().Format(time.RFC3339))
	}
	if unhandled := cert.UnhandledCriticalExtensions(); len(unhandled) > 0 {
		return fmt.Errorf("target certificate has unhandled critical extension %s", unhandled[0])
	}
	return nil
}

// countIntermediates counts the non-self-issued certificates of path after
// the target.
func countIntermediates(path []*Certificate) int {
	n := 0
	for _, cert := range path[1:] {
		if !cert.IsSelfIssued() {
			n++
		}
	}
	return n
}

// certKey creates a unique key for a certificate.
func certKey(cert *Certificate) string {
	h := sha256.Sum256(cert.Raw)
	return string(h[:])
}
