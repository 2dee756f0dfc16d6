// Package certvalidator provides X.509 certificate path validation.
// This file contains the trust store and the embedded device anchors.
package certvalidator

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/georgepadayatti/devauth/certvalidator/roots"
)

// TrustAnchor is a trusted certificate plus the constraints it carries.
type TrustAnchor struct {
	Certificate *Certificate

	// MaxPathLen is the anchor's own pathLenConstraint, -1 when absent.
	MaxPathLen int
}

// NewTrustAnchor derives a trust anchor from a certificate.
func NewTrustAnchor(cert *Certificate) *TrustAnchor {
	maxPathLen := -1
	if cert.BasicConstraints != nil {
		maxPathLen = cert.BasicConstraints.MaxPathLen
	}
	return &TrustAnchor{Certificate: cert, MaxPathLen: maxPathLen}
}

// TrustStore maps normalised subject names to trust anchors. Several
// anchors may share a subject.
//
// A TrustStore is not synchronised. Populate it before sharing it between
// goroutines; after that all methods are read-only and safe for concurrent
// use. Adding anchors concurrently with verification is not supported.
type TrustStore struct {
	bySubject map[string][]*TrustAnchor
	anchors   []*TrustAnchor
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{bySubject: make(map[string][]*TrustAnchor)}
}

// AddAnchor adds cert as a trust anchor. It returns false when the exact
// certificate is already present.
func (s *TrustStore) AddAnchor(cert *Certificate) bool {
	if s.Contains(cert) {
		return false
	}
	anchor := NewTrustAnchor(cert)
	key := cert.Subject.Normalized()
	s.bySubject[key] = append(s.bySubject[key], anchor)
	s.anchors = append(s.anchors, anchor)
	return true
}

// AddAnchorDER parses der and adds it as a trust anchor.
func (s *TrustStore) AddAnchorDER(der []byte) error {
	cert, err := ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("trust anchor: %w", err)
	}
	s.AddAnchor(cert)
	return nil
}

// FindBySubject returns the anchors whose subject matches name.
func (s *TrustStore) FindBySubject(name Name) []*TrustAnchor {
	return s.bySubject[name.Normalized()]
}

// Contains reports whether cert is one of the anchors.
func (s *TrustStore) Contains(cert *Certificate) bool {
	return s.Anchor(cert) != nil
}

// Anchor returns the anchor for cert, or nil.
func (s *TrustStore) Anchor(cert *Certificate) *TrustAnchor {
	if cert == nil {
		return nil
	}
	candidates := s.bySubject[cert.Subject.Normalized()]
	for _, anchor := range candidates {
		if anchor.Certificate == cert {
			return anchor
		}
	}
	for _, anchor := range candidates {
		if bytes.Equal(anchor.Certificate.Raw, cert.Raw) {
			return anchor
		}
	}
	return nil
}

// Len returns the number of anchors.
func (s *TrustStore) Len() int {
	return len(s.anchors)
}

// All returns the anchors in insertion order.
func (s *TrustStore) All() []*TrustAnchor {
	return append([]*TrustAnchor(nil), s.anchors...)
}

// NewDeviceTrustStore returns a new store holding the two embedded device
// identity roots. Callers that inject test anchors should use this rather
// than DefaultTrustStore so the shared store stays untouched.
func NewDeviceTrustStore() (*TrustStore, error) {
	store := NewTrustStore()
	for i, der := range roots.DER() {
		if err := store.AddAnchorDER(der); err != nil {
			return nil, fmt.Errorf("embedded root %d: %w", i, err)
		}
	}
	return store, nil
}

var defaultTrustStore = sync.OnceValues(NewDeviceTrustStore)

// DefaultTrustStore returns the process-wide store of embedded device
// roots. It is built on first use and must not be modified.
func DefaultTrustStore() (*TrustStore, error) {
	return defaultTrustStore()
}
