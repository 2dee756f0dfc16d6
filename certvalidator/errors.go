// Package certvalidator provides X.509 certificate path validation.
// This file contains error types for path building and leaf checks.
package certvalidator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned (wrapped) by this package.
var (
	ErrCertificateParse   = errors.New("certificate parse error")
	ErrPathNotFound       = errors.New("certification path could not be built")
	ErrExtensionPolicy    = errors.New("certificate rejected by extension policy")
	ErrSignatureAlgorithm = errors.New("signature algorithm not allowed")
	ErrInvalidSignature   = errors.New("invalid signature")
)

// PathBuildingError occurs when no certification path satisfying every
// constraint could be found. Attempts holds one diagnostic per rejected
// candidate; its contents are informational only.
type PathBuildingError struct {
	Message  string
	Attempts []string
}

// NewPathBuildingError creates a new PathBuildingError.
func NewPathBuildingError(message string, attempts []string) *PathBuildingError {
	return &PathBuildingError{Message: message, Attempts: attempts}
}

func (e *PathBuildingError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(e.Attempts, "; "))
}

// Is reports whether target is ErrPathNotFound.
func (e *PathBuildingError) Is(target error) bool {
	return target == ErrPathNotFound
}

// ExtensionPolicyError occurs when a leaf certificate does not carry the
// extensions required of a device identity certificate.
type ExtensionPolicyError struct {
	Message string
}

// NewExtensionPolicyError creates a new ExtensionPolicyError.
func NewExtensionPolicyError(message string) *ExtensionPolicyError {
	return &ExtensionPolicyError{Message: message}
}

func (e *ExtensionPolicyError) Error() string {
	return e.Message
}

// Is reports whether target is ErrExtensionPolicy.
func (e *ExtensionPolicyError) Is(target error) bool {
	return target == ErrExtensionPolicy
}
