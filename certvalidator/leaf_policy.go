// Package certvalidator provides X.509 certificate path validation.
// This file contains the device leaf extension policy.
package certvalidator

import (
	"encoding/asn1"
)

var (
	// OIDExtKeyUsageClientAuth is id-kp-clientAuth.
	OIDExtKeyUsageClientAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}

	// OIDPolicyRestrictedCapability marks a device that may only offer a
	// restricted capability set (audio-only devices).
	OIDPolicyRestrictedCapability = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 5, 2}
)

// DevicePolicy classifies a verified device.
type DevicePolicy int

const (
	// PolicyUnrestricted is a device without capability restrictions.
	PolicyUnrestricted DevicePolicy = iota
	// PolicyRestrictedCapability is a device whose leaf carries the
	// restricted capability policy OID.
	PolicyRestrictedCapability
)

// String returns the string representation of the policy.
func (p DevicePolicy) String() string {
	switch p {
	case PolicyUnrestricted:
		return "unrestricted"
	case PolicyRestrictedCapability:
		return "restricted_capability"
	default:
		return "unknown"
	}
}

// CheckLeafExtensions applies the device identity extension rules to a leaf
// that has already been path validated. Checks run in order and stop at the
// first failure: digitalSignature key usage, clientAuth extended key usage,
// policy classification, and finally the subject common name.
func CheckLeafExtensions(leaf *Certificate) (DevicePolicy, string, error) {
	if !leaf.HasKeyUsage {
		return 0, "", NewExtensionPolicyError("leaf certificate has no key usage extension")
	}
	if !leaf.KeyUsage.Has(KeyUsageDigitalSignature) {
		return 0, "", NewExtensionPolicyError("leaf certificate key usage lacks digitalSignature")
	}

	if !leaf.HasExtKeyUsage {
		return 0, "", NewExtensionPolicyError("leaf certificate has no extended key usage extension")
	}
	if !containsOID(leaf.ExtKeyUsage, OIDExtKeyUsageClientAuth) {
		return 0, "", NewExtensionPolicyError("leaf certificate extended key usage lacks clientAuth")
	}

	policy := PolicyUnrestricted
	if leaf.HasPolicies && containsOID(leaf.Policies, OIDPolicyRestrictedCapability) {
		policy = PolicyRestrictedCapability
	}

	cn, ok := leaf.Subject.CommonName()
	if !ok {
		return 0, "", NewExtensionPolicyError("leaf certificate subject has no common name")
	}
	return policy, cn, nil
}
