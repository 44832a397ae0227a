// Package identity canonicalizes the DIDs and device-scoped MLS identifiers
// used throughout the delivery service. It is deliberately a pure, dependency
// free package: every other component that compares, rate-limits, or records
// a peer identity goes through here first so that "did:plc:abc" and
// "did:plc:abc#device" are recognized as the same peer.
package identity

import "strings"

// Canonical is a DID with its optional service/device fragment split out.
type Canonical struct {
	DID      string
	Fragment string
}

// Canonicalize strips a trailing "#fragment" from id, returning the bare DID
// and the fragment payload (empty if none was present). It does not validate
// DID syntax; callers that need a well-formed DID should check Valid first.
func Canonicalize(id string) Canonical {
	if idx := strings.IndexByte(id, '#'); idx >= 0 {
		return Canonical{DID: id[:idx], Fragment: id[idx+1:]}
	}
	return Canonical{DID: id}
}

// Equal reports whether a and b refer to the same peer once fragments are
// stripped.
func Equal(a, b string) bool {
	return Canonicalize(a).DID == Canonicalize(b).DID
}

// Valid reports whether id looks like a DID: "did:<method>:<id>" with a
// non-empty method and method-specific id, ignoring any fragment.
func Valid(id string) bool {
	did := Canonicalize(id).DID
	if !strings.HasPrefix(did, "did:") {
		return false
	}
	rest := did[len("did:"):]
	parts := strings.SplitN(rest, ":", 2)
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// Method returns the DID method (e.g. "plc", "web") of id, or "" if id is
// not a well-formed DID.
func Method(id string) string {
	did := Canonicalize(id).DID
	if !strings.HasPrefix(did, "did:") {
		return ""
	}
	rest := did[len("did:"):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return ""
	}
	return parts[0]
}

// DeviceIdentity is the base user DID and device id extracted from an
// MLS credential identifier of the form "did:plc:user#device-uuid".
type DeviceIdentity struct {
	UserDID  string
	DeviceID string
}

// ParseDeviceIdentity splits a device-scoped MLS identifier into its base
// user DID and device id. ok is false if id carries no device fragment.
func ParseDeviceIdentity(id string) (di DeviceIdentity, ok bool) {
	c := Canonicalize(id)
	if c.Fragment == "" {
		return DeviceIdentity{}, false
	}
	return DeviceIdentity{UserDID: c.DID, DeviceID: c.Fragment}, true
}
