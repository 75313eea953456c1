// Package wfevent defines the core login-attempt entity shared by the
// stats, list, policy, and API layers.
package wfevent

import (
	"net/netip"
	"strings"
	"time"
)

// DeviceAttrs holds the parsed device attributes of a login attempt.  A nil
// *DeviceAttrs means the event carried no device information.
type DeviceAttrs struct {
	Brand   string `json:"brand,omitempty"`
	Family  string `json:"family,omitempty"`
	OS      string `json:"os,omitempty"`
	Version string `json:"version,omitempty"`
}

// Event is a single login attempt.  It is created on ingress, immutable
// thereafter, and discarded when the worker handling it returns.
type Event struct {
	// Time is the timestamp of the attempt, in fractional seconds since the
	// Unix epoch.  It is filled in by the API layer when the caller omits it.
	Time float64 `json:"t"`

	// Remote is the address the attempt originated from.
	Remote netip.Addr `json:"-"`

	// Login is the raw (not yet canonicalised) login identifier.
	Login string `json:"login"`

	// PasswordHash is an opaque hash of the attempted credential.  wforced
	// never sees or stores the credential itself.
	PasswordHash string `json:"pwhash"`

	// Protocol names the originating service, e.g. "imap", "http", "mobileapi".
	Protocol string `json:"protocol"`

	// DeviceID is an opaque client-supplied device identifier.
	DeviceID string `json:"device_id,omitempty"`

	// DeviceAttrs is the parsed device information.  If nil on ingress and
	// DeviceID is non-empty, [Event.FillDeviceAttrs] can fill it from a
	// [DeviceParser]; the API handlers do not call it.
	DeviceAttrs *DeviceAttrs `json:"device_attrs,omitempty"`

	// Attrs holds single-valued free-form attributes.
	Attrs map[string]string `json:"attrs,omitempty"`

	// AttrsMV holds multi-valued free-form attributes.
	AttrsMV map[string][]string `json:"attrs_mv,omitempty"`

	// Success reports whether the login attempt succeeded.
	Success bool `json:"success"`

	// PolicyReject reports whether a prior policy evaluation already
	// rejected this attempt before it was reported.
	PolicyReject bool `json:"policy_reject"`

	// TLS reports whether the attempt was made over a TLS-protected
	// transport.
	TLS bool `json:"tls"`
}

// Timestamp returns e.Time as a time.Time, falling back to now if e.Time is
// zero.
func (e *Event) Timestamp() time.Time {
	if e.Time == 0 {
		return time.Now()
	}

	sec := int64(e.Time)
	nsec := int64((e.Time - float64(sec)) * float64(time.Second))

	return time.Unix(sec, nsec)
}

// DeviceParser produces device attributes from an opaque device identifier.
// The actual parsing logic (User-Agent strings, client SDK identifiers, …) is
// an external collaborator; wforced only defines the seam.
type DeviceParser interface {
	// Parse returns the device attributes encoded by id, or ok=false if id is
	// not recognised.
	Parse(id string) (attrs DeviceAttrs, ok bool)
}

// NoopDeviceParser is a [DeviceParser] that never recognises anything.
type NoopDeviceParser struct{}

// Parse implements the [DeviceParser] interface for NoopDeviceParser.
func (NoopDeviceParser) Parse(string) (attrs DeviceAttrs, ok bool) {
	return DeviceAttrs{}, false
}

// FillDeviceAttrs populates e.DeviceAttrs from e.DeviceID using p, unless
// e.DeviceAttrs is already set or e.DeviceID is empty.
func (e *Event) FillDeviceAttrs(p DeviceParser) {
	if e.DeviceAttrs != nil || e.DeviceID == "" || p == nil {
		return
	}

	if attrs, ok := p.Parse(e.DeviceID); ok {
		e.DeviceAttrs = &attrs
	}
}

// CanonicalizeFunc normalises a login identifier, e.g. by appending a default
// domain.  It is supplied by the user policy (C4) and must be safe for
// concurrent use.
type CanonicalizeFunc func(login string) string

// IdentityCanonicalizer is a [CanonicalizeFunc] that returns login unchanged.
func IdentityCanonicalizer(login string) string { return login }

// CanonicalIP returns the canonical textual form of addr: mapped IPv4-in-IPv6
// addresses are flattened to plain IPv4.
func CanonicalIP(addr netip.Addr) string {
	return addr.Unmap().String()
}

// IPLoginKey builds the composite key for the IP+login key space from
// already-canonicalised parts.
func IPLoginKey(ip, login string) string {
	var b strings.Builder
	b.Grow(len(ip) + len(login) + 1)
	b.WriteString(ip)
	b.WriteByte(':')
	b.WriteString(login)

	return b.String()
}
