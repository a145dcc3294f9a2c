// Package types holds the shared identifiers and value objects that every
// core component keys its state on: endpoint ids, ConnInfo, credentials and
// the node info a wake returns.
package types

import "strings"

// LocalProxySuffix is appended to a normalized endpoint id to address the
// co-located HTTP/2 local-proxy variant of that endpoint.
const LocalProxySuffix = "-local"

// EndpointID is a logical compute target identifier. The zero value is not
// a valid endpoint.
type EndpointID string

// Normalize case-folds the id and strips trailing hyphens, matching the
// control plane's canonical form.
func (e EndpointID) Normalize() EndpointID {
	s := strings.ToLower(string(e))
	s = strings.TrimRight(s, "-")
	return EndpointID(s)
}

// WithLocalProxySuffix returns the normalized id addressing the local-proxy
// variant of this endpoint.
func (e EndpointID) WithLocalProxySuffix() EndpointID {
	return e.Normalize() + LocalProxySuffix
}

// String implements fmt.Stringer.
func (e EndpointID) String() string { return string(e) }

// Host is a DNS name or IP literal identifying a compute node for permit
// scoping (ApiLocks<Host> in the source design).
type Host string
