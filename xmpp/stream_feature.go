/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp

// StreamFeature represents a negotiable XMPP stream feature.
type StreamFeature int

const (
	// StartTLS represents the STARTTLS stream feature.
	StartTLS StreamFeature = iota

	// SASL represents the SASL authentication stream feature.
	SASL

	// ResourceBinding represents the resource binding stream feature.
	ResourceBinding

	// StreamManagement represents the stream management advertisement.
	StreamManagement

	// RosterVersioning represents the roster versioning advertisement.
	RosterVersioning
)

// Namespace returns the namespace URI under which the feature is advertised.
func (f StreamFeature) Namespace() string {
	switch f {
	case StartTLS:
		return "urn:ietf:params:xml:ns:xmpp-tls"
	case SASL:
		return "urn:ietf:params:xml:ns:xmpp-sasl"
	case ResourceBinding:
		return "urn:ietf:params:xml:ns:xmpp-bind"
	case StreamManagement:
		return "urn:xmpp:sm:3"
	case RosterVersioning:
		return "urn:xmpp:features:rosterver"
	}
	return ""
}

// Name returns the local name of the feature advertisement element.
func (f StreamFeature) Name() string {
	switch f {
	case StartTLS:
		return "starttls"
	case SASL:
		return "mechanisms"
	case ResourceBinding:
		return "bind"
	case StreamManagement:
		return "sm"
	case RosterVersioning:
		return "ver"
	}
	return ""
}

// IsMandatory returns true if the feature must be negotiated
// before the stream negotiation can complete.
func (f StreamFeature) IsMandatory() bool {
	switch f {
	case StartTLS, SASL, ResourceBinding:
		return true
	}
	return false
}

// IsInformational returns true if the feature advertisement carries
// no negotiation of its own.
func (f StreamFeature) IsInformational() bool {
	switch f {
	case StreamManagement, RosterVersioning:
		return true
	}
	return false
}

// String returns the feature local name.
func (f StreamFeature) String() string {
	return f.Name()
}

// InformationalFeatures holds every informational stream feature.
var InformationalFeatures = []StreamFeature{StreamManagement, RosterVersioning}
