/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"io"

	"github.com/corbel-im/corbel/xmpp"
)

// Type represents a stream transport type.
type Type int

const (
	// Socket represents a socket transport type.
	Socket Type = iota + 1

	// WebSocket represents a websocket transport type.
	WebSocket

	// Memory represents an in-process transport type.
	Memory
)

// String returns Type string representation.
func (tt Type) String() string {
	switch tt {
	case Socket:
		return "socket"
	case WebSocket:
		return "websocket"
	case Memory:
		return "memory"
	}
	return ""
}

// Delegate receives what the transport produces: every received
// top-level XML element, parsed, and a termination signal on loss.
type Delegate interface {
	// FeedXMLPipeline delivers a received top-level element.
	FeedXMLPipeline(doc xmpp.XElement)

	// TransportClosed signals the connection has been lost or closed.
	TransportClosed(err error)
}

// Transport represents a stream transport mechanism.
type Transport interface {
	io.Closer

	// Type returns transport type value.
	Type() Type

	// Bind attaches the delegate receiving inbound elements and
	// termination signals.
	Bind(d Delegate)

	// WriteElement sends a top-level element to the peer.
	WriteElement(elem xmpp.XElement) error

	// DeployTLS secures the transport. Completion is reported through
	// the session event stream.
	DeployTLS(cfg *tls.Config) error

	// IsSecured returns true once TLS has been deployed.
	IsSecured() bool

	// PeerCertificates returns the certificate chain presented by the
	// remote peer.
	PeerCertificates() []*x509.Certificate
}
