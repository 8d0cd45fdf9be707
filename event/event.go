/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package event

import "github.com/corbel-im/corbel/xmpp"

// ConnectionTerminated is posted when the underlying transport
// connection is lost or closed.
type ConnectionTerminated struct {
	// Err is the transport error that caused the termination, if any.
	Err error
}

// StartTLSHandshakeCompleted is posted once TLS has been deployed on
// the session transport.
type StartTLSHandshakeCompleted struct{}

// ExceptionCaught is posted when an error escaped every handler of a
// processing chain.
type ExceptionCaught struct {
	Err error
}

// FeatureNegotiated is posted when a stream feature has just been
// negotiated.
type FeatureNegotiated struct {
	Feature xmpp.StreamFeature
}
