/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp

import (
	"fmt"

	"github.com/corbel-im/corbel/xmpp/jid"
)

const (
	// AvailableType represents an 'available' presence type.
	AvailableType = ""

	// UnavailableType represents an 'unavailable' presence type.
	UnavailableType = "unavailable"

	// SubscribeType represents a 'subscribe' presence type.
	SubscribeType = "subscribe"

	// UnsubscribeType represents an 'unsubscribe' presence type.
	UnsubscribeType = "unsubscribe"

	// SubscribedType represents a 'subscribed' presence type.
	SubscribedType = "subscribed"

	// UnsubscribedType represents an 'unsubscribed' presence type.
	UnsubscribedType = "unsubscribed"

	// ProbeType represents a 'probe' presence type.
	ProbeType = "probe"
)

// Presence type represents a <presence> element.
type Presence struct {
	stanzaElement
}

// NewPresenceFromElement creates a Presence object from XElement.
func NewPresenceFromElement(e XElement, from *jid.JID, to *jid.JID) (*Presence, error) {
	if e.Name() != PresenceName {
		return nil, fmt.Errorf("wrong Presence element name: %s", e.Name())
	}
	presenceType := e.Type()
	if !isPresenceType(presenceType) {
		return nil, fmt.Errorf(`invalid Presence "type" attribute: %s`, presenceType)
	}
	p := &Presence{}
	p.copyFrom(e)
	p.SetFromJID(from)
	p.SetToJID(to)
	p.SetNamespace("")
	return p, nil
}

// IsAvailable returns true if this is an 'available' type Presence.
func (p *Presence) IsAvailable() bool {
	return p.Type() == AvailableType
}

// IsUnavailable returns true if this is an 'unavailable' type Presence.
func (p *Presence) IsUnavailable() bool {
	return p.Type() == UnavailableType
}

// IsProbe returns true if this is a 'probe' type Presence.
func (p *Presence) IsProbe() bool {
	return p.Type() == ProbeType
}

func isPresenceType(presenceType string) bool {
	switch presenceType {
	case AvailableType, UnavailableType, SubscribeType, UnsubscribeType,
		SubscribedType, UnsubscribedType, ProbeType, ErrorType:
		return true
	default:
		return false
	}
}
