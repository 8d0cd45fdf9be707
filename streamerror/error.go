/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package streamerror

import (
	"fmt"

	"github.com/corbel-im/corbel/xmpp"
)

const (
	streamNamespace  = "http://etherx.jabber.org/streams"
	streamsNamespace = "urn:ietf:params:xml:ns:xmpp-streams"
)

// Condition represents a defined RFC 6120 stream error condition.
type Condition string

const (
	// BadFormat represents 'bad-format' stream error.
	BadFormat Condition = "bad-format"

	// Conflict represents 'conflict' stream error.
	Conflict Condition = "conflict"

	// ConnectionTimeout represents 'connection-timeout' stream error.
	ConnectionTimeout Condition = "connection-timeout"

	// HostUnknown represents 'host-unknown' stream error.
	HostUnknown Condition = "host-unknown"

	// InvalidFrom represents 'invalid-from' stream error.
	InvalidFrom Condition = "invalid-from"

	// InvalidNamespace represents 'invalid-namespace' stream error.
	InvalidNamespace Condition = "invalid-namespace"

	// InvalidXML represents 'invalid-xml' stream error.
	InvalidXML Condition = "invalid-xml"

	// NotAuthorized represents 'not-authorized' stream error.
	NotAuthorized Condition = "not-authorized"

	// PolicyViolation represents 'policy-violation' stream error.
	PolicyViolation Condition = "policy-violation"

	// ResourceConstraint represents 'resource-constraint' stream error.
	ResourceConstraint Condition = "resource-constraint"

	// SystemShutdown represents 'system-shutdown' stream error.
	SystemShutdown Condition = "system-shutdown"

	// UndefinedCondition represents 'undefined-condition' stream error.
	UndefinedCondition Condition = "undefined-condition"

	// UnsupportedEncoding represents 'unsupported-encoding' stream error.
	UnsupportedEncoding Condition = "unsupported-encoding"

	// UnsupportedFeature represents 'unsupported-feature' stream error.
	UnsupportedFeature Condition = "unsupported-feature"

	// UnsupportedStanzaType represents 'unsupported-stanza-type' stream error.
	UnsupportedStanzaType Condition = "unsupported-stanza-type"

	// UnsupportedVersion represents 'unsupported-version' stream error.
	UnsupportedVersion Condition = "unsupported-version"
)

var conditions = map[Condition]struct{}{
	BadFormat:             {},
	Conflict:              {},
	ConnectionTimeout:     {},
	HostUnknown:           {},
	InvalidFrom:           {},
	InvalidNamespace:      {},
	InvalidXML:            {},
	NotAuthorized:         {},
	PolicyViolation:       {},
	ResourceConstraint:    {},
	SystemShutdown:        {},
	UndefinedCondition:    {},
	UnsupportedEncoding:   {},
	UnsupportedFeature:    {},
	UnsupportedStanzaType: {},
	UnsupportedVersion:    {},
}

// StreamError represents a "stream:error" element.
type StreamError struct {
	condition Condition
	text      string
}

// New returns a stream error value with a given condition.
func New(condition Condition) *StreamError {
	return &StreamError{condition: condition}
}

// NewWithText returns a stream error value with a given
// condition and a descriptive text.
func NewWithText(condition Condition, text string) *StreamError {
	return &StreamError{condition: condition, text: text}
}

// FromElement parses a stream <error/> element. Unknown condition
// names map to 'undefined-condition'.
func FromElement(elem xmpp.XElement) (*StreamError, error) {
	if elem.Name() != "error" && elem.Name() != "stream:error" {
		return nil, fmt.Errorf("streamerror: unexpected element name: %s", elem.Name())
	}
	se := &StreamError{condition: UndefinedCondition}
	for _, child := range elem.Elements().All() {
		if child.Namespace() != streamsNamespace {
			continue
		}
		if child.Name() == "text" {
			se.text = child.Text()
			continue
		}
		if _, ok := conditions[Condition(child.Name())]; ok {
			se.condition = Condition(child.Name())
		}
	}
	return se, nil
}

// Condition returns the stream error defined condition.
func (se *StreamError) Condition() Condition {
	return se.condition
}

// Text returns the stream error descriptive text.
func (se *StreamError) Text() string {
	return se.text
}

// Element returns StreamError equivalent XML element.
func (se *StreamError) Element() *xmpp.Element {
	ret := xmpp.NewElementNamespace("error", streamNamespace)
	ret.AppendElement(xmpp.NewElementNamespace(string(se.condition), streamsNamespace))
	if len(se.text) > 0 {
		txt := xmpp.NewElementNamespace("text", streamsNamespace)
		txt.SetText(se.text)
		ret.AppendElement(txt)
	}
	return ret
}

// Error satisfies error interface.
func (se *StreamError) Error() string {
	if len(se.text) > 0 {
		return string(se.condition) + ": " + se.text
	}
	return string(se.condition)
}
