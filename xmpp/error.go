/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp

import (
	"fmt"
	"strconv"
)

const stanzasNamespace = "urn:ietf:params:xml:ns:xmpp-stanzas"

// StanzaError represents a stanza "error" element.
type StanzaError struct {
	code      int
	errorType string
	reason    string
	text      string
}

func newStanzaError(code int, errorType string, reason string) *StanzaError {
	return &StanzaError{
		code:      code,
		errorType: errorType,
		reason:    reason,
	}
}

// Error satisfies error interface.
func (se *StanzaError) Error() string {
	if len(se.text) > 0 {
		return se.reason + ": " + se.text
	}
	return se.reason
}

// Element returns StanzaError equivalent XML element.
func (se *StanzaError) Element() *Element {
	err := &Element{}
	err.SetName("error")
	err.SetAttribute("code", strconv.Itoa(se.code))
	err.SetAttribute("type", se.errorType)
	err.AppendElement(NewElementNamespace(se.reason, stanzasNamespace))
	if len(se.text) > 0 {
		txt := NewElementNamespace("text", stanzasNamespace)
		txt.SetText(se.text)
		err.AppendElement(txt)
	}
	return err
}

// NewStanzaErrorFromElement parses a stanza <error/> sub element.
func NewStanzaErrorFromElement(errEl XElement) (*StanzaError, error) {
	if errEl == nil || errEl.Name() != "error" {
		return nil, fmt.Errorf("xmpp: not a stanza error element")
	}
	se := &StanzaError{errorType: errEl.Type()}
	if code := errEl.Attributes().Get("code"); len(code) > 0 {
		se.code, _ = strconv.Atoi(code)
	}
	for _, child := range errEl.Elements().All() {
		if child.Namespace() != stanzasNamespace {
			continue
		}
		if child.Name() == "text" {
			se.text = child.Text()
			continue
		}
		se.reason = child.Name()
	}
	if len(se.reason) == 0 {
		se.reason = undefinedConditionErrorReason
	}
	return se, nil
}

const (
	authErrorType   = "auth"
	cancelErrorType = "cancel"
	modifyErrorType = "modify"
	waitErrorType   = "wait"
)

const (
	badRequestErrorReason            = "bad-request"
	conflictErrorReason              = "conflict"
	featureNotImplementedErrorReason = "feature-not-implemented"
	forbiddenErrorReason             = "forbidden"
	goneErrorReason                  = "gone"
	internalServerErrorErrorReason   = "internal-server-error"
	itemNotFoundErrorReason          = "item-not-found"
	jidMalformedErrorReason          = "jid-malformed"
	notAcceptableErrorReason         = "not-acceptable"
	notAllowedErrorReason            = "not-allowed"
	notAuthorizedErrorReason         = "not-authorized"
	resourceConstraintErrorReason    = "resource-constraint"
	serviceUnavailableErrorReason    = "service-unavailable"
	undefinedConditionErrorReason    = "undefined-condition"
)

var (
	// ErrBadRequest is returned by the stream when the sender
	// has sent XML that is malformed or that cannot be processed.
	ErrBadRequest = newStanzaError(400, modifyErrorType, badRequestErrorReason)

	// ErrConflict is returned by the stream when access cannot be
	// granted because an existing resource or session exists with
	// the same name or address.
	ErrConflict = newStanzaError(409, cancelErrorType, conflictErrorReason)

	// ErrFeatureNotImplemented is returned by the stream when the feature
	// requested is not implemented by the server and therefore cannot be processed.
	ErrFeatureNotImplemented = newStanzaError(501, cancelErrorType, featureNotImplementedErrorReason)

	// ErrForbidden is returned by the stream when the requesting
	// entity does not possess the required permissions to perform the action.
	ErrForbidden = newStanzaError(403, authErrorType, forbiddenErrorReason)

	// ErrGone is returned by the stream when the recipient or server
	// can no longer be contacted at this address.
	ErrGone = newStanzaError(302, modifyErrorType, goneErrorReason)

	// ErrInternalServerError is returned by the stream when the server
	// could not process the stanza because of a misconfiguration
	// or an otherwise-undefined internal server error.
	ErrInternalServerError = newStanzaError(500, waitErrorType, internalServerErrorErrorReason)

	// ErrItemNotFound is returned by the stream when the addressed
	// JID or item requested cannot be found.
	ErrItemNotFound = newStanzaError(404, cancelErrorType, itemNotFoundErrorReason)

	// ErrJidMalformed is returned by the stream when the sending entity
	// has provided or communicated an XMPP address that does not adhere
	// to the address syntax.
	ErrJidMalformed = newStanzaError(400, modifyErrorType, jidMalformedErrorReason)

	// ErrNotAcceptable is returned by the stream when the server
	// understands the request but is refusing to process it because
	// it does not meet the defined criteria.
	ErrNotAcceptable = newStanzaError(406, modifyErrorType, notAcceptableErrorReason)

	// ErrNotAllowed is returned by the stream when the recipient
	// or server does not allow any entity to perform the action.
	ErrNotAllowed = newStanzaError(405, cancelErrorType, notAllowedErrorReason)

	// ErrNotAuthorized is returned by the stream when the sender
	// must provide proper credentials before being allowed to perform the action.
	ErrNotAuthorized = newStanzaError(401, authErrorType, notAuthorizedErrorReason)

	// ErrResourceConstraint is returned by the stream when the server
	// lacks the system resources necessary to service the request.
	ErrResourceConstraint = newStanzaError(500, waitErrorType, resourceConstraintErrorReason)

	// ErrServiceUnavailable is returned by the stream when the server
	// or recipient does not currently provide the requested service.
	ErrServiceUnavailable = newStanzaError(503, cancelErrorType, serviceUnavailableErrorReason)

	// ErrUndefinedCondition is returned by the stream when the error
	// condition is not one of those defined by the other conditions.
	ErrUndefinedCondition = newStanzaError(500, waitErrorType, undefinedConditionErrorReason)
)

// BadRequestError returns an error copy of the element
// attaching 'bad-request' error sub element.
func (e *Element) BadRequestError() *Element {
	return e.ToError(ErrBadRequest)
}

// NotAuthorizedError returns an error copy of the element
// attaching 'not-authorized' error sub element.
func (e *Element) NotAuthorizedError() *Element {
	return e.ToError(ErrNotAuthorized)
}

// ToError returns an error copy of the element
// attaching the given error sub element.
func (e *Element) ToError(stanzaErr *StanzaError) *Element {
	errEl := NewElementFromElement(e)
	errEl.SetType(ErrorType)
	errEl.AppendElement(stanzaErr.Element())
	return errEl
}
