/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package streamerror_test

import (
	"testing"

	"github.com/corbel-im/corbel/streamerror"
	"github.com/stretchr/testify/require"
)

func TestStreamErrorElement(t *testing.T) {
	se := streamerror.NewWithText(streamerror.PolicyViolation, "no supported SASL mechanisms")
	el := se.Element()
	require.Equal(t, "error", el.Name())
	require.Equal(t, "http://etherx.jabber.org/streams", el.Namespace())
	require.NotNil(t, el.Elements().ChildNamespace("policy-violation", "urn:ietf:params:xml:ns:xmpp-streams"))
	require.Equal(t, "no supported SASL mechanisms", el.Elements().Child("text").Text())
}

func TestStreamErrorRoundTrip(t *testing.T) {
	se := streamerror.NewWithText(streamerror.UnsupportedVersion, "0.9")
	parsed, err := streamerror.FromElement(se.Element())
	require.Nil(t, err)
	require.Equal(t, streamerror.UnsupportedVersion, parsed.Condition())
	require.Equal(t, "0.9", parsed.Text())
	require.Equal(t, "unsupported-version: 0.9", parsed.Error())
}

func TestStreamErrorUnknownCondition(t *testing.T) {
	se := streamerror.New(streamerror.Conflict)
	el := se.Element()
	el.ClearElements()
	parsed, err := streamerror.FromElement(el)
	require.Nil(t, err)
	require.Equal(t, streamerror.UndefinedCondition, parsed.Condition())
}
