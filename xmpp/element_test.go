/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp_test

import (
	"strings"
	"testing"

	"github.com/corbel-im/corbel/xmpp"
	"github.com/stretchr/testify/require"
)

func TestElementAttributes(t *testing.T) {
	e := xmpp.NewElementNamespace("message", "jabber:client")
	e.SetID("m1")
	e.SetFrom("juliet@example.com")
	e.SetTo("romeo@example.com")
	e.SetType("chat")
	require.Equal(t, "message", e.Name())
	require.Equal(t, "jabber:client", e.Namespace())
	require.Equal(t, "m1", e.ID())
	require.Equal(t, "juliet@example.com", e.From())
	require.Equal(t, "romeo@example.com", e.To())
	require.Equal(t, "chat", e.Type())
	require.True(t, e.IsStanza())
}

func TestElementToXML(t *testing.T) {
	e := xmpp.NewElementNamespace("message", "jabber:client")
	e.SetID("m1")
	body := xmpp.NewElementName("body")
	body.SetText("I <3 thee")
	e.AppendElement(body)

	xml := e.String()
	require.True(t, strings.HasPrefix(xml, `<message xmlns="jabber:client" id="m1">`))
	require.True(t, strings.Contains(xml, "<body>I &lt;3 thee</body>"))
	require.True(t, strings.HasSuffix(xml, "</message>"))

	empty := xmpp.NewElementName("presence")
	require.Equal(t, "<presence/>", empty.String())
}

func TestElementCopy(t *testing.T) {
	e := xmpp.NewElementNamespace("iq", "jabber:client")
	e.SetID("q1")
	e.AppendElement(xmpp.NewElementName("query"))

	cp := xmpp.NewElementFromElement(e)
	require.Equal(t, e.String(), cp.String())

	cp.SetID("q2")
	require.Equal(t, "q1", e.ID())
}

func TestParseElement(t *testing.T) {
	raw := `<features xmlns="http://etherx.jabber.org/streams">` +
		`<mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>SCRAM-SHA-1</mechanism></mechanisms>` +
		`</features>`
	p := xmpp.NewParser(strings.NewReader(raw), xmpp.DefaultMode, 0)
	elem, err := p.ParseElement()
	require.Nil(t, err)
	require.NotNil(t, elem)
	require.Equal(t, "features", elem.Name())
	require.Equal(t, "http://etherx.jabber.org/streams", elem.Namespace())

	mechanisms := elem.Elements().ChildNamespace("mechanisms", "urn:ietf:params:xml:ns:xmpp-sasl")
	require.NotNil(t, mechanisms)
	require.Equal(t, "SCRAM-SHA-1", mechanisms.Elements().Child("mechanism").Text())
}

func TestParseElementRoundTrip(t *testing.T) {
	e := xmpp.NewElementNamespace("open", "urn:ietf:params:xml:ns:xmpp-framing")
	e.SetTo("example.com")
	e.SetVersion("1.0")

	p := xmpp.NewParser(strings.NewReader(e.String()), xmpp.DefaultMode, 0)
	parsed, err := p.ParseElement()
	require.Nil(t, err)
	require.Equal(t, e.String(), parsed.String())
}

func TestParserTooLargeStanza(t *testing.T) {
	raw := `<message><body>` + strings.Repeat("a", 4096) + `</body></message>`
	p := xmpp.NewParser(strings.NewReader(raw), xmpp.DefaultMode, 64)
	_, err := p.ParseElement()
	require.Equal(t, xmpp.ErrTooLargeStanza, err)
}
