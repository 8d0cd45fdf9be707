/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package session_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/corbel-im/corbel/event"
	"github.com/corbel-im/corbel/sasl"
	"github.com/corbel-im/corbel/session"
	"github.com/corbel-im/corbel/transport"
	"github.com/corbel-im/corbel/xmpp"
	"github.com/corbel-im/corbel/xmpp/jid"
	"github.com/stretchr/testify/require"
)

const (
	framingNamespace = "urn:ietf:params:xml:ns:xmpp-framing"
	streamNamespace  = "http://etherx.jabber.org/streams"
	tlsNamespace     = "urn:ietf:params:xml:ns:xmpp-tls"
	saslNamespace    = "urn:ietf:params:xml:ns:xmpp-sasl"
	bindNamespace    = "urn:ietf:params:xml:ns:xmpp-bind"
)

// serverStub negotiates a single stream over an in-process transport
// pair and echoes every received message back.
type serverStub struct {
	tr       transport.Transport
	domain   string
	password string

	srv     *sasl.ScramServer
	tlsDone bool
	authed  bool
	bound   string
}

func newServerStub(tr transport.Transport, domain, password string) *serverStub {
	return &serverStub{tr: tr, domain: domain, password: password}
}

func (s *serverStub) FeedXMLPipeline(doc xmpp.XElement) {
	switch {
	case doc.Name() == "open" && doc.Namespace() == framingNamespace:
		open := xmpp.NewElementNamespace("open", framingNamespace)
		open.SetFrom(s.domain)
		open.SetVersion("1.0")
		s.tr.WriteElement(open)
		s.sendFeatures()

	case doc.Name() == "close" && doc.Namespace() == framingNamespace:
		s.tr.WriteElement(xmpp.NewElementNamespace("close", framingNamespace))

	case doc.Namespace() == tlsNamespace:
		s.tlsDone = true
		s.tr.WriteElement(xmpp.NewElementNamespace("proceed", tlsNamespace))

	case doc.Namespace() == saslNamespace:
		s.handleSASL(doc)

	case doc.Name() == xmpp.IQName && doc.Type() == xmpp.SetType:
		s.handleBind(doc)

	case doc.Name() == xmpp.MessageName:
		echo := xmpp.NewElementFromElement(doc)
		echo.SetFrom(doc.To())
		echo.SetTo(s.bound)
		s.tr.WriteElement(echo)
	}
}

func (s *serverStub) TransportClosed(_ error) {}

func (s *serverStub) sendFeatures() {
	features := xmpp.NewElementNamespace("features", streamNamespace)
	switch {
	case !s.tlsDone:
		features.AppendElement(xmpp.NewElementNamespace("starttls", tlsNamespace))
	case !s.authed:
		mechanisms := xmpp.NewElementNamespace("mechanisms", saslNamespace)
		m := xmpp.NewElementName("mechanism")
		m.SetText("SCRAM-SHA-1")
		mechanisms.AppendElement(m)
		features.AppendElement(mechanisms)
	default:
		features.AppendElement(xmpp.NewElementNamespace("bind", bindNamespace))
	}
	s.tr.WriteElement(features)
}

func (s *serverStub) handleSASL(doc xmpp.XElement) {
	retriever := func(_, _, key string) (interface{}, error) {
		if key == sasl.KeyPassword {
			return s.password, nil
		}
		return nil, nil
	}
	switch doc.Name() {
	case "auth":
		s.srv = sasl.NewScramServer(sasl.NewScramSHA1(), retriever)
		payload, _ := base64.StdEncoding.DecodeString(doc.Text())
		s.srv.AcceptResponse(payload)
		challenge := xmpp.NewElementNamespace("challenge", saslNamespace)
		challenge.SetText(base64.StdEncoding.EncodeToString(s.srv.Challenge()))
		s.tr.WriteElement(challenge)

	case "response":
		payload, _ := base64.StdEncoding.DecodeString(doc.Text())
		s.srv.AcceptResponse(payload)
		final := s.srv.Challenge()
		if s.srv.Error() != nil {
			failure := xmpp.NewElementNamespace("failure", saslNamespace)
			failure.AppendElement(xmpp.NewElementName("not-authorized"))
			s.tr.WriteElement(failure)
			return
		}
		s.authed = true
		success := xmpp.NewElementNamespace("success", saslNamespace)
		success.SetText(base64.StdEncoding.EncodeToString(final))
		s.tr.WriteElement(success)
	}
}

func (s *serverStub) handleBind(doc xmpp.XElement) {
	bind := doc.Elements().ChildNamespace("bind", bindNamespace)
	if bind == nil {
		return
	}
	resource := "generated"
	if resEl := bind.Elements().Child("resource"); resEl != nil {
		resource = resEl.Text()
	}
	s.bound = s.srv.AuthorizationID() + "@" + s.domain + "/" + resource + "-srv"

	result := xmpp.NewElementName(xmpp.IQName)
	result.SetID(doc.ID())
	result.SetType(xmpp.ResultType)
	resultBind := xmpp.NewElementNamespace("bind", bindNamespace)
	jidEl := xmpp.NewElementName("jid")
	jidEl.SetText(s.bound)
	resultBind.AppendElement(jidEl)
	result.AppendElement(resultBind)
	s.tr.WriteElement(result)
}

func testConfig(t *testing.T) *session.Config {
	sessionJID, err := jid.NewWithString("juliet@example.com")
	require.Nil(t, err)
	return &session.Config{
		JID:      sessionJID,
		Resource: "balcony",
	}
}

func newSessionPair(t *testing.T, password string) (*session.Session, *serverStub) {
	clientTr, serverTr := transport.NewMemPair()
	stub := newServerStub(serverTr, "example.com", password)
	serverTr.Bind(stub)
	return session.New(testConfig(t), clientTr), stub
}

func TestSessionLogin(t *testing.T) {
	s, _ := newSessionPair(t, "pencil")
	require.Equal(t, session.Disconnected, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	require.Nil(t, s.Login(ctx, "pencil"))
	require.Equal(t, session.Online, s.State())
	require.Equal(t, "juliet@example.com/balcony-srv", s.JID().String())
	require.NotNil(t, s.NegotiatedCredentials()[sasl.KeySaltedPassword])

	// a second login on a live session must be rejected
	require.Equal(t, session.ErrNotDisconnected, s.Login(ctx, "pencil"))

	s.Dispose(ctx)
}

func TestSessionLoginBadPassword(t *testing.T) {
	s, _ := newSessionPair(t, "pencil")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	err := s.Login(ctx, "sword")
	require.NotNil(t, err)
	require.Equal(t, session.Disconnected, s.State())
	s.Dispose(ctx)
}

func TestSessionEcho(t *testing.T) {
	s, _ := newSessionPair(t, "pencil")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	require.Nil(t, s.Login(ctx, "pencil"))

	echoCh := make(chan xmpp.Stanza, 1)
	s.InboundStanzaStream().Subscribe(func(ev interface{}) {
		if st, ok := ev.(xmpp.Stanza); ok && st.Name() == xmpp.MessageName {
			echoCh <- st
		}
	})

	to, _ := jid.NewWithString("example.com")
	msg := xmpp.NewElementName(xmpp.MessageName)
	msg.SetID("m1")
	msg.SetType(xmpp.ChatType)
	body := xmpp.NewElementName("body")
	body.SetText("wherefore art thou")
	msg.AppendElement(body)
	stanza, err := xmpp.NewMessageFromElement(msg, s.JID(), to)
	require.Nil(t, err)

	require.Nil(t, s.Send(stanza))

	select {
	case echoed := <-echoCh:
		require.Equal(t, "wherefore art thou", echoed.Elements().Child("body").Text())
		require.Equal(t, "m1", echoed.ID())
	case <-time.After(time.Second * 10):
		require.Fail(t, "echo not received")
	}
	s.Dispose(ctx)
}

func TestSessionDisconnect(t *testing.T) {
	s, _ := newSessionPair(t, "pencil")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	require.Nil(t, s.Login(ctx, "pencil"))

	terminated := make(chan struct{}, 1)
	s.Events().Subscribe(func(ev interface{}) {
		if _, ok := ev.(event.ConnectionTerminated); ok {
			terminated <- struct{}{}
		}
	})

	require.Nil(t, s.Disconnect(ctx))
	require.Equal(t, session.Disconnected, s.State())

	select {
	case <-terminated:
		break
	case <-time.After(time.Second * 5):
		require.Fail(t, "connection termination event not posted")
	}

	// disconnecting twice is harmless
	require.Nil(t, s.Disconnect(ctx))
	s.Dispose(ctx)
	require.Equal(t, session.Disposed, s.State())

	// a disposed session rejects any further operation
	require.Equal(t, session.ErrDisposed, s.Login(ctx, "pencil"))
	require.NotNil(t, s.Send(nil))
}

func TestSessionLoginCancellation(t *testing.T) {
	// a server that never answers keeps the handshake pending
	clientTr, _ := transport.NewMemPair()
	s := session.New(testConfig(t), clientTr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 100)
		cancel()
	}()
	err := s.Login(ctx, "pencil")
	require.Equal(t, context.Canceled, err)
	require.Equal(t, session.Disconnected, s.State())
}
