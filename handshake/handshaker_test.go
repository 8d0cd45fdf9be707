/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package handshake_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/corbel-im/corbel/event"
	"github.com/corbel-im/corbel/handshake"
	"github.com/corbel-im/corbel/pipeline"
	"github.com/corbel-im/corbel/sasl"
	"github.com/corbel-im/corbel/streamerror"
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

type stubSession struct {
	events *event.Stream
}

func (s *stubSession) DeployTLS() {
	go s.events.Post(event.StartTLSHandshakeCompleted{})
}

func (s *stubSession) Events() *event.Stream {
	return s.events
}

type harness struct {
	t    *testing.T
	pl   *pipeline.Pipeline
	hp   *handshake.HandshakerPipe
	sess *stubSession

	out     chan xmpp.XElement
	inbound chan interface{}
	states  chan handshake.State
}

func newHarness(t *testing.T, resource string) *harness {
	sess := &stubSession{events: event.NewStream()}
	authJID, err := jid.NewWithString("juliet@example.com")
	require.Nil(t, err)

	retriever := func(_, _, key string) (interface{}, error) {
		if key == sasl.KeyPassword {
			return "pencil", nil
		}
		return nil, nil
	}
	hp, err := handshake.New(sess, authJID, nil, retriever, nil, resource, false)
	require.Nil(t, err)

	h := &harness{
		t:       t,
		pl:      pipeline.New(nil, nil),
		hp:      hp,
		sess:    sess,
		out:     make(chan xmpp.XElement, 64),
		inbound: make(chan interface{}, 64),
		states:  make(chan handshake.State, 16),
	}
	h.pl.OutboundStream().Subscribe(func(ev interface{}) {
		h.out <- ev.(xmpp.XElement)
	})
	h.pl.InboundStream().Subscribe(func(ev interface{}) {
		h.inbound <- ev
	})
	hp.StateStream().Subscribe(func(ev interface{}) {
		if st, ok := ev.(handshake.State); ok {
			h.states <- st
		}
	})
	require.Nil(t, <-h.pl.AddAtInboundEnd("handshaker", hp))
	h.pl.Start()
	return h
}

func (h *harness) expectOut() xmpp.XElement {
	select {
	case doc := <-h.out:
		return doc
	case <-time.After(time.Second * 5):
		require.Fail(h.t, "no outbound document")
		return nil
	}
}

func (h *harness) expectState(want handshake.State) {
	for {
		select {
		case st := <-h.states:
			if st == want {
				return
			}
		case <-time.After(time.Second * 5):
			require.Fail(h.t, "state not reached", "want: %v", want)
			return
		}
	}
}

func (h *harness) serverOpening() *xmpp.Element {
	open := xmpp.NewElementNamespace("open", framingNamespace)
	open.SetFrom("example.com")
	open.SetVersion("1.0")
	return open
}

func (h *harness) saslFeatures() *xmpp.Element {
	features := xmpp.NewElementNamespace("features", streamNamespace)
	mechanisms := xmpp.NewElementNamespace("mechanisms", saslNamespace)
	m := xmpp.NewElementName("mechanism")
	m.SetText("SCRAM-SHA-1")
	mechanisms.AppendElement(m)
	features.AppendElement(mechanisms)
	return features
}

func (h *harness) bindFeatures() *xmpp.Element {
	features := xmpp.NewElementNamespace("features", streamNamespace)
	features.AppendElement(xmpp.NewElementNamespace("bind", bindNamespace))
	return features
}

// runSASL answers the client's auth and response messages with a real
// SCRAM server party, returning once <success/> has been read.
func (h *harness) runSASL() {
	srv := sasl.NewScramServer(sasl.NewScramSHA1(), func(_, _, key string) (interface{}, error) {
		if key == sasl.KeyPassword {
			return "pencil", nil
		}
		return nil, nil
	})
	auth := h.expectOut()
	require.Equal(h.t, "auth", auth.Name())
	require.Equal(h.t, saslNamespace, auth.Namespace())
	require.Equal(h.t, "SCRAM-SHA-1", auth.Attributes().Get("mechanism"))

	payload, err := base64.StdEncoding.DecodeString(auth.Text())
	require.Nil(h.t, err)
	srv.AcceptResponse(payload)

	challenge := xmpp.NewElementNamespace("challenge", saslNamespace)
	challenge.SetText(base64.StdEncoding.EncodeToString(srv.Challenge()))
	h.pl.Read(challenge)

	response := h.expectOut()
	require.Equal(h.t, "response", response.Name())
	payload, err = base64.StdEncoding.DecodeString(response.Text())
	require.Nil(h.t, err)
	srv.AcceptResponse(payload)

	final := srv.Challenge()
	require.Nil(h.t, srv.Error())

	success := xmpp.NewElementNamespace("success", saslNamespace)
	success.SetText(base64.StdEncoding.EncodeToString(final))
	h.pl.Read(success)
}

func (h *harness) tlsFeatures() *xmpp.Element {
	features := xmpp.NewElementNamespace("features", streamNamespace)
	features.AppendElement(xmpp.NewElementNamespace("starttls", tlsNamespace))
	return features
}

// runStartTLS answers the client's starttls request with proceed and
// waits for the restarted stream opening.
func (h *harness) runStartTLS() {
	starttls := h.expectOut()
	require.Equal(h.t, "starttls", starttls.Name())
	require.Equal(h.t, tlsNamespace, starttls.Namespace())

	h.pl.Read(xmpp.NewElementNamespace("proceed", tlsNamespace))
	restart := h.expectOut()
	require.Equal(h.t, "open", restart.Name())
}

// negotiateUntilBind drives STARTTLS and SASL negotiation with the
// stream restarts in between, returning the resource binding IQ the
// handshaker sent.
func (h *harness) negotiateUntilBind() xmpp.XElement {
	opening := h.expectOut()
	require.Equal(h.t, "open", opening.Name())
	require.Equal(h.t, "example.com", opening.To())
	require.Equal(h.t, "1.0", opening.Version())

	h.pl.Read(h.serverOpening())
	h.pl.Read(h.tlsFeatures())
	h.runStartTLS()

	h.pl.Read(h.serverOpening())
	h.pl.Read(h.saslFeatures())
	h.runSASL()

	restart := h.expectOut()
	require.Equal(h.t, "open", restart.Name())
	h.pl.Read(h.serverOpening())
	h.pl.Read(h.bindFeatures())

	iq := h.expectOut()
	require.Equal(h.t, xmpp.IQName, iq.Name())
	require.Equal(h.t, xmpp.SetType, iq.Type())
	require.NotEmpty(h.t, iq.ID())
	require.NotNil(h.t, iq.Elements().ChildNamespace("bind", bindNamespace))
	return iq
}

// negotiate drives a full handshake: STARTTLS, SASL, stream restarts
// and resource binding.
func (h *harness) negotiate(boundJID string) {
	iq := h.negotiateUntilBind()

	result := xmpp.NewElementName(xmpp.IQName)
	result.SetID(iq.ID())
	result.SetType(xmpp.ResultType)
	bind := xmpp.NewElementNamespace("bind", bindNamespace)
	jidEl := xmpp.NewElementName("jid")
	jidEl.SetText(boundJID)
	bind.AppendElement(jidEl)
	result.AppendElement(bind)
	h.pl.Read(result)

	h.expectState(handshake.Completed)
}

func TestHandshakeHappyPath(t *testing.T) {
	h := newHarness(t, "balcony")
	defer h.pl.StopNow()

	h.negotiate("juliet@example.com/balcony-server")

	require.Equal(t, handshake.Completed, h.hp.State())
	require.Equal(t, "juliet@example.com/balcony-server", h.hp.JID().String())
	require.Nil(t, h.hp.HandshakeError())
	require.NotNil(t, h.hp.NegotiatedCredentials()[sasl.KeySaltedPassword])
}

func TestHandshakePresetResource(t *testing.T) {
	h := newHarness(t, "balcony")
	defer h.pl.StopNow()

	iq := h.negotiateUntilBind()
	bind := iq.Elements().ChildNamespace("bind", bindNamespace)
	require.NotNil(t, bind)
	require.Equal(t, "balcony", bind.Elements().Child("resource").Text())
}

func TestHandshakeFeatureOrder(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut() // stream opening
	h.pl.Read(h.serverOpening())

	// SASL announced before STARTTLS: STARTTLS still negotiates first
	features := xmpp.NewElementNamespace("features", streamNamespace)
	mechanisms := xmpp.NewElementNamespace("mechanisms", saslNamespace)
	m := xmpp.NewElementName("mechanism")
	m.SetText("SCRAM-SHA-1")
	mechanisms.AppendElement(m)
	features.AppendElement(mechanisms)
	features.AppendElement(xmpp.NewElementNamespace("starttls", tlsNamespace))
	h.pl.Read(features)

	starttls := h.expectOut()
	require.Equal(t, "starttls", starttls.Name())
	require.Equal(t, tlsNamespace, starttls.Namespace())

	// on proceed, the session deploys TLS and the stream restarts
	h.pl.Read(xmpp.NewElementNamespace("proceed", tlsNamespace))
	restart := h.expectOut()
	require.Equal(t, "open", restart.Name())
}

func TestHandshakeInformationalFeature(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	negotiatedCh := make(chan xmpp.StreamFeature, 4)
	h.hp.Events().Subscribe(func(ev interface{}) {
		if fn, ok := ev.(event.FeatureNegotiated); ok {
			negotiatedCh <- fn.Feature
		}
	})
	h.expectOut()
	h.pl.Read(h.serverOpening())

	features := h.saslFeatures()
	features.AppendElement(xmpp.NewElementNamespace("sm", "urn:xmpp:sm:3"))
	h.pl.Read(features)

	select {
	case f := <-negotiatedCh:
		require.Equal(t, xmpp.StreamManagement, f)
	case <-time.After(time.Second * 5):
		require.Fail(t, "informational feature not negotiated")
	}
}

func TestHandshakeUnsupportedFeatures(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	h.pl.Read(h.serverOpening())

	features := xmpp.NewElementNamespace("features", streamNamespace)
	features.AppendElement(xmpp.NewElementNamespace("unknown", "urn:example:unknown"))
	h.pl.Read(features)

	errEl := h.expectOut()
	require.Equal(t, "error", errEl.Name())
	require.Equal(t, streamNamespace, errEl.Namespace())

	closeEl := h.expectOut()
	require.Equal(t, "close", closeEl.Name())

	require.NotNil(t, h.hp.ClientStreamError())
	require.Equal(t, streamerror.UnsupportedFeature, h.hp.ClientStreamError().Condition())
}

func TestHandshakeUnsupportedVersion(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	open := xmpp.NewElementNamespace("open", framingNamespace)
	open.SetFrom("example.com")
	open.SetVersion("0.9")
	h.pl.Read(open)

	errEl := h.expectOut()
	require.Equal(t, "error", errEl.Name())
	require.NotNil(t, h.hp.ClientStreamError())
	require.Equal(t, streamerror.UnsupportedVersion, h.hp.ClientStreamError().Condition())
}

func TestHandshakeInvalidFrom(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	open := xmpp.NewElementNamespace("open", framingNamespace)
	open.SetFrom("mallory.example")
	open.SetVersion("1.0")
	h.pl.Read(open)

	h.expectOut()
	require.Equal(t, streamerror.InvalidFrom, h.hp.ClientStreamError().Condition())
}

func TestHandshakeSASLFailure(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	h.pl.Read(h.serverOpening())
	h.pl.Read(h.saslFeatures())
	h.expectOut() // auth

	failure := xmpp.NewElementNamespace("failure", saslNamespace)
	failure.AppendElement(xmpp.NewElementName("not-authorized"))
	h.pl.Read(failure)

	h.expectState(handshake.StreamClosing)
	err := h.hp.HandshakeError()
	require.NotNil(t, err)
	authErr, ok := err.(*sasl.AuthenticationError)
	require.True(t, ok)
	require.Equal(t, sasl.ClientNotAuthorized, authErr.Condition())
}

func TestHandshakeNoCommonMechanism(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	h.pl.Read(h.serverOpening())

	features := xmpp.NewElementNamespace("features", streamNamespace)
	mechanisms := xmpp.NewElementNamespace("mechanisms", saslNamespace)
	m := xmpp.NewElementName("mechanism")
	m.SetText("PLAIN")
	mechanisms.AppendElement(m)
	features.AppendElement(mechanisms)
	h.pl.Read(features)

	abort := h.expectOut()
	require.Equal(t, "abort", abort.Name())
	errEl := h.expectOut()
	require.Equal(t, "error", errEl.Name())
	require.Equal(t, streamerror.PolicyViolation, h.hp.ClientStreamError().Condition())
}

func TestHandshakeResourceBindingIDMismatch(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.negotiateUntilBind()

	result := xmpp.NewElementName(xmpp.IQName)
	result.SetID("bogus-id")
	result.SetType(xmpp.ResultType)
	h.pl.Read(result)

	h.expectOut() // stream error
	require.Equal(t, streamerror.NotAuthorized, h.hp.ClientStreamError().Condition())
}

func TestHandshakeStanzaForwardingAfterCompletion(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.negotiate("juliet@example.com/orchard")

	iq := xmpp.NewElementName(xmpp.IQName)
	iq.SetID("q1")
	iq.SetType(xmpp.ResultType)
	h.pl.Read(iq)

	select {
	case obj := <-h.inbound:
		doc := obj.(xmpp.XElement)
		require.Equal(t, "q1", doc.ID())
	case <-time.After(time.Second * 5):
		require.Fail(t, "stanza not forwarded after completion")
	}
}

func TestHandshakeGracefulClose(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.negotiate("juliet@example.com/orchard")

	closedCh, err := h.hp.CloseStream()
	require.Nil(t, err)

	closeEl := h.expectOut()
	require.Equal(t, "close", closeEl.Name())
	require.Equal(t, framingNamespace, closeEl.Namespace())

	h.pl.Read(xmpp.NewElementNamespace("close", framingNamespace))
	select {
	case <-closedCh:
		break
	case <-time.After(time.Second * 5):
		require.Fail(t, "close completion not signalled")
	}
	require.Equal(t, handshake.StreamClosed, h.hp.State())

	// closing an already closed stream completes immediately
	closedCh, err = h.hp.CloseStream()
	require.Nil(t, err)
	<-closedCh
}

func TestHandshakeServerInitiatedClose(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.negotiate("juliet@example.com/orchard")

	h.pl.Read(xmpp.NewElementNamespace("close", framingNamespace))
	closeEl := h.expectOut()
	require.Equal(t, "close", closeEl.Name())
	h.expectState(handshake.StreamClosed)
}

func TestHandshakeServerStreamError(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	h.pl.Read(h.serverOpening())

	se := streamerror.New(streamerror.SystemShutdown)
	h.pl.Read(se.Element())

	h.expectState(handshake.StreamClosing)
	require.NotNil(t, h.hp.ServerStreamError())
	require.Equal(t, streamerror.SystemShutdown, h.hp.ServerStreamError().Condition())
}

func TestHandshakeConnectionTerminatedRace(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	h.pl.Read(h.serverOpening())

	h.sess.events.Post(event.ConnectionTerminated{})
	h.expectState(handshake.StreamClosed)
}

func TestHandshakeDispose(t *testing.T) {
	h := newHarness(t, "")
	defer h.pl.StopNow()

	h.expectOut()
	require.Nil(t, <-h.pl.Remove("handshaker"))
	require.Equal(t, handshake.Disposed, h.hp.State())

	_, err := h.hp.CloseStream()
	require.Equal(t, handshake.ErrDisposed, err)
}

func TestHandshakeRegisteringUnsupported(t *testing.T) {
	sess := &stubSession{events: event.NewStream()}
	authJID, _ := jid.NewWithString("juliet@example.com")
	retriever := func(_, _, _ string) (interface{}, error) { return nil, nil }

	_, err := handshake.New(sess, authJID, nil, retriever, nil, "", true)
	require.Equal(t, handshake.ErrRegistrationUnsupported, err)
}
