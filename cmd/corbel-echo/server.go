/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package main

import (
	"encoding/base64"
	"fmt"

	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/sasl"
	"github.com/corbel-im/corbel/transport"
	"github.com/corbel-im/corbel/xmpp"
	"github.com/google/uuid"
)

const (
	framingNamespace = "urn:ietf:params:xml:ns:xmpp-framing"
	streamNamespace  = "http://etherx.jabber.org/streams"
	tlsNamespace     = "urn:ietf:params:xml:ns:xmpp-tls"
	saslNamespace    = "urn:ietf:params:xml:ns:xmpp-sasl"
	bindNamespace    = "urn:ietf:params:xml:ns:xmpp-bind"
)

// echoServer is a minimal in-process XMPP server: it authenticates a
// single stream with SCRAM, binds a resource and echoes every message
// back to the sender.
type echoServer struct {
	tr        transport.Transport
	domain    string
	passwords map[string]string

	srv      *sasl.ScramServer
	tlsDone  bool
	authed   bool
	boundJID string
}

func newEchoServer(tr transport.Transport, domain string, passwords map[string]string) *echoServer {
	return &echoServer{
		tr:        tr,
		domain:    domain,
		passwords: passwords,
	}
}

// FeedXMLPipeline handles a received top-level element.
func (e *echoServer) FeedXMLPipeline(doc xmpp.XElement) {
	switch {
	case doc.Name() == "open" && doc.Namespace() == framingNamespace:
		e.sendStreamOpening()
		e.sendFeatures()

	case doc.Name() == "close" && doc.Namespace() == framingNamespace:
		e.send(xmpp.NewElementNamespace("close", framingNamespace))

	case doc.Namespace() == tlsNamespace:
		e.tlsDone = true
		e.send(xmpp.NewElementNamespace("proceed", tlsNamespace))

	case doc.Namespace() == saslNamespace:
		e.handleSASL(doc)

	case doc.Name() == xmpp.IQName:
		e.handleIQ(doc)

	case doc.Name() == xmpp.MessageName:
		e.echoMessage(doc)
	}
}

// TransportClosed handles a connection loss.
func (e *echoServer) TransportClosed(err error) {
	if err != nil {
		log.Warnf("echo server: transport closed: %v", err)
	}
}

func (e *echoServer) sendStreamOpening() {
	open := xmpp.NewElementNamespace("open", framingNamespace)
	open.SetFrom(e.domain)
	open.SetVersion("1.0")
	e.send(open)
}

func (e *echoServer) sendFeatures() {
	features := xmpp.NewElementNamespace("features", streamNamespace)
	switch {
	case !e.tlsDone:
		features.AppendElement(xmpp.NewElementNamespace("starttls", tlsNamespace))
	case !e.authed:
		mechanisms := xmpp.NewElementNamespace("mechanisms", saslNamespace)
		m := xmpp.NewElementName("mechanism")
		m.SetText("SCRAM-SHA-1")
		mechanisms.AppendElement(m)
		features.AppendElement(mechanisms)
	default:
		features.AppendElement(xmpp.NewElementNamespace("bind", bindNamespace))
	}
	e.send(features)
}

func (e *echoServer) handleSASL(doc xmpp.XElement) {
	switch doc.Name() {
	case "auth":
		e.srv = sasl.NewScramServer(sasl.NewScramSHA1(), e.retrieveCredential)
		payload, err := base64.StdEncoding.DecodeString(doc.Text())
		if err != nil {
			e.sendSASLFailure("incorrect-encoding")
			return
		}
		e.srv.AcceptResponse(payload)
		if e.srv.IsCompleted() {
			e.sendSASLFailure("malformed-request")
			return
		}
		challenge := xmpp.NewElementNamespace("challenge", saslNamespace)
		challenge.SetText(base64.StdEncoding.EncodeToString(e.srv.Challenge()))
		e.send(challenge)

	case "response":
		payload, err := base64.StdEncoding.DecodeString(doc.Text())
		if err != nil {
			e.sendSASLFailure("incorrect-encoding")
			return
		}
		e.srv.AcceptResponse(payload)
		final := e.srv.Challenge()
		if e.srv.Error() != nil {
			e.sendSASLFailure("not-authorized")
			return
		}
		e.authed = true
		success := xmpp.NewElementNamespace("success", saslNamespace)
		success.SetText(base64.StdEncoding.EncodeToString(final))
		e.send(success)

	case "abort":
		e.sendSASLFailure("aborted")
	}
}

func (e *echoServer) handleIQ(doc xmpp.XElement) {
	bind := doc.Elements().ChildNamespace("bind", bindNamespace)
	if bind == nil || doc.Type() != xmpp.SetType {
		return
	}
	resource := uuid.New().String()
	if resEl := bind.Elements().Child("resource"); resEl != nil {
		resource = resEl.Text()
	}
	e.boundJID = fmt.Sprintf("%s@%s/%s", e.srv.AuthorizationID(), e.domain, resource)

	result := xmpp.NewElementName(xmpp.IQName)
	result.SetID(doc.ID())
	result.SetType(xmpp.ResultType)
	resultBind := xmpp.NewElementNamespace("bind", bindNamespace)
	jidEl := xmpp.NewElementName("jid")
	jidEl.SetText(e.boundJID)
	resultBind.AppendElement(jidEl)
	result.AppendElement(resultBind)
	e.send(result)
}

func (e *echoServer) echoMessage(doc xmpp.XElement) {
	echo := xmpp.NewElementFromElement(doc)
	echo.SetFrom(doc.To())
	echo.SetTo(e.boundJID)
	e.send(echo)
}

func (e *echoServer) retrieveCredential(authnID, _, key string) (interface{}, error) {
	if key != sasl.KeyPassword {
		return nil, nil
	}
	password, ok := e.passwords[authnID]
	if !ok {
		return nil, nil
	}
	return password, nil
}

func (e *echoServer) sendSASLFailure(reason string) {
	failure := xmpp.NewElementNamespace("failure", saslNamespace)
	failure.AppendElement(xmpp.NewElementName(reason))
	e.send(failure)
}

func (e *echoServer) send(elem xmpp.XElement) {
	if err := e.tr.WriteElement(elem); err != nil {
		log.Warnf("echo server: write failed: %v", err)
	}
}
