/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package handshake

import (
	"encoding/base64"
	"sync"

	"github.com/corbel-im/corbel/event"
	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/pipeline"
	"github.com/corbel-im/corbel/sasl"
	"github.com/corbel-im/corbel/streamerror"
	"github.com/corbel-im/corbel/version"
	"github.com/corbel-im/corbel/xmpp"
	"github.com/corbel-im/corbel/xmpp/jid"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	framingNamespace = "urn:ietf:params:xml:ns:xmpp-framing"
	streamNamespace  = "http://etherx.jabber.org/streams"
	tlsNamespace     = "urn:ietf:params:xml:ns:xmpp-tls"
	saslNamespace    = "urn:ietf:params:xml:ns:xmpp-sasl"
	bindNamespace    = "urn:ietf:params:xml:ns:xmpp-bind"
)

var supportedVersion = version.NewVersion(1, 0, 0)

// featuresOrder fixes the order in which negotiable features are
// attempted when several are announced at once.
var featuresOrder = []xmpp.StreamFeature{xmpp.StartTLS, xmpp.SASL, xmpp.ResourceBinding}

// State represents the handshaker stream state.
type State int

const (
	// Initialized indicates no stream opening has been sent yet.
	Initialized State = iota

	// Started indicates a stream opening has been sent and a stream
	// opening from the server is awaited.
	Started

	// Negotiating indicates stream features are being negotiated.
	Negotiating

	// Completed indicates the handshake is completed.
	Completed

	// StreamClosing indicates a stream closing has been issued and a
	// closing confirmation from the server is awaited.
	StreamClosing

	// StreamClosed indicates there is no XMPP stream running.
	StreamClosed

	// Disposed indicates the handshaker has been removed from its
	// pipeline. This is a terminal state.
	Disposed
)

// String returns State string representation.
func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Started:
		return "started"
	case Negotiating:
		return "negotiating"
	case Completed:
		return "completed"
	case StreamClosing:
		return "stream_closing"
	case StreamClosed:
		return "stream_closed"
	case Disposed:
		return "disposed"
	}
	return ""
}

// ErrDisposed is returned when operating on a disposed handshaker.
var ErrDisposed = errors.New("handshake: pipe disposed")

// ErrRegistrationUnsupported is returned when constructing a
// handshaker with in-band registration requested.
var ErrRegistrationUnsupported = errors.New("handshake: in-band registration not supported")

// Session is the minimal surface the handshaker needs from its owning
// session. Holding the session through this interface keeps the
// session → pipeline → handshaker reference chain acyclic.
type Session interface {
	// DeployTLS asks the session to secure the transport. Completion
	// is reported through the session event stream.
	DeployTLS()

	// Events returns the session event stream.
	Events() *event.Stream
}

// HandshakerPipe negotiates an XMPP stream inside a pipeline: stream
// opening, feature negotiation (STARTTLS, SASL, resource binding) and
// stream closure. A used instance cannot be re-added to a pipeline.
type HandshakerPipe struct {
	session        Session
	authJID        *jid.JID
	authzID        *jid.JID
	retriever      sasl.CredentialRetriever
	saslPreferred  []string
	presetResource string

	mu            sync.Mutex
	state         State
	negotiated    map[xmpp.StreamFeature]bool
	negotiating   xmpp.StreamFeature
	isNegotiating bool
	saslClient    sasl.Client
	bindIQID      string
	negotiatedJID *jid.JID

	serverStreamError *streamerror.StreamError
	clientStreamError *streamerror.StreamError
	handshakeErr      error

	stateStream *event.Stream
	events      *event.Stream

	pl           *pipeline.Pipeline
	plStartedSub *event.Subscription
	sessionSub   *event.Subscription
	closeWaiters []chan struct{}
}

// New returns a handshaker pipe negotiating on behalf of authJID.
// The preferred SASL mechanism list defaults to SCRAM-SHA-1. The
// preset resource, when non-empty, is suggested to the server during
// resource binding.
func New(session Session, authJID *jid.JID, authzID *jid.JID, retriever sasl.CredentialRetriever,
	saslMechanisms []string, resource string, registering bool) (*HandshakerPipe, error) {
	if registering {
		return nil, ErrRegistrationUnsupported
	}
	if authJID == nil || authJID.IsEmpty() {
		return nil, errors.New("handshake: authentication JID is required")
	}
	if retriever == nil {
		return nil, errors.New("handshake: credential retriever is required")
	}
	if len(saslMechanisms) == 0 {
		saslMechanisms = []string{"SCRAM-SHA-1"}
	}
	hp := &HandshakerPipe{
		session:        session,
		authJID:        authJID,
		authzID:        authzID,
		retriever:      retriever,
		saslPreferred:  saslMechanisms,
		presetResource: resource,
		negotiated:     map[xmpp.StreamFeature]bool{},
		stateStream:    event.NewStream(),
		events:         event.NewStream(),
	}
	hp.sessionSub = session.Events().Subscribe(hp.handleSessionEvent)
	return hp, nil
}

// State returns current handshaker state.
func (hp *HandshakerPipe) State() State {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.state
}

// StateStream returns the stream of handshaker state transitions.
func (hp *HandshakerPipe) StateStream() *event.Stream {
	return hp.stateStream
}

// Events returns the stream posting event.FeatureNegotiated values.
func (hp *HandshakerPipe) Events() *event.Stream {
	return hp.events
}

// JID returns the full JID negotiated during resource binding, or nil
// if the negotiation has not completed yet.
func (hp *HandshakerPipe) JID() *jid.JID {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.negotiatedJID
}

// StreamFeatures returns the set of negotiated features.
func (hp *HandshakerPipe) StreamFeatures() []xmpp.StreamFeature {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	var fs []xmpp.StreamFeature
	for f := range hp.negotiated {
		fs = append(fs, f)
	}
	return fs
}

// NegotiatedCredentials exposes the SASL negotiated properties (salt,
// salted password, iteration count) once authentication succeeded,
// letting the owner cache credentials without the plain text password.
func (hp *HandshakerPipe) NegotiatedCredentials() map[string]interface{} {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.saslClient == nil || !hp.saslClient.IsCompleted() || hp.saslClient.Error() != nil {
		return nil
	}
	return hp.saslClient.NegotiatedProperties()
}

// HandshakeError returns the error occurred during the handshake, or
// nil if it succeeded or has not completed yet.
func (hp *HandshakerPipe) HandshakeError() error {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.handshakeErr
}

// ServerStreamError returns the stream error sent by the server
// during the last stream, if any.
func (hp *HandshakerPipe) ServerStreamError() *streamerror.StreamError {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.serverStreamError
}

// ClientStreamError returns the stream error this handshaker sent to
// the server during the last stream, if any.
func (hp *HandshakerPipe) ClientStreamError() *streamerror.StreamError {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.clientStreamError
}

// CloseStream closes the XMPP stream. The returned channel is closed
// once the stream reaches the closed state. Closing an initialized or
// already closed stream completes immediately; closing a disposed
// handshaker fails.
func (hp *HandshakerPipe) CloseStream() (<-chan struct{}, error) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.closeStream()
}

// SendStreamError emits a stream <error/> element and closes the stream.
func (hp *HandshakerPipe) SendStreamError(se *streamerror.StreamError) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.sendStreamError(se)
}

// OnAddedToPipeline starts the handshake as soon as the pipeline runs.
func (hp *HandshakerPipe) OnAddedToPipeline(p *pipeline.Pipeline) {
	hp.mu.Lock()
	if hp.state != Initialized {
		hp.mu.Unlock()
		log.Errorf("handshake: used handshaker pipes cannot be re-added")
		return
	}
	hp.pl = p
	hp.mu.Unlock()

	if p.State() == pipeline.Running {
		hp.start()
		return
	}
	hp.plStartedSub = p.StateStream().Subscribe(func(ev interface{}) {
		if st, ok := ev.(pipeline.State); ok && st == pipeline.Running {
			hp.plStartedSub.Cancel()
			hp.start()
		}
	})
}

// OnRemovedFromPipeline disposes the handshaker.
func (hp *HandshakerPipe) OnRemovedFromPipeline(_ *pipeline.Pipeline) {
	hp.mu.Lock()
	hp.setState(Disposed)
	hp.mu.Unlock()

	if hp.plStartedSub != nil {
		hp.plStartedSub.Cancel()
	}
	hp.sessionSub.Cancel()
	hp.stateStream.Close()
	hp.events.Close()
}

// OnReading dispatches every inbound document on its root name,
// namespace and the current stream state.
func (hp *HandshakerPipe) OnReading(_ *pipeline.Pipeline, obj interface{}) ([]interface{}, error) {
	doc, ok := obj.(xmpp.XElement)
	if !ok {
		return []interface{}{obj}, nil
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()

	switch hp.state {
	case Disposed:
		return nil, ErrDisposed
	case Initialized, StreamClosed:
		return nil, nil
	}
	forward := hp.dispatch(doc)

	if hp.handshakeErr != nil && hp.state != StreamClosing && hp.state != StreamClosed {
		hp.closeStream()
	}
	if forward {
		return []interface{}{obj}, nil
	}
	return nil, nil
}

// OnWriting forwards documents while a stream is active and drops them
// otherwise; the framing close element still passes once the stream is
// closed, so a server-initiated closure gets its answer. Non-document
// objects always forward.
func (hp *HandshakerPipe) OnWriting(_ *pipeline.Pipeline, obj interface{}) ([]interface{}, error) {
	doc, ok := obj.(xmpp.XElement)
	if !ok {
		return []interface{}{obj}, nil
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	switch hp.state {
	case Disposed:
		return nil, ErrDisposed
	case Initialized:
		return nil, nil
	case StreamClosed:
		if doc.Name() != "close" || doc.Namespace() != framingNamespace {
			return nil, nil
		}
	}
	return []interface{}{obj}, nil
}

// CatchInboundError rethrows the error.
func (hp *HandshakerPipe) CatchInboundError(_ *pipeline.Pipeline, err error) error { return err }

// CatchOutboundError rethrows the error.
func (hp *HandshakerPipe) CatchOutboundError(_ *pipeline.Pipeline, err error) error { return err }

func (hp *HandshakerPipe) start() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.state != Initialized {
		log.Errorf("handshake: must not start handshaking twice")
		return
	}
	hp.setState(Started)
	hp.sendStreamOpening()
}

func (hp *HandshakerPipe) handleSessionEvent(ev interface{}) {
	switch ev.(type) {
	case event.StartTLSHandshakeCompleted:
		hp.mu.Lock()
		if hp.state == Negotiating {
			hp.sendStreamOpening()
		}
		hp.mu.Unlock()

	case event.ConnectionTerminated:
		hp.mu.Lock()
		if hp.state != StreamClosed && hp.state != Disposed {
			hp.setState(StreamClosed)
		}
		hp.mu.Unlock()
	}
}

// dispatch implements the inbound dispatch table. Callers must hold mu.
// The returned flag tells whether the document should travel further
// down the pipeline.
func (hp *HandshakerPipe) dispatch(doc xmpp.XElement) bool {
	rootName := doc.Name()
	rootNS := doc.Namespace()

	switch {
	case rootName == "open" && rootNS == framingNamespace:
		hp.handleStreamOpening(doc)

	case rootName == "close" && rootNS == framingNamespace:
		if hp.state != StreamClosing {
			hp.sendStreamClosing()
		}
		hp.setState(StreamClosed)

	case rootName == "features" && rootNS == streamNamespace:
		hp.handleStreamFeatures(doc)

	case rootNS == tlsNamespace:
		if hp.state == Negotiating && hp.isNegotiating && hp.negotiating == xmpp.StartTLS {
			hp.handleStartTLS(doc)
		} else {
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.PolicyViolation, "not negotiating STARTTLS at the time",
			))
		}

	case rootNS == saslNamespace:
		if hp.state == Negotiating && hp.isNegotiating && hp.negotiating == xmpp.SASL {
			hp.handleSASL(doc)
		} else {
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.PolicyViolation, "not negotiating SASL at the time",
			))
		}

	case doc.IsStanza():
		switch {
		case rootName == xmpp.IQName && hp.state == Negotiating && hp.isNegotiating && hp.negotiating == xmpp.ResourceBinding:
			hp.handleResourceBinding(doc)
		case hp.state == Completed:
			return true
		default:
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.NotAuthorized, "stanzas not allowed before stream negotiation completes",
			))
		}

	case rootName == "error" && rootNS == streamNamespace:
		se, err := streamerror.FromElement(doc)
		if err == nil {
			hp.serverStreamError = se
		}
		hp.closeStream()

	default:
		hp.sendStreamError(streamerror.New(streamerror.UnsupportedStanzaType))
	}
	return false
}

func (hp *HandshakerPipe) handleStreamOpening(doc xmpp.XElement) {
	switch hp.state {
	case Started:
		if hp.consumeStreamOpening(doc) {
			hp.setState(Negotiating)
		}
	case Negotiating:
		// stream restart after STARTTLS or SASL
		hp.consumeStreamOpening(doc)
	case Completed:
		hp.sendStreamError(streamerror.NewWithText(
			streamerror.Conflict, "server unexpectedly restarted the stream",
		))
	}
}

func (hp *HandshakerPipe) consumeStreamOpening(doc xmpp.XElement) bool {
	serverVersion, err := version.FromStreamAttribute(doc.Version())
	if err != nil || !serverVersion.IsEqual(supportedVersion) {
		hp.sendStreamError(streamerror.NewWithText(streamerror.UnsupportedVersion, doc.Version()))
		return false
	}
	if doc.From() != hp.authJID.Domain() {
		hp.sendStreamError(streamerror.NewWithText(streamerror.InvalidFrom, doc.From()))
		return false
	}
	return true
}

func (hp *HandshakerPipe) handleStreamFeatures(doc xmpp.XElement) {
	if hp.state != Negotiating {
		hp.sendStreamError(streamerror.NewWithText(
			streamerror.PolicyViolation, "re-negotiating features not allowed",
		))
		return
	}
	selected := hp.consumeStreamFeatures(doc)
	if selected == nil {
		if hp.allMandatoryNegotiated() {
			hp.setState(Completed)
		} else {
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.UnsupportedFeature, "mandatory features not supported by the server",
			))
		}
		return
	}
	switch hp.negotiating {
	case xmpp.StartTLS:
		log.Debugf("handshake: negotiating STARTTLS")
		hp.initiateStartTLS()
	case xmpp.SASL:
		log.Debugf("handshake: negotiating SASL")
		hp.initiateSASL(selected)
	case xmpp.ResourceBinding:
		log.Debugf("handshake: negotiating resource binding")
		hp.initiateResourceBinding()
	}
}

// consumeStreamFeatures flags announced informational features as
// negotiated and selects the next feature to negotiate, following the
// fixed feature order. Returns nil if nothing is selectable.
func (hp *HandshakerPipe) consumeStreamFeatures(doc xmpp.XElement) xmpp.XElement {
	announced := doc.Elements().All()
	if len(announced) == 0 {
		return nil
	}
	for _, informational := range xmpp.InformationalFeatures {
		for _, el := range announced {
			if el.Name() != informational.Name() || el.Namespace() != informational.Namespace() {
				continue
			}
			if !hp.negotiated[informational] {
				hp.negotiated[informational] = true
				hp.events.Post(event.FeatureNegotiated{Feature: informational})
			}
		}
	}
	for _, supported := range featuresOrder {
		if hp.negotiated[supported] {
			continue
		}
		for _, el := range announced {
			if el.Name() == supported.Name() && el.Namespace() == supported.Namespace() {
				hp.negotiating = supported
				hp.isNegotiating = true
				return el
			}
		}
	}
	return nil
}

func (hp *HandshakerPipe) initiateStartTLS() {
	hp.pl.Write(xmpp.NewElementNamespace("starttls", tlsNamespace))
}

func (hp *HandshakerPipe) handleStartTLS(doc xmpp.XElement) {
	switch doc.Name() {
	case "proceed":
		hp.featureNegotiated(xmpp.StartTLS)
		hp.session.DeployTLS()
	case "failure":
		hp.handshakeErr = errors.New("handshake: server failed to proceed with STARTTLS")
	default:
		hp.sendStreamError(streamerror.New(streamerror.UnsupportedStanzaType))
	}
}

func (hp *HandshakerPipe) initiateSASL(mechanismsEl xmpp.XElement) {
	var advertised []string
	for _, m := range mechanismsEl.Elements().Children("mechanism") {
		advertised = append(advertised, m.Text())
	}
	authzID := ""
	if hp.authzID != nil && !hp.authzID.IsEmpty() {
		authzID = hp.authzID.String()
	}
	hp.saslClient = sasl.NewPreferredClient(hp.saslPreferred, advertised, hp.authJID.Node(), authzID, hp.retriever)
	if hp.saslClient == nil {
		hp.pl.Write(xmpp.NewElementNamespace("abort", saslNamespace))
		hp.sendStreamError(streamerror.NewWithText(
			streamerror.PolicyViolation, "no supported SASL mechanisms",
		))
		return
	}
	authEl := xmpp.NewElementNamespace("auth", saslNamespace)
	authEl.SetAttribute("mechanism", hp.saslClient.Mechanism())
	if hp.saslClient.IsClientFirst() {
		msg := base64.StdEncoding.EncodeToString(hp.saslClient.Respond())
		if len(msg) == 0 {
			msg = "="
		}
		authEl.SetText(msg)
	}
	hp.pl.Write(authEl)
}

func (hp *HandshakerPipe) handleSASL(doc xmpp.XElement) {
	msg := doc.Text()

	if hp.saslClient.IsCompleted() && len(msg) > 0 && doc.Name() != "failure" {
		hp.sendStreamError(streamerror.NewWithText(
			streamerror.PolicyViolation, "not receiving SASL messages at the time",
		))
		return
	}

	switch doc.Name() {
	case "failure":
		hp.isNegotiating = false
		hp.handshakeErr = sasl.NewAuthenticationError(sasl.ClientNotAuthorized)
		hp.closeStream()

	case "success":
		if len(msg) > 0 {
			payload, err := base64.StdEncoding.DecodeString(msg)
			if err != nil {
				hp.sendStreamError(streamerror.New(streamerror.InvalidXML))
				return
			}
			hp.saslClient.AcceptChallenge(payload)
		}
		switch {
		case !hp.saslClient.IsCompleted():
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.PolicyViolation, "SASL negotiation not finished yet",
			))
		case hp.saslClient.Error() != nil:
			hp.handshakeErr = hp.saslClient.Error()
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.NotAuthorized, "incorrect server proof",
			))
		default:
			hp.featureNegotiated(xmpp.SASL)
			hp.sendStreamOpening()
		}

	case "challenge":
		payload, err := base64.StdEncoding.DecodeString(msg)
		if err != nil {
			hp.sendStreamError(streamerror.New(streamerror.InvalidXML))
			return
		}
		hp.saslClient.AcceptChallenge(payload)
		if hp.saslClient.IsCompleted() {
			if err := hp.saslClient.Error(); err != nil {
				hp.handshakeErr = err
				hp.pl.Write(xmpp.NewElementNamespace("abort", saslNamespace))
				hp.sendStreamError(streamerror.New(streamerror.NotAuthorized))
			}
			return
		}
		response := hp.saslClient.Respond()
		if response == nil {
			hp.pl.Write(xmpp.NewElementNamespace("abort", saslNamespace))
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.PolicyViolation, "malformed SASL message",
			))
			return
		}
		respEl := xmpp.NewElementNamespace("response", saslNamespace)
		respEl.SetText(base64.StdEncoding.EncodeToString(response))
		hp.pl.Write(respEl)

	default:
		hp.sendStreamError(streamerror.New(streamerror.UnsupportedStanzaType))
	}
}

func (hp *HandshakerPipe) initiateResourceBinding() {
	hp.bindIQID = uuid.New().String()
	iq := xmpp.NewIQType(hp.bindIQID, xmpp.SetType)
	bind := xmpp.NewElementNamespace("bind", bindNamespace)
	if len(hp.presetResource) > 0 {
		resource := xmpp.NewElementName("resource")
		resource.SetText(hp.presetResource)
		bind.AppendElement(resource)
	}
	iq.AppendElement(bind)
	hp.pl.Write(iq)
}

func (hp *HandshakerPipe) handleResourceBinding(doc xmpp.XElement) {
	if doc.ID() != hp.bindIQID {
		hp.sendStreamError(streamerror.New(streamerror.NotAuthorized))
		return
	}
	switch doc.Type() {
	case xmpp.ErrorType:
		stanzaErr, err := xmpp.NewStanzaErrorFromElement(doc.Error())
		if err != nil {
			hp.sendStreamError(streamerror.New(streamerror.InvalidXML))
			return
		}
		hp.handshakeErr = stanzaErr

	case xmpp.ResultType:
		bind := doc.Elements().ChildNamespace("bind", bindNamespace)
		if bind == nil {
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.InvalidXML, "resource binding result carries no bind element",
			))
			return
		}
		jidEl := bind.Elements().Child("jid")
		if jidEl == nil {
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.InvalidXML, "resource binding result carries no JID",
			))
			return
		}
		boundJID, err := jid.NewWithString(jidEl.Text())
		if err != nil || !boundJID.IsFull() {
			hp.sendStreamError(streamerror.NewWithText(
				streamerror.InvalidXML, "malformed JID syntax",
			))
			return
		}
		hp.negotiatedJID = boundJID
		hp.featureNegotiated(xmpp.ResourceBinding)
	}
}

// featureNegotiated flags a feature as negotiated, posts the event and
// completes the handshake once every mandatory feature is in.
func (hp *HandshakerPipe) featureNegotiated(feature xmpp.StreamFeature) {
	hp.isNegotiating = false
	if hp.negotiated[feature] {
		return
	}
	hp.negotiated[feature] = true
	hp.events.Post(event.FeatureNegotiated{Feature: feature})

	if feature == xmpp.ResourceBinding && hp.allMandatoryNegotiated() {
		hp.setState(Completed)
	}
}

func (hp *HandshakerPipe) allMandatoryNegotiated() bool {
	for _, f := range featuresOrder {
		if f.IsMandatory() && !hp.negotiated[f] {
			return false
		}
	}
	return true
}

func (hp *HandshakerPipe) sendStreamOpening() {
	open := xmpp.NewElementNamespace("open", framingNamespace)
	open.SetTo(hp.authJID.Domain())
	open.SetVersion(supportedVersion.StreamAttribute())
	hp.pl.Write(open)
}

func (hp *HandshakerPipe) sendStreamClosing() {
	hp.pl.Write(xmpp.NewElementNamespace("close", framingNamespace))
}

// sendStreamError writes a stream <error/> element, records it and
// closes the stream. Callers must hold mu.
func (hp *HandshakerPipe) sendStreamError(se *streamerror.StreamError) {
	hp.pl.Write(se.Element())
	hp.clientStreamError = se
	hp.closeStream()
}

// closeStream implements the stream closure steps. Callers must hold mu.
func (hp *HandshakerPipe) closeStream() (<-chan struct{}, error) {
	switch hp.state {
	case Initialized:
		hp.setState(StreamClosed)
		return closedChan(), nil
	case StreamClosed:
		return closedChan(), nil
	case Disposed:
		return nil, ErrDisposed
	default:
		if hp.state != StreamClosing {
			hp.setState(StreamClosing)
			hp.sendStreamClosing()
		}
		ch := make(chan struct{})
		hp.closeWaiters = append(hp.closeWaiters, ch)
		return ch, nil
	}
}

// setState transitions the stream state. Callers must hold mu.
func (hp *HandshakerPipe) setState(state State) {
	if hp.state == state {
		return
	}
	hp.state = state
	if state == StreamClosed || state == Disposed {
		for _, ch := range hp.closeWaiters {
			close(ch)
		}
		hp.closeWaiters = nil
	}
	hp.stateStream.Post(state)
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
