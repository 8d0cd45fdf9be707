/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package session

import (
	"context"
	"reflect"
	"sync"

	"github.com/corbel-im/corbel/event"
	"github.com/corbel-im/corbel/handshake"
	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/pipeline"
	"github.com/corbel-im/corbel/runqueue"
	"github.com/corbel-im/corbel/sasl"
	"github.com/corbel-im/corbel/streamerror"
	"github.com/corbel-im/corbel/transport"
	"github.com/corbel-im/corbel/xmpp"
	"github.com/corbel-im/corbel/xmpp/jid"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// handshakerPipeName is the well-known name under which the stream
// negotiator is registered in the session pipeline.
const handshakerPipeName = "handshaker"

// State represents session state.
type State int

const (
	// Disconnected indicates there is no connection to the server.
	Disconnected State = iota

	// Connecting indicates the session is establishing a connection.
	Connecting

	// Connected indicates a network connection to the server is established.
	Connected

	// Handshaking indicates the session is negotiating the XMPP stream.
	Handshaking

	// Online indicates the user has logged into the server.
	Online

	// Disconnecting indicates the session is closing the stream and
	// the connection.
	Disconnecting

	// Disposed indicates the session has been shut down. This is a
	// terminal state.
	Disposed
)

// String returns State string representation.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Handshaking:
		return "handshaking"
	case Online:
		return "online"
	case Disconnecting:
		return "disconnecting"
	case Disposed:
		return "disposed"
	}
	return ""
}

var (
	// ErrNotDisconnected is returned by Login when the session is not
	// in the disconnected state.
	ErrNotDisconnected = errors.New("session: not disconnected")

	// ErrDisposed is returned when operating on a disposed session.
	ErrDisposed = errors.New("session: disposed")
)

// Session drives a single client-to-server XMPP session: it owns the
// transport, the processing pipeline and the handshaker pipe, exposes
// the inbound stanza stream and the high level login, disconnect and
// dispose operations.
type Session struct {
	id  string
	cfg *Config
	tr  transport.Transport

	pl          *pipeline.Pipeline
	events      *event.Stream
	stanzas     *event.Stream
	stateStream *event.Stream
	rq          *runqueue.RunQueue

	mu            sync.Mutex
	state         State
	hs            *handshake.HandshakerPipe
	hsStateSub    *event.Subscription
	negotiatedJID *jid.JID
	credentials   map[string]interface{}
}

// New returns an initialized disconnected session owning the given
// transport.
func New(cfg *Config, tr transport.Transport) *Session {
	docType := reflect.TypeOf((*xmpp.XElement)(nil)).Elem()
	s := &Session{
		id:          uuid.New(),
		cfg:         cfg,
		tr:          tr,
		pl:          pipeline.New(docType, docType),
		events:      event.NewStream(),
		stanzas:     event.NewStream(),
		stateStream: event.NewStream(),
		rq:          runqueue.New("session"),
	}
	// placeholder pipe, swapped for a fresh handshaker on every login
	<-s.pl.AddAtInboundEnd(handshakerPipeName, &pipeline.BlankPipe{})

	s.pl.InboundStream().Subscribe(s.handleInboundDocument)
	s.pl.OutboundStream().Subscribe(s.handleOutboundDocument)
	s.pl.Events().Subscribe(func(ev interface{}) { s.events.Post(ev) })

	tr.Bind(s)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateStream returns the stream of session state transitions.
func (s *Session) StateStream() *event.Stream {
	return s.stateStream
}

// Events returns the session event stream. It posts
// event.ConnectionTerminated, event.StartTLSHandshakeCompleted,
// event.ExceptionCaught and event.FeatureNegotiated values.
func (s *Session) Events() *event.Stream {
	return s.events
}

// InboundStanzaStream returns the stream of inbound stanzas.
func (s *Session) InboundStanzaStream() *event.Stream {
	return s.stanzas
}

// JID returns the full JID negotiated during resource binding, or nil
// before the first login completes. It keeps the last negotiated JID
// after the session goes offline.
func (s *Session) JID() *jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedJID
}

// NegotiatedCredentials exposes the SASL negotiated properties of the
// last successful login (salt, salted password, iteration count),
// letting the caller cache credentials without the plain text password.
func (s *Session) NegotiatedCredentials() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials
}

// Login authenticates against the server using a plain text password.
func (s *Session) Login(ctx context.Context, password string) error {
	retriever := func(_, _, key string) (interface{}, error) {
		if key == sasl.KeyPassword {
			return password, nil
		}
		return nil, nil
	}
	return s.LoginWith(ctx, retriever, s.cfg.Resource)
}

// LoginWith authenticates against the server fetching credentials
// through a retriever. The session must be disconnected.
func (s *Session) LoginWith(ctx context.Context, retriever sasl.CredentialRetriever, resource string) error {
	s.mu.Lock()
	switch s.state {
	case Disposed:
		s.mu.Unlock()
		return ErrDisposed
	case Disconnected:
		break
	default:
		s.mu.Unlock()
		return ErrNotDisconnected
	}
	s.setState(Connecting)
	s.mu.Unlock()

	hs, err := handshake.New(s, s.cfg.JID, s.cfg.AuthorizationID, retriever, s.cfg.SASLMechanisms, resource, false)
	if err != nil {
		s.abortLogin()
		return err
	}
	if err := <-s.pl.Replace(handshakerPipeName, hs); err != nil {
		s.abortLogin()
		return errors.Wrap(err, "installing handshaker")
	}

	completedCh := make(chan struct{})
	closedCh := make(chan struct{})
	var once sync.Once
	hsStateSub := hs.StateStream().Subscribe(func(ev interface{}) {
		st, ok := ev.(handshake.State)
		if !ok {
			return
		}
		switch st {
		case handshake.Completed:
			once.Do(func() { close(completedCh) })
		case handshake.StreamClosed, handshake.Disposed:
			once.Do(func() { close(closedCh) })
		}
	})
	hs.Events().Subscribe(func(ev interface{}) { s.events.Post(ev) })

	s.mu.Lock()
	s.hs = hs
	s.hsStateSub = hsStateSub
	s.setState(Connected)
	s.mu.Unlock()

	if s.tr.IsSecured() {
		if err := s.verifyPeerCertificates(); err != nil {
			s.killConnection()
			return err
		}
	}
	s.mu.Lock()
	s.setState(Handshaking)
	s.mu.Unlock()

	s.pl.Start()

	select {
	case <-ctx.Done():
		s.killConnection()
		return ctx.Err()

	case <-completedCh:
		s.mu.Lock()
		s.negotiatedJID = hs.JID()
		s.credentials = hs.NegotiatedCredentials()
		s.setState(Online)
		s.mu.Unlock()
		log.Infof("session %s: online as %s", s.id, hs.JID())
		return nil

	case <-closedCh:
		err := s.handshakeFailure(hs)
		s.killConnection()
		return err
	}
}

// Disconnect closes the XMPP stream and tears down the connection.
// It is idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Disconnected, Disposed:
		s.mu.Unlock()
		return nil
	}
	s.setState(Disconnecting)
	hs := s.hs
	s.mu.Unlock()

	if hs != nil {
		if closedCh, err := hs.CloseStream(); err == nil {
			select {
			case <-closedCh:
				break
			case <-ctx.Done():
				break
			}
		}
	}
	s.tr.Close()
	s.pl.StopNow()

	s.mu.Lock()
	if s.state != Disposed {
		s.setState(Disconnected)
	}
	s.mu.Unlock()
	return nil
}

// Dispose disconnects if needed and releases the pipeline and every
// subscription. The session cannot be used afterwards.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return nil
	}
	needsDisconnect := s.state != Disconnected
	s.mu.Unlock()

	if needsDisconnect {
		if err := s.Disconnect(ctx); err != nil {
			return err
		}
	}
	// detach the handshaker before releasing the session
	<-s.pl.RemoveAll()

	s.mu.Lock()
	s.hs = nil
	if s.hsStateSub != nil {
		s.hsStateSub.Cancel()
		s.hsStateSub = nil
	}
	s.setState(Disposed)
	s.mu.Unlock()

	s.stanzas.Close()
	s.events.Close()
	return nil
}

// Send writes a stanza to the pipeline outbound direction.
func (s *Session) Send(stanza xmpp.Stanza) error {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.mu.Unlock()
	s.pl.Write(stanza)
	return nil
}

// SendStreamError emits a stream error element and closes the stream.
func (s *Session) SendStreamError(se *streamerror.StreamError) {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs != nil {
		hs.SendStreamError(se)
	}
}

// DeployTLS secures the transport, signalling completion through the
// session event stream. It satisfies handshake.Session.
func (s *Session) DeployTLS() {
	s.rq.Run(func() {
		if err := s.tr.DeployTLS(nil); err != nil {
			log.Error(errors.Wrap(err, "deploying TLS"))
			s.killConnection()
			return
		}
		s.events.Post(event.StartTLSHandshakeCompleted{})
	})
}

// FeedXMLPipeline delivers a received top-level element into the
// session pipeline. It satisfies transport.Delegate.
func (s *Session) FeedXMLPipeline(doc xmpp.XElement) {
	s.pl.Read(doc)
}

// TransportClosed signals the connection has been lost. It satisfies
// transport.Delegate.
func (s *Session) TransportClosed(err error) {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return
	}
	s.setState(Disconnected)
	s.mu.Unlock()

	s.pl.StopNow()
	s.events.Post(event.ConnectionTerminated{Err: err})
}

func (s *Session) handleInboundDocument(ev interface{}) {
	doc, ok := ev.(xmpp.XElement)
	if !ok || !doc.IsStanza() {
		return
	}
	stanza, err := xmpp.NewStanzaFromElement(doc)
	if err != nil {
		log.Warnf("session %s: dropped malformed stanza: %v", s.id, err)
		s.events.Post(event.ExceptionCaught{Err: err})
		return
	}
	s.stanzas.Post(stanza)
}

func (s *Session) handleOutboundDocument(ev interface{}) {
	doc, ok := ev.(xmpp.XElement)
	if !ok {
		return
	}
	if err := s.tr.WriteElement(doc); err != nil {
		log.Warnf("session %s: transport write failed: %v", s.id, err)
	}
}

func (s *Session) verifyPeerCertificates() error {
	certs := s.tr.PeerCertificates()
	if s.tr.Type() == transport.Memory {
		return nil
	}
	if len(certs) == 0 {
		return errors.New("session: server presented no certificates")
	}
	return nil
}

func (s *Session) handshakeFailure(hs *handshake.HandshakerPipe) error {
	if err := hs.HandshakeError(); err != nil {
		return errors.Wrap(err, "handshake failed")
	}
	if se := hs.ServerStreamError(); se != nil {
		return errors.Wrap(se, "handshake failed")
	}
	if se := hs.ClientStreamError(); se != nil {
		return errors.Wrap(se, "handshake failed")
	}
	return errors.New("handshake failed: stream closed")
}

func (s *Session) abortLogin() {
	s.mu.Lock()
	if s.state != Disposed {
		s.setState(Disconnected)
	}
	s.mu.Unlock()
}

func (s *Session) killConnection() {
	s.tr.Close()
	s.pl.StopNow()
	s.mu.Lock()
	if s.state != Disposed {
		s.setState(Disconnected)
	}
	s.mu.Unlock()
}

// setState transitions the session state. Callers must hold mu.
func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.stateStream.Post(state)
}
