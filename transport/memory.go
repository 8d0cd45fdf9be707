/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"strings"
	"sync"

	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/runqueue"
	"github.com/corbel-im/corbel/xmpp"
	"github.com/pkg/errors"
)

// ErrMemClosed is returned when writing to a closed in-process transport.
var ErrMemClosed = errors.New("transport: memory transport closed")

// MemTransport is an in-process transport endpoint. Elements written
// on one endpoint are serialized, re-parsed and delivered to the peer
// endpoint's delegate, preserving write order.
type MemTransport struct {
	mu       sync.Mutex
	peer     *MemTransport
	delegate Delegate
	pending  []xmpp.XElement
	closed   bool
	secured  bool
	rq       *runqueue.RunQueue
}

// NewMemPair returns two connected in-process transport endpoints.
func NewMemPair() (*MemTransport, *MemTransport) {
	t1 := &MemTransport{rq: runqueue.New("transport/mem")}
	t2 := &MemTransport{rq: runqueue.New("transport/mem")}
	t1.peer = t2
	t2.peer = t1
	return t1, t2
}

// Type returns transport type value.
func (t *MemTransport) Type() Type {
	return Memory
}

// Bind attaches the delegate, flushing any element received before.
func (t *MemTransport) Bind(d Delegate) {
	t.mu.Lock()
	t.delegate = d
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, doc := range pending {
		t.dispatch(d, doc)
	}
}

// WriteElement sends a top-level element to the peer endpoint.
func (t *MemTransport) WriteElement(elem xmpp.XElement) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrMemClosed
	}
	peer := t.peer
	t.mu.Unlock()

	// round trip through the wire representation
	doc, err := parseElement(elem.String())
	if err != nil {
		return errors.Wrap(err, "serializing outbound element")
	}
	peer.deliver(doc)
	return nil
}

// DeployTLS marks the transport as secured. In-process pairs carry no
// real TLS layer.
func (t *MemTransport) DeployTLS(_ *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrMemClosed
	}
	t.secured = true
	return nil
}

// IsSecured returns true once TLS has been deployed.
func (t *MemTransport) IsSecured() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secured
}

// PeerCertificates returns nil: in-process pairs present no certificates.
func (t *MemTransport) PeerCertificates() []*x509.Certificate {
	return nil
}

// Close shuts down both endpoints, signalling termination to each
// bound delegate.
func (t *MemTransport) Close() error {
	t.terminate(nil)
	if peer := t.peerEndpoint(); peer != nil {
		peer.terminate(nil)
	}
	return nil
}

func (t *MemTransport) peerEndpoint() *MemTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

func (t *MemTransport) terminate(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	d := t.delegate
	t.mu.Unlock()
	if d != nil {
		t.rq.Run(func() { d.TransportClosed(err) })
	}
}

func (t *MemTransport) deliver(doc xmpp.XElement) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	d := t.delegate
	if d == nil {
		t.pending = append(t.pending, doc)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.dispatch(d, doc)
}

func (t *MemTransport) dispatch(d Delegate, doc xmpp.XElement) {
	t.rq.Run(func() { d.FeedXMLPipeline(doc) })
}

func parseElement(raw string) (xmpp.XElement, error) {
	pr := xmpp.NewParser(strings.NewReader(raw), xmpp.DefaultMode, 0)
	elem, err := pr.ParseElement()
	if err != nil {
		return nil, err
	}
	if elem == nil {
		log.Warnf("transport: dropped unparseable element: %s", raw)
		return nil, errors.New("transport: no element parsed")
	}
	return elem, nil
}
