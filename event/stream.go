/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package event

import (
	"sync"
	"sync/atomic"
)

// Handler processes a posted event object.
type Handler func(ev interface{})

// Stream broadcasts posted objects to every active subscription, in
// posting order. Handlers run synchronously on the posting goroutine.
type Stream struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
}

// Subscription represents an active Stream subscription.
type Subscription struct {
	st       *Stream
	h        Handler
	canceled int32
}

// NewStream returns an initialized event stream.
func NewStream() *Stream {
	return &Stream{}
}

// Subscribe registers a handler invoked for every posted object until
// the subscription is canceled.
func (s *Stream) Subscribe(h Handler) *Subscription {
	sub := &Subscription{st: s, h: h}
	s.mu.Lock()
	if !s.closed {
		s.subs = append(s.subs, sub)
	} else {
		atomic.StoreInt32(&sub.canceled, 1)
	}
	s.mu.Unlock()
	return sub
}

// Post broadcasts an object to all active subscriptions.
func (s *Stream) Post(ev interface{}) {
	s.mu.RLock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		if atomic.LoadInt32(&sub.canceled) == 1 {
			continue
		}
		sub.h(ev)
	}
}

// Close cancels every subscription and rejects further ones.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	for _, sub := range s.subs {
		atomic.StoreInt32(&sub.canceled, 1)
	}
	s.subs = nil
	s.mu.Unlock()
}

// Cancel detaches the subscription from its stream.
func (sub *Subscription) Cancel() {
	if !atomic.CompareAndSwapInt32(&sub.canceled, 0, 1) {
		return
	}
	sub.st.mu.Lock()
	for i, s := range sub.st.subs {
		if s == sub {
			sub.st.subs = append(sub.st.subs[:i], sub.st.subs[i+1:]...)
			break
		}
	}
	sub.st.mu.Unlock()
}
