/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package pipeline

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/corbel-im/corbel/event"
	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/runqueue"
)

// State represents pipeline state.
type State int

const (
	// Stopped indicates the pipeline is not processing objects.
	Stopped State = iota

	// Running indicates the pipeline reader and writer are active.
	Running
)

type entry struct {
	name string
	pipe Pipe
}

// Pipeline is a serial container for a series of data processors. It
// is full duplex: reading and writing happen at the same time on two
// independent workers, at most one per direction. Pipes can be added,
// removed or replaced while the pipeline is running; manipulations are
// applied only when neither worker holds the pipe list.
//
// A Pipe may safely invoke any method of this type from its hooks, but
// it must not wait for the completion of a structural mutation it
// initiated on the same goroutine.
type Pipeline struct {
	inboundType  reflect.Type
	outboundType reflect.Type

	inboundStream  *event.Stream
	outboundStream *event.Stream
	stateStream    *event.Stream
	events         *event.Stream

	pipeMu  sync.RWMutex
	entries []entry

	readQueue  *blockingQueue
	writeQueue *blockingQueue

	ioQueue *runqueue.RunQueue

	stateMu  sync.Mutex
	state    State
	canceled *int32
}

// New returns an initialized stopped pipeline. The inbound and
// outbound types declare the runtime type of the objects published on
// the terminal streams; objects of incompatible type are silently
// dropped at the terminal. A nil type accepts any object.
func New(inboundType, outboundType reflect.Type) *Pipeline {
	return &Pipeline{
		inboundType:    inboundType,
		outboundType:   outboundType,
		inboundStream:  event.NewStream(),
		outboundStream: event.NewStream(),
		stateStream:    event.NewStream(),
		events:         event.NewStream(),
		readQueue:      newBlockingQueue(),
		writeQueue:     newBlockingQueue(),
		ioQueue:        runqueue.New("pipeline"),
	}
}

// State returns current pipeline state.
func (p *Pipeline) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// StateStream returns the stream of pipeline state transitions.
func (p *Pipeline) StateStream() *event.Stream {
	return p.stateStream
}

// InboundStream returns the stream publishing the terminal output of
// the reading direction.
func (p *Pipeline) InboundStream() *event.Stream {
	return p.inboundStream
}

// OutboundStream returns the stream publishing the terminal output of
// the writing direction.
func (p *Pipeline) OutboundStream() *event.Stream {
	return p.outboundStream
}

// Events returns the stream publishing event.ExceptionCaught values.
func (p *Pipeline) Events() *event.Stream {
	return p.events
}

// Start spawns the reading and writing workers.
func (p *Pipeline) Start() {
	p.stateMu.Lock()
	if p.state == Running {
		p.stateMu.Unlock()
		return
	}
	canceled := new(int32)
	p.canceled = canceled
	p.state = Running
	p.stateMu.Unlock()

	go p.loop(p.readQueue, canceled, true)
	go p.loop(p.writeQueue, canceled, false)

	p.stateStream.Post(Running)
}

// StopNow stops the pipeline immediately, abandoning all queued work.
// Objects being processed at the time complete their traversal.
func (p *Pipeline) StopNow() {
	p.stateMu.Lock()
	if p.state == Stopped {
		p.stateMu.Unlock()
		return
	}
	atomic.StoreInt32(p.canceled, 1)
	p.state = Stopped
	p.stateMu.Unlock()

	p.readQueue.wakeAndClear()
	p.writeQueue.wakeAndClear()

	p.stateStream.Post(Stopped)
}

// ClearQueues drops every queued object from the read and write queues.
func (p *Pipeline) ClearQueues() {
	p.readQueue.clear()
	p.writeQueue.clear()
}

// Read feeds an object at the outbound end, to travel towards the
// inbound end.
func (p *Pipeline) Read(obj interface{}) {
	p.readQueue.push(obj)
}

// Write feeds an object at the inbound end, to travel towards the
// outbound end.
func (p *Pipeline) Write(obj interface{}) {
	p.writeQueue.push(obj)
}

// Get returns the pipe registered under a name, or nil.
func (p *Pipeline) Get(name string) Pipe {
	p.pipeMu.RLock()
	defer p.pipeMu.RUnlock()
	if i := p.indexOf(name); i >= 0 {
		return p.entries[i].pipe
	}
	return nil
}

// AddAtInboundEnd attaches a pipe at the inbound end. An empty name
// registers the pipe unnamed; non-empty names must be unique.
func (p *Pipeline) AddAtInboundEnd(name string, pipe Pipe) <-chan error {
	return p.mutate(func() error {
		if err := p.checkName(name); err != nil {
			return err
		}
		p.entries = append(p.entries, entry{name, pipe})
		pipe.OnAddedToPipeline(p)
		return nil
	})
}

// AddAtOutboundEnd attaches a pipe at the outbound end.
func (p *Pipeline) AddAtOutboundEnd(name string, pipe Pipe) <-chan error {
	return p.mutate(func() error {
		if err := p.checkName(name); err != nil {
			return err
		}
		p.entries = append([]entry{{name, pipe}}, p.entries...)
		pipe.OnAddedToPipeline(p)
		return nil
	})
}

// AddTowardsInboundEnd attaches a pipe right after the named one, on
// the inbound side.
func (p *Pipeline) AddTowardsInboundEnd(previous, name string, pipe Pipe) <-chan error {
	return p.mutate(func() error {
		if err := p.checkName(name); err != nil {
			return err
		}
		i := p.indexOf(previous)
		if i < 0 {
			return fmt.Errorf("pipeline: pipe not found: %s", previous)
		}
		p.entries = append(p.entries, entry{})
		copy(p.entries[i+2:], p.entries[i+1:])
		p.entries[i+1] = entry{name, pipe}
		pipe.OnAddedToPipeline(p)
		return nil
	})
}

// AddTowardsOutboundEnd attaches a pipe right before the named one, on
// the outbound side.
func (p *Pipeline) AddTowardsOutboundEnd(next, name string, pipe Pipe) <-chan error {
	return p.mutate(func() error {
		if err := p.checkName(name); err != nil {
			return err
		}
		i := p.indexOf(next)
		if i < 0 {
			return fmt.Errorf("pipeline: pipe not found: %s", next)
		}
		p.entries = append(p.entries, entry{})
		copy(p.entries[i+1:], p.entries[i:])
		p.entries[i] = entry{name, pipe}
		pipe.OnAddedToPipeline(p)
		return nil
	})
}

// Remove detaches the pipe registered under a name.
func (p *Pipeline) Remove(name string) <-chan error {
	return p.mutate(func() error {
		i := p.indexOf(name)
		if i < 0 {
			return fmt.Errorf("pipeline: pipe not found: %s", name)
		}
		removed := p.entries[i].pipe
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
		removed.OnRemovedFromPipeline(p)
		return nil
	})
}

// RemoveAll detaches every pipe.
func (p *Pipeline) RemoveAll() <-chan error {
	return p.mutate(func() error {
		for _, e := range p.entries {
			e.pipe.OnRemovedFromPipeline(p)
		}
		p.entries = nil
		return nil
	})
}

// Replace swaps the pipe registered under a name keeping its position.
func (p *Pipeline) Replace(name string, newPipe Pipe) <-chan error {
	return p.mutate(func() error {
		i := p.indexOf(name)
		if i < 0 {
			return fmt.Errorf("pipeline: pipe not found: %s", name)
		}
		oldPipe := p.entries[i].pipe
		p.entries[i] = entry{name, newPipe}
		oldPipe.OnRemovedFromPipeline(p)
		newPipe.OnAddedToPipeline(p)
		return nil
	})
}

func (p *Pipeline) loop(q *blockingQueue, canceled *int32, reading bool) {
	for {
		obj, ok := q.take(canceled)
		if !ok {
			return
		}
		p.pipeMu.RLock()
		p.processObject(obj, reading)
		p.pipeMu.RUnlock()
	}
}

func (p *Pipeline) processObject(obj interface{}, reading bool) {
	n := len(p.entries)
	cache := []interface{}{obj}
	for i := 0; i < n; i++ {
		var pipe Pipe
		if reading {
			pipe = p.entries[i].pipe
		} else {
			pipe = p.entries[n-1-i].pipe
		}
		var forward []interface{}
		for _, it := range cache {
			var out []interface{}
			var err error
			if reading {
				out, err = pipe.OnReading(p, it)
			} else {
				out, err = pipe.OnWriting(p, it)
			}
			if err != nil {
				p.processError(i+1, err, reading)
				return
			}
			forward = append(forward, out...)
		}
		if len(forward) == 0 {
			return
		}
		cache = forward
	}
	for _, it := range cache {
		if reading {
			if typeMatches(p.inboundType, it) {
				p.inboundStream.Post(it)
			}
		} else {
			if typeMatches(p.outboundType, it) {
				p.outboundStream.Post(it)
			}
		}
	}
}

func (p *Pipeline) processError(next int, err error, reading bool) {
	n := len(p.entries)
	for i := next; i < n; i++ {
		var pipe Pipe
		if reading {
			pipe = p.entries[i].pipe
		} else {
			pipe = p.entries[n-1-i].pipe
		}
		var rethrown error
		if reading {
			rethrown = pipe.CatchInboundError(p, err)
		} else {
			rethrown = pipe.CatchOutboundError(p, err)
		}
		if rethrown == nil {
			return
		}
		err = rethrown
	}
	p.events.Post(event.ExceptionCaught{Err: err})
}

func (p *Pipeline) mutate(fn func() error) <-chan error {
	ch := make(chan error, 1)
	p.ioQueue.Run(func() {
		p.pipeMu.Lock()
		err := fn()
		p.pipeMu.Unlock()
		if err != nil {
			log.Warnf("pipeline: %v", err)
		}
		ch <- err
	})
	return ch
}

func (p *Pipeline) indexOf(name string) int {
	if len(name) == 0 {
		return -1
	}
	for i, e := range p.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

func (p *Pipeline) checkName(name string) error {
	if len(name) == 0 {
		return nil
	}
	if p.indexOf(name) >= 0 {
		return fmt.Errorf("pipeline: name collision: %s", name)
	}
	return nil
}

func typeMatches(t reflect.Type, obj interface{}) bool {
	if t == nil {
		return true
	}
	ot := reflect.TypeOf(obj)
	if ot == nil {
		return false
	}
	if t.Kind() == reflect.Interface {
		return ot.Implements(t)
	}
	return ot.AssignableTo(t)
}

type blockingQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []interface{}
}

func newBlockingQueue() *blockingQueue {
	q := &blockingQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *blockingQueue) push(obj interface{}) {
	q.mu.Lock()
	q.items = append(q.items, obj)
	q.mu.Unlock()
	q.cond.Signal()
}

// take blocks until an object is available or the canceled flag is
// raised.
func (q *blockingQueue) take(canceled *int32) (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if atomic.LoadInt32(canceled) == 1 {
			return nil, false
		}
		q.cond.Wait()
	}
	if atomic.LoadInt32(canceled) == 1 {
		return nil, false
	}
	obj := q.items[0]
	q.items = q.items[1:]
	return obj, true
}

func (q *blockingQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *blockingQueue) wakeAndClear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}
