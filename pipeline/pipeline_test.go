/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package pipeline_test

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/corbel-im/corbel/event"
	"github.com/corbel-im/corbel/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type appendPipe struct {
	pipeline.BlankPipe
	suffix string
}

func (p *appendPipe) OnReading(_ *pipeline.Pipeline, obj interface{}) ([]interface{}, error) {
	return []interface{}{obj.(string) + p.suffix}, nil
}

func (p *appendPipe) OnWriting(_ *pipeline.Pipeline, obj interface{}) ([]interface{}, error) {
	return []interface{}{obj.(string) + p.suffix}, nil
}

type dropPipe struct {
	pipeline.BlankPipe
}

func (p *dropPipe) OnReading(_ *pipeline.Pipeline, _ interface{}) ([]interface{}, error) {
	return nil, nil
}

type fanOutPipe struct {
	pipeline.BlankPipe
}

func (p *fanOutPipe) OnReading(_ *pipeline.Pipeline, obj interface{}) ([]interface{}, error) {
	return []interface{}{obj, obj}, nil
}

type failingPipe struct {
	pipeline.BlankPipe
	err error
}

func (p *failingPipe) OnReading(_ *pipeline.Pipeline, _ interface{}) ([]interface{}, error) {
	return nil, p.err
}

type catchingPipe struct {
	pipeline.BlankPipe
	caught chan error
}

func (p *catchingPipe) CatchInboundError(_ *pipeline.Pipeline, err error) error {
	p.caught <- err
	return nil
}

func collectInbound(p *pipeline.Pipeline) chan interface{} {
	ch := make(chan interface{}, 2048)
	p.InboundStream().Subscribe(func(ev interface{}) { ch <- ev })
	return ch
}

func collectOutbound(p *pipeline.Pipeline) chan interface{} {
	ch := make(chan interface{}, 2048)
	p.OutboundStream().Subscribe(func(ev interface{}) { ch <- ev })
	return ch
}

func nextDelivered(t *testing.T, ch chan interface{}) interface{} {
	select {
	case obj := <-ch:
		return obj
	case <-time.After(time.Second * 5):
		require.Fail(t, "no object delivered")
		return nil
	}
}

func TestPipelineDirections(t *testing.T) {
	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("a", &appendPipe{suffix: "a"})
	<-p.AddAtInboundEnd("b", &appendPipe{suffix: "b"})
	inbound := collectInbound(p)
	outbound := collectOutbound(p)
	p.Start()
	defer p.StopNow()

	p.Read("x")
	require.Equal(t, "xab", nextDelivered(t, inbound))

	p.Write("y")
	require.Equal(t, "yba", nextDelivered(t, outbound))
}

func TestPipelineFIFOOrder(t *testing.T) {
	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("blank", &pipeline.BlankPipe{})
	inbound := collectInbound(p)
	p.Start()
	defer p.StopNow()

	for i := 0; i < 500; i++ {
		p.Read(i)
	}
	for i := 0; i < 500; i++ {
		require.Equal(t, i, nextDelivered(t, inbound))
	}
}

func TestPipelineDropAndFanOut(t *testing.T) {
	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("drop", &dropPipe{})
	inbound := collectInbound(p)
	p.Start()
	defer p.StopNow()

	p.Read("dropped")
	select {
	case <-inbound:
		require.Fail(t, "dropped object was delivered")
	case <-time.After(time.Millisecond * 100):
		break
	}

	<-p.Replace("drop", &fanOutPipe{})
	p.Read("dup")
	require.Equal(t, "dup", nextDelivered(t, inbound))
	require.Equal(t, "dup", nextDelivered(t, inbound))
}

func TestPipelineTypeFiltering(t *testing.T) {
	p := pipeline.New(reflect.TypeOf(""), nil)
	<-p.AddAtInboundEnd("blank", &pipeline.BlankPipe{})
	inbound := collectInbound(p)
	p.Start()
	defer p.StopNow()

	p.Read(42) // incompatible with the declared inbound type
	p.Read("ok")
	require.Equal(t, "ok", nextDelivered(t, inbound))
}

func TestPipelineErrorCaught(t *testing.T) {
	errBoom := errors.New("boom")

	p := pipeline.New(nil, nil)
	catcher := &catchingPipe{caught: make(chan error, 1)}
	<-p.AddAtInboundEnd("failing", &failingPipe{err: errBoom})
	<-p.AddAtInboundEnd("catcher", catcher)
	p.Start()
	defer p.StopNow()

	p.Read("x")
	select {
	case err := <-catcher.caught:
		require.Equal(t, errBoom, err)
	case <-time.After(time.Second * 5):
		require.Fail(t, "error not caught")
	}
}

func TestPipelineExceptionCaughtEvent(t *testing.T) {
	errBoom := errors.New("boom")

	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("failing", &failingPipe{err: errBoom})
	caught := make(chan error, 1)
	p.Events().Subscribe(func(ev interface{}) {
		if ec, ok := ev.(event.ExceptionCaught); ok {
			caught <- ec.Err
		}
	})
	p.Start()
	defer p.StopNow()

	p.Read("x")
	select {
	case err := <-caught:
		require.Equal(t, errBoom, err)
	case <-time.After(time.Second * 5):
		require.Fail(t, "exception event not emitted")
	}
}

func TestPipelineNameCollision(t *testing.T) {
	p := pipeline.New(nil, nil)
	require.Nil(t, <-p.AddAtInboundEnd("dup", &pipeline.BlankPipe{}))
	require.NotNil(t, <-p.AddAtInboundEnd("dup", &pipeline.BlankPipe{}))
	require.NotNil(t, <-p.Replace("missing", &pipeline.BlankPipe{}))
	require.Nil(t, p.Get("missing"))
	require.NotNil(t, p.Get("dup"))
}

func TestPipelineRelativeInsertion(t *testing.T) {
	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("a", &appendPipe{suffix: "a"})
	<-p.AddAtInboundEnd("c", &appendPipe{suffix: "c"})
	require.Nil(t, <-p.AddTowardsInboundEnd("a", "b", &appendPipe{suffix: "b"}))
	inbound := collectInbound(p)
	p.Start()
	defer p.StopNow()

	p.Read("x")
	require.Equal(t, "xabc", nextDelivered(t, inbound))

	require.Nil(t, <-p.AddTowardsOutboundEnd("a", "z", &appendPipe{suffix: "z"}))
	p.Read("x")
	require.Equal(t, "xzabc", nextDelivered(t, inbound))
}

func TestPipelineMutationUnderLoad(t *testing.T) {
	const objectCount = 1000

	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("a", &pipeline.BlankPipe{})
	<-p.AddAtInboundEnd("b", &pipeline.BlankPipe{})
	<-p.AddAtInboundEnd("c", &pipeline.BlankPipe{})
	inbound := collectInbound(p)
	p.Start()
	defer p.StopNow()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < objectCount; i++ {
			p.Read(i)
			if i == objectCount/2 {
				p.Replace("b", &pipeline.BlankPipe{})
			}
		}
	}()
	for i := 0; i < objectCount; i++ {
		require.Equal(t, i, nextDelivered(t, inbound))
	}
	wg.Wait()
}

func TestPipelineStopNow(t *testing.T) {
	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("blank", &pipeline.BlankPipe{})
	inbound := collectInbound(p)
	p.Start()

	p.Read("before")
	require.Equal(t, "before", nextDelivered(t, inbound))

	p.StopNow()
	require.Equal(t, pipeline.Stopped, p.State())

	p.Read("after")
	select {
	case <-inbound:
		require.Fail(t, "object processed after StopNow")
	case <-time.After(time.Millisecond * 100):
		break
	}
}

func TestPipelineRestart(t *testing.T) {
	p := pipeline.New(nil, nil)
	<-p.AddAtInboundEnd("blank", &pipeline.BlankPipe{})
	inbound := collectInbound(p)

	p.Start()
	p.StopNow()
	p.Start()
	defer p.StopNow()
	require.Equal(t, pipeline.Running, p.State())

	p.Read("again")
	require.Equal(t, "again", nextDelivered(t, inbound))
}
