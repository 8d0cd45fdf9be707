/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package pipeline

// Pipe is a data processor attached to a Pipeline. Hooks run under the
// pipeline's shared lock: they may invoke any pipeline method, but must
// not wait for a structural mutation they initiated themselves.
type Pipe interface {
	// OnReading processes an object travelling towards the inbound
	// end. The returned objects are handed to the next pipe; returning
	// an empty result drops the object.
	OnReading(p *Pipeline, obj interface{}) ([]interface{}, error)

	// OnWriting processes an object travelling towards the outbound end.
	OnWriting(p *Pipeline, obj interface{}) ([]interface{}, error)

	// OnAddedToPipeline is invoked right after the pipe has been
	// attached to a pipeline.
	OnAddedToPipeline(p *Pipeline)

	// OnRemovedFromPipeline is invoked right after the pipe has been
	// detached from a pipeline.
	OnRemovedFromPipeline(p *Pipeline)

	// CatchInboundError handles an error thrown by a preceding pipe
	// while reading. Returning a non-nil error rethrows.
	CatchInboundError(p *Pipeline, err error) error

	// CatchOutboundError handles an error thrown by a preceding pipe
	// while writing. Returning a non-nil error rethrows.
	CatchOutboundError(p *Pipeline, err error) error
}

// BlankPipe forwards every object unchanged and rethrows every error.
// It is meant to be embedded by Pipe implementations that only care
// about a subset of the hooks.
type BlankPipe struct{}

// OnReading forwards the object unchanged.
func (*BlankPipe) OnReading(_ *Pipeline, obj interface{}) ([]interface{}, error) {
	return []interface{}{obj}, nil
}

// OnWriting forwards the object unchanged.
func (*BlankPipe) OnWriting(_ *Pipeline, obj interface{}) ([]interface{}, error) {
	return []interface{}{obj}, nil
}

// OnAddedToPipeline does nothing.
func (*BlankPipe) OnAddedToPipeline(_ *Pipeline) {}

// OnRemovedFromPipeline does nothing.
func (*BlankPipe) OnRemovedFromPipeline(_ *Pipeline) {}

// CatchInboundError rethrows the error.
func (*BlankPipe) CatchInboundError(_ *Pipeline, err error) error { return err }

// CatchOutboundError rethrows the error.
func (*BlankPipe) CatchOutboundError(_ *Pipeline, err error) error { return err }
