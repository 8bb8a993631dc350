// Package interceptor implements the interceptor-chain state machine
// described in spec.md §4.F: it tracks, independently, whether each of the
// four message directions on one RPC attempt (request metadata/messages
// flowing into the interceptor chain, response metadata/messages flowing
// out of it) has started and finished, and reports what the driver should
// do with each event. Per the design notes in spec.md §5 and §9, this
// machine is pure: Step takes a State and an Input and returns a Transition
// with no I/O, no goroutines, and no shared mutable state of its own — the
// caller (executor, or a generated stub) owns the State value and performs
// the Action the Transition names.
package interceptor

import "fmt"

// TopState is one of the two top-level states spec.md §4.F defines.
type TopState int

const (
	// TopIntercepting is the normal operating state: every direction is
	// validated against its own StreamState sub-machine.
	TopIntercepting TopState = iota
	// TopFinished is terminal: every input is dropped except cancel, which
	// still resolves to a no-op pipeline teardown.
	TopFinished
)

func (t TopState) String() string {
	switch t {
	case TopIntercepting:
		return "intercepting"
	case TopFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// StreamState is the state of a single message direction: idle (nothing
// seen yet), transferring (metadata has been seen, messages may still
// arrive), or done (the end of that direction has been seen).
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamTransferring
	StreamDone
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamTransferring:
		return "transferring"
	case StreamDone:
		return "done"
	default:
		return "unknown"
	}
}

// receiveMetadata, receiveMessage and receiveEnd are the three events a
// StreamState sub-machine accepts, per spec.md §4.F's "StreamState rules".
// accept reports whether the event was valid for s; next is always the
// resulting state, even on rejection (a rejected event effects no change).

func (s StreamState) receiveMetadata() (next StreamState, accept bool) {
	if s == StreamIdle {
		return StreamTransferring, true
	}
	return s, false
}

func (s StreamState) receiveMessage() (next StreamState, accept bool) {
	if s == StreamTransferring {
		return StreamTransferring, true
	}
	return s, false
}

func (s StreamState) receiveEnd() (next StreamState, accept bool) {
	if s == StreamIdle || s == StreamTransferring {
		return StreamDone, true
	}
	return s, false
}

// State is the full state of one RPC attempt's interceptor pipeline: the
// top-level phase plus the four independent directions spec.md §4.F names.
// RequestIn/ResponseOut are the directions this side originates or
// terminates; RequestOut/ResponseIn are the directions the interceptor
// chain forwards to, or receives from, the transport.
type State struct {
	Top         TopState
	RequestIn   StreamState // caller handing request parts to the chain
	RequestOut  StreamState // chain forwarding request parts to the transport
	ResponseIn  StreamState // chain receiving response parts from the transport
	ResponseOut StreamState // chain handing response parts back to the caller
}

// Direction names which of the four StreamState sub-machines an Input
// addresses.
type Direction int

const (
	DirRequestIn Direction = iota
	DirRequestOut
	DirResponseIn
	DirResponseOut
)

func (d Direction) String() string {
	switch d {
	case DirRequestIn:
		return "requestIn"
	case DirRequestOut:
		return "requestOut"
	case DirResponseIn:
		return "responseIn"
	case DirResponseOut:
		return "responseOut"
	default:
		return "unknown"
	}
}

// Kind is the category of event occurring on a Direction.
type Kind int

const (
	KindMetadata Kind = iota
	KindMessage
	KindEnd
	// KindCancel is not tied to any one Direction; Dir is ignored.
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindMessage:
		return "message"
	case KindEnd:
		return "end"
	case KindCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Input is one event driving the machine: a Kind on a Direction (Dir is
// meaningless for KindCancel).
type Input struct {
	Dir  Direction
	Kind Kind
}

// Action is what the driver should do as a result of a Transition.
type Action int

const (
	// ActionIntercept means the driver should hand an inbound-to-the-chain
	// part to the next interceptor in the chain.
	ActionIntercept Action = iota
	// ActionForward means the driver should hand an outbound-from-the-chain
	// part to the transport (request direction) or caller (response direction).
	ActionForward
	// ActionCancel means the part was invalid for its direction's current
	// sub-state; the driver should drive the whole attempt to Finished.
	ActionCancel
	// ActionSendStatusThenNilOutInterceptorPipeline means cancellation
	// occurred before a terminal status reached the caller: best-effort
	// deliver one, then release the pipeline.
	ActionSendStatusThenNilOutInterceptorPipeline
	// ActionNilOutInterceptorPipeline means cancellation occurred after a
	// terminal status had already reached (or started reaching) the caller:
	// just release the pipeline.
	ActionNilOutInterceptorPipeline
	// ActionDrop means the input arrived in Finished and requires no work.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionIntercept:
		return "intercept"
	case ActionForward:
		return "forward"
	case ActionCancel:
		return "cancel"
	case ActionSendStatusThenNilOutInterceptorPipeline:
		return "sendStatusThenNilOutInterceptorPipeline"
	case ActionNilOutInterceptorPipeline:
		return "nilOutInterceptorPipeline"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Transition is the result of stepping the machine: the state to move to,
// and the action the driver should perform.
type Transition struct {
	Next   State
	Action Action
}

// Step advances the machine. It is a pure function: identical (state,
// input) pairs always produce the identical Transition, and calling Step
// performs no I/O.
func Step(state State, input Input) Transition {
	if input.Kind == KindCancel {
		return cancel(state)
	}

	if state.Top == TopFinished {
		return Transition{Next: state, Action: ActionDrop}
	}

	sub := state.direction(input.Dir)
	var next StreamState
	var accept bool
	switch input.Kind {
	case KindMetadata:
		next, accept = sub.receiveMetadata()
	case KindMessage:
		next, accept = sub.receiveMessage()
	case KindEnd:
		next, accept = sub.receiveEnd()
	default:
		panic(fmt.Sprintf("interceptor: unknown input kind %d", input.Kind))
	}

	result := state.withDirection(input.Dir, next)
	if !accept {
		result.Top = TopFinished
		return Transition{Next: result, Action: ActionCancel}
	}
	if isInbound(input.Dir) {
		return Transition{Next: result, Action: ActionIntercept}
	}
	return Transition{Next: result, Action: ActionForward}
}

// cancel implements spec.md §4.F's Cancel transition: in Intercepting, the
// action depends on whether the response-out direction has already reached
// done (a terminal status already delivered or in flight) or is still
// idle/transferring (nothing terminal has reached the caller yet, so a
// best-effort status should still be sent). In Finished, cancel always
// degenerates to releasing the pipeline with no status send.
func cancel(state State) Transition {
	if state.Top == TopFinished {
		return Transition{Next: state, Action: ActionNilOutInterceptorPipeline}
	}
	action := ActionNilOutInterceptorPipeline
	if state.ResponseOut != StreamDone {
		action = ActionSendStatusThenNilOutInterceptorPipeline
	}
	state.Top = TopFinished
	return Transition{Next: state, Action: action}
}

func isInbound(d Direction) bool {
	return d == DirRequestIn || d == DirResponseIn
}

func (s State) direction(d Direction) StreamState {
	switch d {
	case DirRequestIn:
		return s.RequestIn
	case DirRequestOut:
		return s.RequestOut
	case DirResponseIn:
		return s.ResponseIn
	case DirResponseOut:
		return s.ResponseOut
	default:
		panic(fmt.Sprintf("interceptor: unknown direction %d", d))
	}
}

func (s State) withDirection(d Direction, next StreamState) State {
	switch d {
	case DirRequestIn:
		s.RequestIn = next
	case DirRequestOut:
		s.RequestOut = next
	case DirResponseIn:
		s.ResponseIn = next
	case DirResponseOut:
		s.ResponseOut = next
	default:
		panic(fmt.Sprintf("interceptor: unknown direction %d", d))
	}
	return s
}
