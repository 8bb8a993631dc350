// Package handler implements the server-side handler state machine
// described in spec.md §4.G: it validates the sequence of operations a
// generated server handler may perform on one incoming RPC (receive
// metadata, receive request messages, send response messages, finish with a
// status) and, like the interceptor package's client-side machine, is pure:
// Step has no I/O and no side effects of its own.
package handler

import "fmt"

// State is one state of a single incoming RPC's server-side lifecycle.
type State int

const (
	// StateIdle is before any request metadata has arrived.
	StateIdle State = iota
	// StateHandling means metadata has arrived; the handler may receive
	// request messages and send response messages.
	StateHandling
	// StateDraining means the client has finished sending requests; the
	// handler may still send responses before finishing.
	StateDraining
	// StateFinished is terminal: a status has been sent for this RPC.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandling:
		return "handling"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Input is one event driving the machine.
type Input int

const (
	// InputHandleMetadata is the request metadata arriving from the client.
	InputHandleMetadata Input = iota
	// InputRecvMessage is a request message arriving from the client.
	InputRecvMessage
	// InputClientHalfClose signals the client will send no more requests.
	InputClientHalfClose
	// InputSendMessage is a response message the handler wants to send.
	InputSendMessage
	// InputFinish is the handler completing the RPC with a final status.
	InputFinish
	// InputClientCancel is the client (or its deadline) cancelling the RPC.
	InputClientCancel
)

func (i Input) String() string {
	switch i {
	case InputHandleMetadata:
		return "handleMetadata"
	case InputRecvMessage:
		return "recvMessage"
	case InputClientHalfClose:
		return "clientHalfClose"
	case InputSendMessage:
		return "sendMessage"
	case InputFinish:
		return "finish"
	case InputClientCancel:
		return "clientCancel"
	default:
		return "unknown"
	}
}

// Action is what the driver should do as a result of a Transition.
type Action int

const (
	// ActionDeliverMetadata means the driver should invoke the generated
	// handler function with the request metadata.
	ActionDeliverMetadata Action = iota
	// ActionDeliverMessage means the driver should hand the request message
	// to the handler function.
	ActionDeliverMessage
	// ActionSignalHalfClose means the driver should unblock any pending Recv
	// call on the handler side with end-of-input.
	ActionSignalHalfClose
	// ActionForwardSend means the driver should write the response message
	// to the transport stream.
	ActionForwardSend
	// ActionForwardStatus means the driver should write the final status to
	// the transport stream and release the RPC.
	ActionForwardStatus
	// ActionCancelAndNilOutHandlerComponents means the client cancelled an
	// already-finished RPC; the driver should release any handler resources
	// still outstanding but must not attempt to write a status.
	ActionCancelAndNilOutHandlerComponents
	// ActionReject means the input was invalid for the current state; the
	// driver should treat this as a programming error and drive the RPC to
	// Finished with the underlying transport instructed to cancel.
	ActionReject
	// ActionDrop means the input arrived in Finished and requires no work.
	ActionDrop
)

// Transition is the result of stepping the machine.
type Transition struct {
	Next   State
	Action Action
}

// Step advances the machine. Like interceptor.Step, it is pure: identical
// (state, input) pairs always produce the identical Transition.
func Step(state State, input Input) Transition {
	if state == StateFinished {
		if input == InputClientCancel {
			return Transition{Next: StateFinished, Action: ActionCancelAndNilOutHandlerComponents}
		}
		return Transition{Next: StateFinished, Action: ActionDrop}
	}

	switch input {
	case InputHandleMetadata:
		if state == StateIdle {
			return Transition{Next: StateHandling, Action: ActionDeliverMetadata}
		}
		return reject()

	case InputRecvMessage:
		if state == StateHandling {
			return Transition{Next: StateHandling, Action: ActionDeliverMessage}
		}
		return reject()

	case InputClientHalfClose:
		if state == StateHandling {
			return Transition{Next: StateDraining, Action: ActionSignalHalfClose}
		}
		return reject()

	case InputSendMessage:
		// A unary or server-streaming handler may respond before the client
		// has finished sending (e.g. a streaming RPC interleaving
		// request/response), so sending is valid once metadata has arrived,
		// in either non-terminal state past Idle.
		if state == StateHandling || state == StateDraining {
			return Transition{Next: state, Action: ActionForwardSend}
		}
		return reject()

	case InputFinish:
		if state == StateIdle {
			return reject()
		}
		return Transition{Next: StateFinished, Action: ActionForwardStatus}

	case InputClientCancel:
		return Transition{Next: StateFinished, Action: ActionForwardStatus}

	default:
		panic(fmt.Sprintf("handler: unknown input %d", input))
	}
}

// reject implements the "unexpected inputs yield cancel" rule in spec.md
// §4.G: an invalid input for the current state drives the whole RPC to
// Finished rather than leaving the machine where it was.
func reject() Transition {
	return Transition{Next: StateFinished, Action: ActionReject}
}
