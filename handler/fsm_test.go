package handler_test

import (
	"testing"

	"github.com/relaygrpc/core/handler"
)

func TestStep_HandleMetadataFromIdle(t *testing.T) {
	tr := handler.Step(handler.StateIdle, handler.InputHandleMetadata)
	if tr.Next != handler.StateHandling || tr.Action != handler.ActionDeliverMetadata {
		t.Fatalf("got %+v, want {handling deliverMetadata}", tr)
	}
}

func TestStep_HandleMetadataTwiceIsRejected(t *testing.T) {
	tr := handler.Step(handler.StateHandling, handler.InputHandleMetadata)
	if tr.Action != handler.ActionReject || tr.Next != handler.StateFinished {
		t.Fatalf("got %+v, want reject into Finished", tr)
	}
}

func TestStep_RecvMessageWhileHandling(t *testing.T) {
	tr := handler.Step(handler.StateHandling, handler.InputRecvMessage)
	if tr.Next != handler.StateHandling || tr.Action != handler.ActionDeliverMessage {
		t.Fatalf("got %+v, want {handling deliverMessage}", tr)
	}
}

func TestStep_RecvMessageBeforeMetadataIsRejected(t *testing.T) {
	tr := handler.Step(handler.StateIdle, handler.InputRecvMessage)
	if tr.Action != handler.ActionReject || tr.Next != handler.StateFinished {
		t.Fatalf("got %+v, want reject into Finished", tr)
	}
}

func TestStep_RecvMessageAfterHalfCloseIsRejected(t *testing.T) {
	tr := handler.Step(handler.StateDraining, handler.InputRecvMessage)
	if tr.Action != handler.ActionReject {
		t.Fatalf("got %+v, want reject", tr)
	}
}

func TestStep_ClientHalfCloseThenFinish(t *testing.T) {
	tr := handler.Step(handler.StateHandling, handler.InputClientHalfClose)
	if tr.Next != handler.StateDraining || tr.Action != handler.ActionSignalHalfClose {
		t.Fatalf("got %+v", tr)
	}
	tr = handler.Step(tr.Next, handler.InputFinish)
	if tr.Next != handler.StateFinished || tr.Action != handler.ActionForwardStatus {
		t.Fatalf("got %+v", tr)
	}
}

func TestStep_SendMessageValidOnceHandling(t *testing.T) {
	for _, start := range []handler.State{handler.StateHandling, handler.StateDraining} {
		tr := handler.Step(start, handler.InputSendMessage)
		if tr.Next != start || tr.Action != handler.ActionForwardSend {
			t.Fatalf("Step(%v, sendMessage) = %+v", start, tr)
		}
	}
}

func TestStep_SendMessageBeforeMetadataIsRejected(t *testing.T) {
	tr := handler.Step(handler.StateIdle, handler.InputSendMessage)
	if tr.Action != handler.ActionReject {
		t.Fatalf("got %+v, want reject", tr)
	}
}

func TestStep_FinishBeforeMetadataIsRejected(t *testing.T) {
	tr := handler.Step(handler.StateIdle, handler.InputFinish)
	if tr.Action != handler.ActionReject {
		t.Fatalf("got %+v, want reject", tr)
	}
}

// TestStep_FinishedIsTerminal: in Finished, every input drops except
// cancel, which must emit a distinct cancelAndNilOutHandlerComponents
// action rather than the drop every other Finished input gets, so the
// handler's resources are released (spec.md §4.G).
func TestStep_FinishedIsTerminal(t *testing.T) {
	inputs := []handler.Input{
		handler.InputHandleMetadata, handler.InputRecvMessage, handler.InputClientHalfClose,
		handler.InputSendMessage, handler.InputFinish,
	}
	for _, in := range inputs {
		tr := handler.Step(handler.StateFinished, in)
		if tr.Next != handler.StateFinished || tr.Action != handler.ActionDrop {
			t.Fatalf("Step(finished, %v) = %+v, want drop", in, tr)
		}
	}

	tr := handler.Step(handler.StateFinished, handler.InputClientCancel)
	if tr.Next != handler.StateFinished || tr.Action != handler.ActionCancelAndNilOutHandlerComponents {
		t.Fatalf("Step(finished, clientCancel) = %+v, want cancelAndNilOutHandlerComponents", tr)
	}
}

func TestStep_ClientCancelFinishesFromAnyNonTerminalState(t *testing.T) {
	for _, start := range []handler.State{handler.StateIdle, handler.StateHandling, handler.StateDraining} {
		tr := handler.Step(start, handler.InputClientCancel)
		if tr.Next != handler.StateFinished || tr.Action != handler.ActionForwardStatus {
			t.Fatalf("Step(%v, clientCancel) = %+v", start, tr)
		}
	}
}
