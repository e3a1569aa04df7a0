package state

import "testing"

func TestTerminalPredicates(t *testing.T) {
	for _, s := range []State{WorkflowComplete, BlockComplete, StatementComplete, FacetComplete, EventFacetComplete, ForeachBodyComplete} {
		if !IsTerminal(s) || !IsComplete(s) || IsError(s) {
			t.Fatalf("%s: expected terminal+complete, non-error", s)
		}
	}
	if !IsTerminal(StatementError) || IsComplete(StatementError) || !IsError(StatementError) {
		t.Fatalf("STATEMENT_ERROR: expected terminal+error, non-complete")
	}
	for _, s := range []State{WorkflowInit, BlockInit, BlockExecutionContinue, StatementInit, StatementBlocksContinue, MixinBlocksContinue, EventTransmit} {
		if IsTerminal(s) {
			t.Fatalf("%s: expected non-terminal", s)
		}
	}
}

func TestContinueStates(t *testing.T) {
	for _, s := range []State{BlockExecutionContinue, StatementBlocksContinue, MixinBlocksContinue} {
		if !IsContinueState(s) {
			t.Fatalf("%s: expected continue state", s)
		}
	}
	if IsContinueState(StatementInit) {
		t.Fatalf("STATEMENT_INIT: expected not a continue state")
	}
}
