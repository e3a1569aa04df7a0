// Package state defines the step state machine shared by every evaluator
// rule: the named states, the three regions they fall into (control,
// execution, event), and the terminal/complete/error predicates.
package state

// State is one named state of a step's lifecycle. Steps only ever advance
// along the edges implied by the state changer table in package evaluator;
// once in a terminal state a step is never modified again.
type State string

const (
	// Workflow region.
	WorkflowInit             State = "WORKFLOW_INIT"
	WorkflowComplete         State = "WORKFLOW_COMPLETE"

	// Block region.
	BlockInit                State = "BLOCK_INIT"
	BlockExecutionContinue   State = "BLOCK_EXECUTION_CONTINUE"
	BlockComplete            State = "BLOCK_COMPLETE"

	// Statement region.
	StatementInit            State = "STATEMENT_INIT"
	StatementBlocksContinue  State = "STATEMENT_BLOCKS_CONTINUE"
	MixinBlocksContinue      State = "MIXIN_BLOCKS_CONTINUE"
	StatementComplete        State = "STATEMENT_COMPLETE"
	StatementError           State = "STATEMENT_ERROR"

	// Facet (pure) region.
	FacetInit     State = "FACET_INIT"
	FacetComplete State = "FACET_COMPLETE"

	// Event facet region — the external-handler protocol.
	EventFacetInit     State = "EVENT_FACET_INIT"
	EventTransmit      State = "EVENT_TRANSMIT"
	EventFacetComplete State = "EVENT_FACET_COMPLETE"

	// Foreach body region (one per loop iteration, itself a block).
	ForeachBodyInit     State = "FOREACH_BODY_INIT"
	ForeachBodyComplete State = "FOREACH_BODY_COMPLETE"
)

// continueStates are the three "polling for child completion" states
// subject to dirty-block tracking (§4.4.3 of the design): they are
// re-evaluated only when something in their subtree changed.
var continueStates = map[State]bool{
	BlockExecutionContinue:  true,
	StatementBlocksContinue: true,
	MixinBlocksContinue:     true,
}

// IsContinueState reports whether s is one of the three dirty-tracked
// "continue" states.
func IsContinueState(s State) bool { return continueStates[s] }

var terminalStates = map[State]bool{
	WorkflowComplete:    true,
	BlockComplete:       true,
	StatementComplete:   true,
	FacetComplete:       true,
	EventFacetComplete:  true,
	ForeachBodyComplete: true,
	StatementError:      true,
}

// IsTerminal is true for every *_COMPLETE state and for STATEMENT_ERROR,
// the single error terminal shared across object types.
func IsTerminal(s State) bool { return terminalStates[s] }

// IsError reports whether s is the (sole) error terminal.
func IsError(s State) bool { return s == StatementError }

// IsComplete reports whether s is a successful terminal state.
func IsComplete(s State) bool { return terminalStates[s] && s != StatementError }
