package evaluator

import (
	"context"

	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/value"
)

// blockScope implements ast.Scope for expressions evaluated within one
// block: a ParamRef resolves against the block's own params (the
// enclosing workflow's or foreach iteration's bound variables), and a
// StatementRef resolves against a sibling statement's returns.
type blockScope struct {
	ctx     context.Context
	ic      *iterationContext
	params  *persistence.Step
	blockID string
}

func (s *blockScope) Param(name string) (value.Value, bool) {
	if s.params == nil || s.params.Params == nil {
		return value.Null(), false
	}
	return s.params.Params.Value(name)
}

func (s *blockScope) StatementReturn(stmtID, field string) (value.Value, bool) {
	siblings, err := s.ic.statementsOf(s.ctx, s.blockID)
	if err != nil {
		return value.Null(), false
	}
	for _, sib := range siblings {
		if sib.StatementID != stmtID {
			continue
		}
		if sib.Returns == nil {
			return value.Null(), false
		}
		return sib.Returns.Value(field)
	}
	return value.Null(), false
}
