package evaluator

import (
	"context"
	"fmt"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/persistence"
)

// resolveBlockAST recovers the *ast.Block a Block step was expanded from.
// Only two shapes occur in this engine (§4.4.2): the workflow's own root
// block, and a foreach statement's per-iteration body block. Both are
// reachable by walking the step's container chain rather than by
// persisting a direct AST pointer on the step.
func (ic *iterationContext) resolveBlockAST(ctx context.Context, blockStep *persistence.Step) (*ast.Block, error) {
	if blockStep.ContainerID == "" {
		return ic.workflowAST.Body, nil
	}
	container, err := ic.getStep(ctx, blockStep.ContainerID)
	if err != nil {
		return nil, err
	}
	if container.ObjectType == persistence.ObjectWorkflow {
		return ic.workflowAST.Body, nil
	}
	if container.ObjectType != persistence.ObjectForeachBody {
		return nil, fmt.Errorf("evaluator: block %s has unexpected container type %s", blockStep.ID, container.ObjectType)
	}
	originStatement, err := ic.getStep(ctx, container.ContainerID)
	if err != nil {
		return nil, err
	}
	stmt, err := ic.resolveStatementAST(ctx, originStatement)
	if err != nil {
		return nil, err
	}
	if stmt.Foreach == nil {
		return nil, fmt.Errorf("evaluator: foreach body %s has no originating foreach statement", container.ID)
	}
	return stmt.Foreach.Body, nil
}

// resolveStatementAST recovers the *ast.Statement a Statement (or
// ForeachBody's originating Statement) step corresponds to, by resolving
// its enclosing block and scanning for a matching statement id.
func (ic *iterationContext) resolveStatementAST(ctx context.Context, stmtStep *persistence.Step) (*ast.Statement, error) {
	blockStep, err := ic.getStep(ctx, stmtStep.ContainerID)
	if err != nil {
		return nil, err
	}
	block, err := ic.resolveBlockAST(ctx, blockStep)
	if err != nil {
		return nil, err
	}
	for _, s := range block.Statements {
		if s.ID == stmtStep.StatementID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("evaluator: statement %q not found in resolved block", stmtStep.StatementID)
}
