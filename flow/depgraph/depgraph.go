// Package depgraph builds the statement dependency graph for one block
// (§4.3): a DAG whose edges come from data-flow references, explicit
// AST precedence, and source order as a tie-breaker, topologically
// sorted into the only order in which the evaluator may mark children
// ready.
package depgraph

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/dop251/goja"

	"github.com/agentflow/agentflow/ast"
)

// Graph is the ordered result of building the dependency graph for one
// block: Order lists statement ids in a legal topological order.
type Graph struct {
	Order  []string
	guards map[string]*goja.Program
}

// guardIdentPattern matches "<ident>.done" references inside a precedence
// guard expression — the only shape a guard currently supports.
var guardIdentPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.done\b`)

// EvalGuard runs the compiled guard for stmtID against done, a map from
// statement id to whether that statement has completed. Returns true (no
// guard) when stmtID has no PrecedenceGuard.
func (g *Graph) EvalGuard(stmtID string, done map[string]bool) (bool, error) {
	prog, ok := g.guards[stmtID]
	if !ok {
		return true, nil
	}
	vm := goja.New()
	for name, isDone := range done {
		vm.Set(name, map[string]interface{}{"done": isDone})
	}
	v, err := vm.RunProgram(prog)
	if err != nil {
		return false, fmt.Errorf("depgraph: evaluating guard for %s: %w", stmtID, err)
	}
	return v.ToBoolean(), nil
}

// Build constructs the dependency graph for block. Edges: (a) data-flow
// — if statement S's Args reference statement T's return, T precedes S;
// (b) explicit precedence declared on the statement; (c) source order
// as a tie-breaker for otherwise-independent statements.
func Build(block *ast.Block) (*Graph, error) {
	if block == nil {
		return &Graph{}, nil
	}
	index := make(map[string]int, len(block.Statements))
	for i, stmt := range block.Statements {
		index[stmt.ID] = i
	}

	preds := make(map[string]map[string]bool, len(block.Statements))
	for _, stmt := range block.Statements {
		preds[stmt.ID] = map[string]bool{}
	}

	guards := make(map[string]*goja.Program)
	for _, stmt := range block.Statements {
		for _, arg := range stmt.Args {
			collectStatementRefs(arg, func(refStmt string) {
				if _, ok := index[refStmt]; ok && refStmt != stmt.ID {
					preds[stmt.ID][refStmt] = true
				}
			})
		}
		for _, p := range stmt.Precedence {
			if _, ok := index[p]; ok && p != stmt.ID {
				preds[stmt.ID][p] = true
			}
		}
		if stmt.PrecedenceGuard == "" {
			continue
		}
		prog, err := goja.Compile(stmt.ID, stmt.PrecedenceGuard, false)
		if err != nil {
			return nil, fmt.Errorf("depgraph: compiling guard for %s: %w", stmt.ID, err)
		}
		guards[stmt.ID] = prog
		for _, m := range guardIdentPattern.FindAllStringSubmatch(stmt.PrecedenceGuard, -1) {
			ref := m[1]
			if _, ok := index[ref]; ok && ref != stmt.ID {
				preds[stmt.ID][ref] = true
			}
		}
	}

	order, err := topoSort(block.Statements, index, preds)
	if err != nil {
		return nil, err
	}
	return &Graph{Order: order, guards: guards}, nil
}

func collectStatementRefs(e *ast.Expr, visit func(stmt string)) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ast.ExprStatementRef:
		visit(e.RefStatement)
	case ast.ExprBinaryOp:
		collectStatementRefs(e.Left, visit)
		collectStatementRefs(e.Right, visit)
	case ast.ExprList:
		for _, item := range e.Items {
			collectStatementRefs(item, visit)
		}
	}
}

// topoSort performs Kahn's algorithm, breaking ties by source order so
// that otherwise-independent statements keep their declared order.
func topoSort(statements []*ast.Statement, index map[string]int, preds map[string]map[string]bool) ([]string, error) {
	inDegree := make(map[string]int, len(statements))
	children := make(map[string][]string, len(statements))
	for _, stmt := range statements {
		inDegree[stmt.ID] = len(preds[stmt.ID])
		for p := range preds[stmt.ID] {
			children[p] = append(children[p], stmt.ID)
		}
	}

	ready := make([]string, 0, len(statements))
	for _, stmt := range statements {
		if inDegree[stmt.ID] == 0 {
			ready = append(ready, stmt.ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, c := range children[id] {
			inDegree[c]--
			if inDegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(order) != len(statements) {
		return nil, fmt.Errorf("depgraph: cycle detected among statements")
	}
	return order, nil
}

// Cache memoizes a built Graph per block step id; per §4.3, the graph is
// cached per block step and rebuilt lazily if missing (e.g. after a
// resume on a fresh process with a cold cache) — the cache never
// proactively invalidates an entry.
type Cache struct {
	mu    sync.Mutex
	byID  map[string]*Graph
}

func NewCache() *Cache {
	return &Cache{byID: map[string]*Graph{}}
}

// GetOrBuild returns the cached graph for blockStepID, building and
// storing one from block if absent.
func (c *Cache) GetOrBuild(blockStepID string, block *ast.Block) (*Graph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.byID[blockStepID]; ok {
		return g, nil
	}
	g, err := Build(block)
	if err != nil {
		return nil, err
	}
	c.byID[blockStepID] = g
	return g, nil
}
