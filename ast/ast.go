// Package ast holds the lowered program/workflow representation the
// evaluator consumes. The surface language's parser and emitter are out
// of scope (§1); this package only models the already-lowered shapes and
// a minimal expression form sufficient to express pure-facet bodies and
// statement argument wiring.
package ast

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentflow/agentflow/value"
)

// ParamDecl is one declared parameter or return binding of a facet or
// workflow. Default is nil when the AST declares no default.
type ParamDecl struct {
	Name     string
	TypeHint string
	Default  *value.Value
}

// FacetDecl declares one facet (pure) or event facet (externally
// effectful). Body is non-nil only for pure facets whose computation is
// expressed inline; event facets are dispatched through the handler
// registry instead and carry no Body.
type FacetDecl struct {
	Name    string
	Event   bool
	Params  []ParamDecl
	Returns []ParamDecl
	// Body maps each declared return name to the expression computing it,
	// evaluated against the facet's resolved Params.
	Body map[string]*Expr
}

// ImplicitDecl contributes default argument values for every call to the
// facet named Target, overlaid beneath the invoking statement's explicit
// arguments (§4.4.2).
type ImplicitDecl struct {
	Target string
	Args   map[string]*Expr
}

// Namespace is one (possibly nested) declaration scope. The compiler may
// emit namespaces either as nested structures or as flat dotted-string
// keys in ProgramAST.Namespaces; GetFacetDefinition tries both.
type Namespace struct {
	Namespaces map[string]*Namespace
	Facets     map[string]*FacetDecl
}

// ProgramAST provides the namespaces, facet definitions and implicit
// argument declarations used for name resolution across one flow.
type ProgramAST struct {
	Namespaces map[string]*Namespace
	Facets     map[string]*FacetDecl
	Implicits  []*ImplicitDecl
}

// GetFacetDefinition resolves a (possibly dotted, possibly qualified)
// facet name against program. A dotted name "a.b.Facet" is resolved by
// (i) trying every prefix split as a flat namespace name, since the
// compiler may emit namespaces as dotted strings, then (ii) walking
// nested namespaces part-by-part from the root.
func GetFacetDefinition(program *ProgramAST, name string) (*FacetDecl, bool) {
	if program == nil {
		return nil, false
	}
	if f, ok := program.Facets[name]; ok {
		return f, true
	}
	parts := strings.Split(name, ".")
	for i := len(parts) - 1; i >= 1; i-- {
		nsKey := strings.Join(parts[:i], ".")
		if ns, ok := program.Namespaces[nsKey]; ok {
			if f, ok := resolveInNamespace(ns, parts[i:]); ok {
				return f, true
			}
		}
	}
	root := &Namespace{Namespaces: program.Namespaces, Facets: program.Facets}
	return resolveInNamespace(root, parts)
}

func resolveInNamespace(ns *Namespace, parts []string) (*FacetDecl, bool) {
	if ns == nil || len(parts) == 0 {
		return nil, false
	}
	if len(parts) == 1 {
		f, ok := ns.Facets[parts[0]]
		return f, ok
	}
	child, ok := ns.Namespaces[parts[0]]
	if !ok {
		return nil, false
	}
	return resolveInNamespace(child, parts[1:])
}

// ResolveImplicitArgs returns the overlay of default argument values
// contributed by every implicit declaration targeting facetName.
func ResolveImplicitArgs(program *ProgramAST, facetName string) map[string]*Expr {
	out := map[string]*Expr{}
	if program == nil {
		return out
	}
	for _, im := range program.Implicits {
		if im.Target != facetName {
			continue
		}
		for k, v := range im.Args {
			out[k] = v
		}
	}
	return out
}

// WorkflowAST is the lowered body of one executable workflow entry.
type WorkflowAST struct {
	Name   string
	Params []ParamDecl
	Body   *Block
}

// Block is an ordered sequence of statements with an optional yield
// expression, the unit over which the dependency graph is built.
type Block struct {
	Statements []*Statement
	Yield      *Expr
}

// ForeachSpec marks a statement as spawning one sub-block per element of
// ListExpr, each with VarName bound to the element.
type ForeachSpec struct {
	ListExpr *Expr
	VarName  string
	Body     *Block
}

// Statement is one named line inside a block, binding return attributes
// into the block's scope.
type Statement struct {
	ID         string
	FacetName  string
	Args       map[string]*Expr
	Precedence []string
	// PrecedenceGuard is an alternative to Precedence for annotating
	// explicit ordering as a small guard expression (e.g. "s1.done")
	// rather than a bare statement-id list; compiled and resolved to
	// statement references by package depgraph.
	PrecedenceGuard string
	Foreach         *ForeachSpec
}

// ExprKind discriminates the arms of Expr.
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprParamRef
	ExprStatementRef
	ExprBinaryOp
	ExprList
)

var exprKindNames = map[ExprKind]string{
	ExprLiteral:      "literal",
	ExprParamRef:     "param_ref",
	ExprStatementRef: "statement_ref",
	ExprBinaryOp:     "binary_op",
	ExprList:         "list",
}

// MarshalJSON renders a Kind as its name rather than its iota, so flow
// files (§6 run command) stay hand-writable.
func (k ExprKind) MarshalJSON() ([]byte, error) {
	name, ok := exprKindNames[k]
	if !ok {
		return nil, fmt.Errorf("ast: unknown expr kind %d", int(k))
	}
	return []byte(`"` + name + `"`), nil
}

func (k *ExprKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, n := range exprKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("ast: unknown expr kind %q", name)
}

// Expr is the minimal expression form used for statement argument wiring
// and pure-facet bodies: literals, references to an enclosing scope's
// param, references to a sibling statement's return, a small set of
// binary operators, and literal lists.
type Expr struct {
	Kind ExprKind

	Literal value.Value

	ParamName string

	RefStatement string
	RefField     string

	Op          string
	Left, Right *Expr

	Items []*Expr
}

func Lit(v value.Value) *Expr                { return &Expr{Kind: ExprLiteral, Literal: v} }
func ParamRef(name string) *Expr             { return &Expr{Kind: ExprParamRef, ParamName: name} }
func StatementRef(stmt, field string) *Expr  { return &Expr{Kind: ExprStatementRef, RefStatement: stmt, RefField: field} }
func BinaryOp(op string, l, r *Expr) *Expr   { return &Expr{Kind: ExprBinaryOp, Op: op, Left: l, Right: r} }
func ListOf(items ...*Expr) *Expr            { return &Expr{Kind: ExprList, Items: items} }

// Scope resolves the free variables of an Expr during evaluation.
type Scope interface {
	Param(name string) (value.Value, bool)
	StatementReturn(stmt, field string) (value.Value, bool)
}

// Eval evaluates e against scope.
func Eval(e *Expr, scope Scope) (value.Value, error) {
	if e == nil {
		return value.Null(), nil
	}
	switch e.Kind {
	case ExprLiteral:
		return e.Literal, nil
	case ExprParamRef:
		v, ok := scope.Param(e.ParamName)
		if !ok {
			return value.Null(), fmt.Errorf("ast: unresolved param reference %q", e.ParamName)
		}
		return v, nil
	case ExprStatementRef:
		v, ok := scope.StatementReturn(e.RefStatement, e.RefField)
		if !ok {
			return value.Null(), fmt.Errorf("ast: unresolved reference %s.%s", e.RefStatement, e.RefField)
		}
		return v, nil
	case ExprList:
		items := make([]value.Value, len(e.Items))
		for i, item := range e.Items {
			v, err := Eval(item, scope)
			if err != nil {
				return value.Null(), err
			}
			items[i] = v
		}
		return value.List(items...), nil
	case ExprBinaryOp:
		return evalBinaryOp(e, scope)
	default:
		return value.Null(), fmt.Errorf("ast: unknown expr kind %d", e.Kind)
	}
}

func evalBinaryOp(e *Expr, scope Scope) (value.Value, error) {
	l, err := Eval(e.Left, scope)
	if err != nil {
		return value.Null(), err
	}
	r, err := Eval(e.Right, scope)
	if err != nil {
		return value.Null(), err
	}
	if e.Op == "concat" {
		ls, _ := l.String()
		rs, _ := r.String()
		return value.String(ls + rs), nil
	}
	lf, lok := l.Float()
	rf, rok := r.Float()
	if !lok || !rok {
		return value.Null(), fmt.Errorf("ast: operator %q requires numeric operands", e.Op)
	}
	_, lIsInt := l.Int()
	_, rIsInt := r.Int()
	var out float64
	switch e.Op {
	case "+":
		out = lf + rf
	case "-":
		out = lf - rf
	case "*":
		out = lf * rf
	case "/":
		if rf == 0 {
			return value.Null(), fmt.Errorf("ast: division by zero")
		}
		out = lf / rf
	default:
		return value.Null(), fmt.Errorf("ast: unknown operator %q", e.Op)
	}
	if lIsInt && rIsInt && out == float64(int64(out)) {
		return value.Int(int64(out)), nil
	}
	return value.Float(out), nil
}

// Flow is a named program: its id and compiled source text, as provided
// by the out-of-scope parser/emitter collaborator.
type Flow struct {
	ID     string
	Source string
}

// Loader is the out-of-scope surface-language collaborator (§1): it
// loads a flow's stored source and parses it into a ProgramAST plus the
// set of workflows it declares. The real parser/emitter is excluded from
// this repo; Loader is the interface boundary a real implementation
// would satisfy.
type Loader interface {
	LoadFlowSource(flowID string) (*Flow, error)
	Parse(source string) (*ProgramAST, map[string]*WorkflowAST, error)
}
