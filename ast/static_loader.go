package ast

import "fmt"

// StaticLoader is a trivial in-memory Loader fake: flows are registered
// directly as already-parsed ProgramAST/WorkflowAST values rather than
// parsed from source text. It exists because the real parser/emitter is
// out of scope (§1); callers that already have a lowered AST (tests, the
// `agentflow run` command) use this instead of a real source-driven
// loader.
type StaticLoader struct {
	flows map[string]*Flow
	progs map[string]*ProgramAST
	wfs   map[string]map[string]*WorkflowAST
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{
		flows: map[string]*Flow{},
		progs: map[string]*ProgramAST{},
		wfs:   map[string]map[string]*WorkflowAST{},
	}
}

// Register associates flowID with a program and its workflows. source is
// stored verbatim and returned by LoadFlowSource; it is also the key Parse
// matches on to find the registered program and workflows.
func (l *StaticLoader) Register(flowID, source string, program *ProgramAST, workflows map[string]*WorkflowAST) {
	l.flows[flowID] = &Flow{ID: flowID, Source: source}
	l.progs[flowID] = program
	l.wfs[flowID] = workflows
}

func (l *StaticLoader) LoadFlowSource(flowID string) (*Flow, error) {
	f, ok := l.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("ast: unknown flow %q", flowID)
	}
	return f, nil
}

// Parse looks up the program previously registered for the flow whose
// source equals the given text's key. StaticLoader matches by source
// pointer identity is impractical, so it instead matches by scanning its
// registered flows for one whose Source equals source.
func (l *StaticLoader) Parse(source string) (*ProgramAST, map[string]*WorkflowAST, error) {
	for id, f := range l.flows {
		if f.Source == source {
			return l.progs[id], l.wfs[id], nil
		}
	}
	return nil, nil, fmt.Errorf("ast: no registered program for source")
}
