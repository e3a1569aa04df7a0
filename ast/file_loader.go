package ast

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// flowFile is the on-disk shape of one *.flow.json file consumed by the
// run command (§6 expansion): a flow id, its (opaque, re-parsed-on-resume)
// source text, and the already-lowered program/workflow AST the file
// carries instead of surface-language source, since the real parser is
// out of scope (§1).
type flowFile struct {
	FlowID    string                  `json:"flow_id"`
	Source    string                  `json:"source"`
	Program   *ProgramAST             `json:"program"`
	Workflows map[string]*WorkflowAST `json:"workflows"`
}

// LoadStaticLoaderFromFile reads one *.flow.json file and registers it
// with a StaticLoader, returning the loader plus the flow id it declares.
func LoadStaticLoaderFromFile(path string) (*StaticLoader, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("ast: reading flow file %s: %w", path, err)
	}
	var ff flowFile
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, "", fmt.Errorf("ast: decoding flow file %s: %w", path, err)
	}
	if ff.FlowID == "" {
		return nil, "", fmt.Errorf("ast: flow file %s declares no flow_id", path)
	}
	loader := NewStaticLoader()
	loader.Register(ff.FlowID, ff.Source, ff.Program, ff.Workflows)
	return loader, ff.FlowID, nil
}

// LoadStaticLoaderFromDir registers every *.json file directly in dir
// (such as *.flow.json; subdirectories are not read) with a single shared
// StaticLoader, for the worker command's demo registry. Files without a
// flow_id are skipped.
func LoadStaticLoaderFromDir(dir string) (*StaticLoader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ast: reading flow directory %s: %w", dir, err)
	}
	loader := NewStaticLoader()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("ast: reading flow file %s: %w", e.Name(), err)
		}
		var ff flowFile
		if err := json.Unmarshal(raw, &ff); err != nil {
			return nil, fmt.Errorf("ast: decoding flow file %s: %w", e.Name(), err)
		}
		if ff.FlowID == "" {
			continue
		}
		loader.Register(ff.FlowID, ff.Source, ff.Program, ff.Workflows)
	}
	return loader, nil
}
