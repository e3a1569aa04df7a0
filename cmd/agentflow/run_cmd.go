package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/evaluator"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/internal/logging"
	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/persistence/memstore"
	"github.com/agentflow/agentflow/value"
	"github.com/agentflow/agentflow/worker"
)

var (
	runFlowPath  string
	runWorkflow  string
	runInputs    []string
	runLogLevel  string
	runMaxRounds int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one workflow to completion against an in-memory store",
	Long: `run is the single-process convenience command (§6): it loads a
*.flow.json file, executes the named workflow against an in-memory store,
and drives every parked event step through the demo handler registry
until the workflow reaches a terminal state or no further step can make
progress.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFlowPath, "flow", "", "path to a *.flow.json file (required)")
	runCmd.Flags().StringVar(&runWorkflow, "workflow", "", "workflow name to execute (required)")
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "workflow input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 100, "maximum dispatch rounds before giving up")
	runCmd.MarkFlagRequired("flow")
	runCmd.MarkFlagRequired("workflow")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Options{Level: runLogLevel})

	loader, flowID, err := ast.LoadStaticLoaderFromFile(runFlowPath)
	if err != nil {
		return err
	}
	f, err := loader.LoadFlowSource(flowID)
	if err != nil {
		return err
	}
	program, workflows, err := loader.Parse(f.Source)
	if err != nil {
		return err
	}
	wfAST, ok := workflows[runWorkflow]
	if !ok {
		return fmt.Errorf("run: flow %q declares no workflow %q", flowID, runWorkflow)
	}

	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}

	store := memstore.New(func() int64 { return time.Now().UnixMilli() })
	reg := demoRegistry()
	eval := evaluator.New(store, logger)

	workflowID := uuid.NewString()
	runnerID := uuid.NewString()

	if err := store.SaveWorkflow(cmd.Context(), &persistence.WorkflowRef{ID: workflowID, FlowID: flowID, Name: runWorkflow}); err != nil {
		return err
	}
	runner := &persistence.Runner{
		UUID:       runnerID,
		WorkflowID: workflowID,
		FlowID:     flowID,
		State:      persistence.RunnerRunning,
		StartTime:  time.Now().UnixMilli(),
		Parameters: inputs,
	}
	if err := store.SaveRunner(cmd.Context(), runner); err != nil {
		return err
	}

	result, err := eval.Execute(cmd.Context(), wfAST, inputs, program, runnerID, workflowID)
	if err != nil {
		return fmt.Errorf("run: executing workflow: %w", err)
	}

	svcCfg := worker.Config{LockDurationMS: 30000}
	svc := worker.New(store, reg, eval, loader, svcCfg, logger)

	ctx := cmd.Context()
	for round := 0; result.Status == evaluator.StatusPaused && round < runMaxRounds; round++ {
		n, err := svc.DispatchParkedEventSteps(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("run: dispatching parked event steps: %w", err)
		}
		if n == 0 {
			break
		}
		root, err := store.GetWorkflowRoot(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("run: reloading workflow root: %w", err)
		}
		switch {
		case state.IsComplete(root.Transition.CurrentState):
			result.Status = evaluator.StatusCompleted
			result.Outputs = root.Returns
		case state.IsError(root.Transition.CurrentState):
			result.Status = evaluator.StatusError
			if root.Transition.Error != nil {
				result.Err = fmt.Errorf("%s", *root.Transition.Error)
			}
		}
	}

	printResult(result)
	return nil
}

func parseInputs(pairs []string) (*flow.Attributes, error) {
	attrs := flow.New()
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("run: invalid --input %q, want key=value", p)
		}
		attrs.Set(parts[0], value.String(parts[1]), "")
	}
	return attrs, nil
}

func printResult(result *evaluator.Result) {
	fmt.Println("status:", result.Status)
	if result.Err != nil {
		fmt.Println("error:", result.Err)
	}
	if result.Outputs != nil {
		for _, name := range result.Outputs.Names() {
			v, _ := result.Outputs.Value(name)
			fmt.Printf("  %s = %v\n", name, v.ToAny())
		}
	}
}
