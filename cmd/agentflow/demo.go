package main

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/registry"
	"github.com/agentflow/agentflow/value"
)

// registerDemoHandlers installs the event facet handlers the worker and
// run commands dispatch to (§11 domain stack, §12 supplemented feature:
// an example LLM-backed event facet). Real deployments would register
// handlers specific to their own facets; this set exists so the CLI is
// runnable out of the box against a flow file exercising them.
func registerDemoHandlers(reg *registry.Registry) *registry.Registry {
	reg.Register("llm:complete", llmCompleteHandler)
	reg.Register("http:request", httpRequestHandler)
	reg.SetDefault(func(name string, payload *flow.Attributes) (*flow.Attributes, error) {
		return nil, fmt.Errorf("demo: no handler registered for event facet %q", name)
	})
	return reg
}

// llmCompleteHandler sends payload's "prompt" attribute to the OpenAI
// chat completions API and returns the response text as "text", grounded
// on the teacher's internal/api/assistant.go client construction.
func llmCompleteHandler(payload *flow.Attributes) (*flow.Attributes, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("llm:complete: OPENAI_API_KEY not set")
	}
	promptV, _ := payload.Value("prompt")
	prompt, _ := promptV.String()
	modelV, _ := payload.Value("model")
	model, _ := modelV.String()
	if model == "" {
		model = openai.GPT4oMini
	}

	client := openai.NewClient(apiKey)
	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm:complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm:complete: no choices returned")
	}

	out := flow.New()
	out.Set("text", value.String(resp.Choices[0].Message.Content), "")
	return out, nil
}

// httpRequestHandler is a minimal placeholder event facet, kept separate
// from llm:complete so the demo registry registers more than one facet
// name; it always fails since no outbound HTTP target is configured for
// the run/worker demo.
func httpRequestHandler(payload *flow.Attributes) (*flow.Attributes, error) {
	return nil, fmt.Errorf("http:request: not configured in the demo registry")
}

// demoLoader opens the flow directory configured via AGENTFLOW_FLOWS_DIR
// (default ./flows) for the worker command, which has no single flow to
// execute the way run does.
func demoLoader() ast.Loader {
	dir := os.Getenv("AGENTFLOW_FLOWS_DIR")
	if dir == "" {
		dir = "flows"
	}
	loader, err := ast.LoadStaticLoaderFromDir(dir)
	if err != nil {
		return ast.NewStaticLoader()
	}
	return loader
}
