package worker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kestrelhq/baton/pkg/models"
)

// defaultMaxIterations caps the invoke/tool cycle for a single run.
const defaultMaxIterations = 25

// LLMWorker is a role-specialized worker backed by the reasoning engine.
// All roles share this implementation; they differ only in descriptor
// (tags, tool set, tier, temperature) and system prompt.
type LLMWorker struct {
	desc          models.WorkerDescriptor
	system        string
	invoker       Invoker
	tools         *ToolExecutor
	maxIterations int
}

// NewLLMWorker creates a worker for the given descriptor and system prompt.
// The tool executor may be nil for workers with an empty tool set.
func NewLLMWorker(desc models.WorkerDescriptor, system string, invoker Invoker, tools *ToolExecutor) *LLMWorker {
	return &LLMWorker{
		desc:          desc,
		system:        system,
		invoker:       invoker,
		tools:         tools,
		maxIterations: defaultMaxIterations,
	}
}

// Name returns the worker's registry name.
func (w *LLMWorker) Name() string { return w.desc.Name }

// Descriptor returns the worker's static metadata.
func (w *LLMWorker) Descriptor() models.WorkerDescriptor { return w.desc }

// Run executes the invoke/tool cycle until the model produces a final
// answer or the iteration cap is hit. Tool calls are resolved against the
// worker's declared tool set; undeclared tools are refused, not executed.
func (w *LLMWorker) Run(ctx context.Context, in Input) (*Output, error) {
	prompt := w.buildPrompt(in)

	inv := Invocation{
		System:      w.system,
		Prompt:      prompt,
		Tools:       w.desc.Tools,
		Tier:        w.desc.Tier,
		Temperature: w.desc.Temperature,
	}

	out := &Output{}
	history := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}

	for i := 0; i < w.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := w.invoker.Invoke(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("invoke %s: %w", w.desc.Name, err)
		}

		if len(resp.ToolCalls) == 0 {
			out.Text = resp.Text
			return out, nil
		}

		history = append(history, resp.Raw)

		var resultBlocks []anthropic.ContentBlockParamUnion
		for _, call := range resp.ToolCalls {
			result := w.runTool(ctx, call)
			if result.SideEffect != "" {
				out.SideEffects = append(out.SideEffects, result.SideEffect)
			}
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(call.ID, result.Content, result.IsError))
		}
		history = append(history, anthropic.NewUserMessage(resultBlocks...))

		inv.History = history
	}

	return nil, fmt.Errorf("worker %s exceeded %d iterations without a final answer", w.desc.Name, w.maxIterations)
}

// runTool resolves one tool call against the worker's declared capabilities
// and executes it.
func (w *LLMWorker) runTool(ctx context.Context, call ToolCall) ToolResult {
	if !w.desc.AllowsTool(call.Name) {
		log.Printf("[worker] %s requested undeclared tool %s, refusing", w.desc.Name, call.Name)
		return ToolResult{
			Content: fmt.Sprintf("Tool %s is not in this worker's declared tool set", call.Name),
			IsError: true,
		}
	}
	if w.tools == nil {
		return ToolResult{Content: "No tool executor configured", IsError: true}
	}
	return w.tools.Execute(ctx, call.Name, call.Input)
}

// buildPrompt assembles the user prompt from the goal and prior context.
func (w *LLMWorker) buildPrompt(in Input) string {
	if len(in.Context) == 0 {
		return in.Goal
	}

	var b strings.Builder
	b.WriteString("## Context from earlier steps\n")
	for _, c := range in.Context {
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\n## Task\n")
	b.WriteString(in.Goal)
	return b.String()
}
