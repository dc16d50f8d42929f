// Package agentloop implements the Agent Retry Loop (spec.md §4.3): a
// single-threaded plan → code → execute → reflect state machine per
// subtask, bounded by maxIterations, with escalation on subset violation
// or exhaustion. Grounded in the reflect-on-failure loop in
// haricheung-agentic-shell/internal/roles/executor/executor.go and the
// bounded-retry bookkeeping in services/orchestrator/dag_engine.go.
package agentloop

import (
	"context"
	"strings"

	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/provider"
)

// CodeRunner executes code and returns a RunResult; satisfied by
// sandbox.Executor in production, faked in tests.
type CodeRunner interface {
	Run(ctx context.Context, lang model.Language, code string, timeoutMs int64) (model.RunResult, error)
}

// PromptBuilder derives the planning, coding, and reflection prompts. The
// loop is otherwise pure with respect to the provider (spec §4.3: "all
// randomness flows through the provider").
type PromptBuilder interface {
	Plan(task string) string
	Code(task, plan string, lang model.Language) string
	Reflect(task, previousCode, previousStderr string, lang model.Language) string
}

// Loop runs the plan/code/execute/reflect state machine for one subtask.
type Loop struct {
	providers     *provider.Registry
	runner        CodeRunner
	prompts       PromptBuilder
	maxIterations int
}

// New builds a Loop. maxIterations should be config.MaxIterationsInteractive
// or config.MaxIterationsWorker depending on the call site.
func New(providers *provider.Registry, runner CodeRunner, prompts PromptBuilder, maxIterations int) *Loop {
	return &Loop{providers: providers, runner: runner, prompts: prompts, maxIterations: maxIterations}
}

// Run executes the loop for task (natural-language prompt) in language
// lang with the given per-run timeout, returning the final AgentExecution.
func (l *Loop) Run(ctx context.Context, task string, lang model.Language, timeoutMs int64) model.AgentExecution {
	exec := model.AgentExecution{}

	var plan, code string
	var lastResult model.RunResult

	for i := 1; i <= l.maxIterations; i++ {
		if i == 1 {
			planResp := l.providers.Generate(ctx, l.prompts.Plan(task), provider.GenerateOptions{Temperature: 0.7})
			if planResp.Err != nil {
				plan = ""
			} else {
				plan = planResp.Text
			}
			codeResp := l.providers.Generate(ctx, l.prompts.Code(task, plan, lang), provider.GenerateOptions{Temperature: 0.2})
			code = extractCode(codeResp.Text)
		} else {
			reflectResp := l.providers.Generate(ctx, l.prompts.Reflect(task, code, lastResult.Stderr, lang), provider.GenerateOptions{Temperature: 0.2})
			code = extractCode(reflectResp.Text)
		}

		runResult, err := l.runner.Run(ctx, lang, code, timeoutMs)
		if err != nil {
			runResult = model.RunResult{Language: lang, OK: false, Stderr: err.Error()}
		}
		lastResult = runResult

		exec.History = append(exec.History, model.IterationRecord{
			Iteration: i,
			Plan:      plan,
			Code:      code,
			RunResult: runResult,
		})
		exec.Iterations = i
		exec.Plan = plan
		exec.GeneratedCode = code
		exec.RunResult = runResult

		if runResult.OK {
			exec.Escalated = false
			return exec
		}

		if runResult.QueueForCloud {
			// Subset rejection or hard timeout: never retried locally — the
			// same code would be re-rejected identically (spec §4.1, §4.3).
			exec.Escalated = true
			exec.EscalationReason = runResult.QueueReason
			return exec
		}
	}

	exec.Escalated = true
	exec.EscalationReason = "max_iterations_exhausted"
	return exec
}

// extractCode strips markdown code fences and surrounding whitespace from
// a raw LLM response (spec §4.3: "extract the code (strip markdown
// fences, trim)").
func extractCode(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
