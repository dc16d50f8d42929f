// Package sandbox implements the Executor + Subset Validator component
// (spec.md §4.1): a two-stage safety gate followed by sandboxed execution.
// The execution half is grounded in the teacher's orchestrator/plugins.go
// PythonPlugin (temp-script-file + os/exec + context-cancel kill); the
// validation half is new — the teacher never validates code before running
// it, which this spec closes.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/edgecoder/swarm/internal/model"
)

// Mode selects how the Executor isolates the child process.
type Mode string

const (
	ModeDocker  Mode = "docker"
	ModeProcess Mode = "process"
	ModeNone    Mode = "none"
)

// ErrSandboxPolicyViolation is returned when SANDBOX_REQUIRED is true and
// the resolved mode is ModeNone.
var ErrSandboxPolicyViolation = errors.New("sandbox: sandbox_policy_violation")

// Runner executes already-validated code in an isolated environment.
type Runner interface {
	Run(ctx context.Context, lang model.Language, code string, timeout time.Duration) (model.RunResult, error)
}

// Executor runs generated code through the Subset Validator, then through
// a Runner, returning a RunResult. It never runs code that fails
// validation (spec §8 "Subset soundness").
type Executor struct {
	validator       *Validator
	dockerRunner    Runner
	processRunner   Runner
	sandboxRequired bool
	mode            Mode
}

// NewExecutor builds an Executor. mode is the operator-requested sandbox
// mode; sandboxRequired enforces spec §4.1's policy that ModeNone is only
// permitted when SANDBOX_REQUIRED is false.
func NewExecutor(mode Mode, sandboxRequired bool, dockerRunner, processRunner Runner) *Executor {
	// NewDockerRunner returns a nil *DockerRunner when Docker is missing;
	// store that as a nil Runner so Run takes the process-mode fallback.
	if dr, ok := dockerRunner.(*DockerRunner); ok && dr == nil {
		dockerRunner = nil
	}
	return &Executor{
		validator:       NewValidator(),
		dockerRunner:    dockerRunner,
		processRunner:   processRunner,
		sandboxRequired: sandboxRequired,
		mode:            mode,
	}
}

// Run validates code, then executes it if safe. It never mutates the
// requested mode except for the documented docker-unavailable fallback.
func (e *Executor) Run(ctx context.Context, lang model.Language, code string, timeoutMs int64) (model.RunResult, error) {
	verdict := e.validator.Validate(lang, code)
	if !verdict.Safe {
		return model.RunResult{
			Language:      lang,
			OK:            false,
			QueueForCloud: true,
			QueueReason:   verdict.Reason,
		}, nil
	}

	mode := e.mode
	if mode == ModeNone && e.sandboxRequired {
		return model.RunResult{}, ErrSandboxPolicyViolation
	}

	runner := e.processRunner
	if mode == ModeDocker {
		if e.dockerRunner == nil {
			// Docker unavailable: fall back to process mode, only if policy
			// allows a non-docker sandbox at all (it does — process mode
			// still satisfies SANDBOX_REQUIRED).
			runner = e.processRunner
		} else {
			runner = e.dockerRunner
		}
	}
	if mode == ModeNone {
		runner = noopRunner{}
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	result, err := runner.Run(ctx, lang, code, timeout)
	if err != nil {
		return model.RunResult{}, err
	}
	return result, nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, lang model.Language, code string, timeout time.Duration) (model.RunResult, error) {
	return model.RunResult{Language: lang, OK: false, QueueForCloud: true, QueueReason: "sandbox_disabled"}, nil
}
