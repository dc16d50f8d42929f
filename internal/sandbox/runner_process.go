package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/swarm/internal/model"
)

// ProcessRunner executes validated code as a plain OS process with a
// context-bound timeout, grounded in the teacher's PythonPlugin
// (orchestrator/plugins.go): a temp script file, os/exec, kill-on-cancel.
// Used for the "process" sandbox mode (sandbox-exec/seccomp+namespaces are
// the OS-level primitives this wraps; the isolation policy itself lives
// outside this process per spec §4.1).
type ProcessRunner struct {
	pythonPath string
	nodePath   string
}

// NewProcessRunner builds a ProcessRunner, resolving interpreter paths from
// the environment the way the teacher's plugin does (PYTHON_PATH, falling
// back to on-PATH binaries).
func NewProcessRunner() *ProcessRunner {
	pythonPath := os.Getenv("PYTHON_PATH")
	if pythonPath == "" {
		pythonPath = "python3"
	}
	nodePath := os.Getenv("NODE_PATH_BIN")
	if nodePath == "" {
		nodePath = "node"
	}
	return &ProcessRunner{pythonPath: pythonPath, nodePath: nodePath}
}

// Run writes code to a temp file and executes it, killing the process with
// SIGKILL on timeout (spec §4.1 "timeout kills the sandbox with SIGKILL").
func (r *ProcessRunner) Run(ctx context.Context, lang model.Language, code string, timeout time.Duration) (model.RunResult, error) {
	interpreter, ext := r.pythonPath, "py"
	if lang == model.LangJavascript {
		interpreter, ext = r.nodePath, "js"
	}

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("edgecoder_%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(scriptPath, []byte(code), 0o600); err != nil {
		return model.RunResult{}, fmt.Errorf("sandbox: write script: %w", err)
	}
	defer os.Remove(scriptPath)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interpreter, scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := model.RunResult{
		Language:   lang,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if runCtx.Err() != nil {
		result.OK = false
		result.ExitCode = 124
		result.QueueForCloud = true
		result.QueueReason = "timeout"
		return result, nil
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}
		result.OK = false
		return result, nil
	}

	result.OK = true
	result.ExitCode = 0
	return result, nil
}
