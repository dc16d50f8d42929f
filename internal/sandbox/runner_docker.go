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

// DockerRunner executes validated code inside a locked-down container:
// no network, read-only filesystem, bounded memory/CPU/pids, auto-removed
// on exit (spec §4.1 "docker" mode). This is the default for swarm workers.
type DockerRunner struct {
	dockerBin string
}

// NewDockerRunner builds a DockerRunner if the docker binary is on PATH;
// returns nil when Docker is unavailable so the Executor can fall back to
// process mode per spec policy.
func NewDockerRunner() *DockerRunner {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil
	}
	return &DockerRunner{dockerBin: "docker"}
}

func (r *DockerRunner) image(lang model.Language) string {
	if lang == model.LangJavascript {
		return "node:20-slim"
	}
	return "python:3.12-slim"
}

func (r *DockerRunner) Run(ctx context.Context, lang model.Language, code string, timeout time.Duration) (model.RunResult, error) {
	workDir, err := os.MkdirTemp("", "edgecoder-sandbox-")
	if err != nil {
		return model.RunResult{}, fmt.Errorf("sandbox: mkdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	ext := "py"
	entry := []string{"python3", "/work/script.py"}
	if lang == model.LangJavascript {
		ext = "js"
		entry = []string{"node", "/work/script.js"}
	}
	scriptPath := filepath.Join(workDir, "script."+ext)
	if err := os.WriteFile(scriptPath, []byte(code), 0o600); err != nil {
		return model.RunResult{}, fmt.Errorf("sandbox: write script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName := "edgecoder-" + uuid.NewString()
	args := []string{
		"run", "--rm",
		"--name", containerName,
		"--network=none",
		"--read-only",
		"--memory=256m",
		"--cpus=0.5",
		"--pids-limit=50",
		"-v", workDir + ":/work:ro",
		r.image(lang),
	}
	args = append(args, entry...)

	cmd := exec.CommandContext(runCtx, r.dockerBin, args...)
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
		// Best effort: make sure the auto-remove container doesn't linger
		// past the SIGKILL deadline.
		_ = exec.Command(r.dockerBin, "kill", containerName).Run()
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
		return result, nil
	}

	result.OK = true
	result.ExitCode = 0
	return result, nil
}
