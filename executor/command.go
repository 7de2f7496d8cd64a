package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/getpup/pupsourcing/es"

	"github.com/getpup/stagecoord"
)

// CommandConfig configures a CommandRunner.
type CommandConfig struct {
	// Commands maps each stage to a shell command line. A stage without a
	// command fails with ErrStageNotRegistered.
	Commands map[stagecoord.Stage]string

	// Shell runs each command line (default: "sh").
	Shell string

	// Dir is the working directory of every command.
	Dir string

	// Env is appended to the current process environment.
	Env []string

	// Logger is an optional logger for observability.
	Logger es.Logger
}

// CommandRunner runs one external command per stage. The job record is
// written as JSON to the command's stdin and the updated record is read back
// from its stdout.
type CommandRunner struct {
	config CommandConfig
}

// Compile-time check that CommandRunner implements Runner.
var _ Runner = (*CommandRunner)(nil)

// NewCommandRunner creates a CommandRunner. It applies the default shell.
func NewCommandRunner(cfg CommandConfig) *CommandRunner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	return &CommandRunner{config: cfg}
}

// Run executes the stage command bounded by ctx. Each invocation also sees
// STAGECOORD_STAGE and STAGECOORD_JOB_INDEX in its environment.
func (r *CommandRunner) Run(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
	line := strings.TrimSpace(r.config.Commands[stage])
	if line == "" {
		return job, fmt.Errorf("%w: no command for %s", stagecoord.ErrStageNotRegistered, stage)
	}

	input, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("failed to encode job %d: %w", job.Index, err)
	}

	cmd := exec.CommandContext(ctx, r.config.Shell, "-c", line)
	cmd.Dir = r.config.Dir
	cmd.Env = append(os.Environ(), r.config.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("STAGECOORD_STAGE=%d", int(stage)),
		fmt.Sprintf("STAGECOORD_JOB_INDEX=%d", job.Index),
	)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if r.config.Logger != nil {
		r.config.Logger.Debug(ctx, "running stage command", "stage", stage.String(), "job", job.Index)
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		return job, fmt.Errorf("stage command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return job, nil
	}

	var out stagecoord.JobRecord
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return job, fmt.Errorf("failed to decode stage command output: %w", err)
	}
	out.Index = job.Index
	return out, nil
}
