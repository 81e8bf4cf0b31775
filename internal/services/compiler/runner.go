package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Command is one toolchain invocation.
type Command struct {
	Dir  string
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result carries the captured output of a finished command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes toolchain commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

// Run starts cmd and waits for it, killing it when ctx is done.
func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{}, errors.New("command name is required")
	}
	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	err := proc.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%s: %w", cmd, ctxErr)
		}
		return result, fmt.Errorf("%s: %w", cmd, err)
	}
	return result, nil
}

// splitCommand turns a configured command line into argv. Quoting is not
// supported; arguments are separated by whitespace.
func splitCommand(line string) []string {
	return strings.Fields(line)
}
