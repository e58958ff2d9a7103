//go:generate go run github.com/golang/mock/mockgen -destination=./mock/runner.go -package=mock github.com/RedHatQE/openshift-go-utilities/pkg/lib/exec Runner
// Package exec runs local commands with captured output and uniform error
// reporting.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
)

// Runner executes a command and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, command []string) (stdout string, stderr string, err error)
}

type RunnerConfig struct {
	// VerifyStderr fails a zero-exit command that still wrote to stderr.
	VerifyStderr bool
}

type RunnerOption func(config *RunnerConfig)

// VerifyStderr toggles treating stderr output of a successful command as a
// failure. It is on by default.
func VerifyStderr(verify bool) RunnerOption {
	return func(config *RunnerConfig) {
		config.VerifyStderr = verify
	}
}

func (r *RunnerConfig) apply(options []RunnerOption) {
	for _, option := range options {
		option(r)
	}
}

type commandRunner struct {
	logger *logrus.Entry
	config *RunnerConfig
}

// NewRunner returns a Runner executing commands on the local host.
func NewRunner(logger *logrus.Entry, options ...RunnerOption) Runner {
	config := RunnerConfig{VerifyStderr: true}
	config.apply(options)
	return &commandRunner{
		logger: logger,
		config: &config,
	}
}

func (r *commandRunner) Run(ctx context.Context, command []string) (string, string, error) {
	if len(command) == 0 {
		return "", "", utilerrors.NewConfigError("empty command")
	}

	r.logger.Infof("running %s", strings.Join(command, " "))

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out, errOut := stdout.String(), stderr.String()
	if err != nil {
		r.logger.Errorf("failed to run %v, out: %s, error: %s", command, out, errOut)
		return out, errOut, utilerrors.NewCommandError(command, out, errOut, err)
	}
	if r.config.VerifyStderr && errOut != "" {
		r.logger.Errorf("command %v succeeded but wrote to stderr: %s", command, errOut)
		return out, errOut, utilerrors.NewCommandError(command, out, errOut, nil)
	}
	return out, errOut, nil
}
