// Package mustgather builds and runs `oc adm must-gather` invocations and
// files the gathered output with the data collector.
package mustgather

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/otiai10/copy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/datacollector"
	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/exec"
)

// Options select what must-gather runs and where its output lands.
type Options struct {
	// Image is the must-gather plugin image. The cluster default image is
	// used when empty.
	Image string

	// DestDir receives the gathered data. Run fills it in from
	// TargetBaseDir when empty.
	DestDir string

	// TargetBaseDir, when set, gets a timestamped dest dir created under
	// it for this run.
	TargetBaseDir string

	// Kubeconfig is an explicit kubeconfig path passed through to oc.
	Kubeconfig string

	// SkipTLSCheck disables TLS verification on the gather connection.
	SkipTLSCheck bool

	// Script is a gather script run inside the plugin image. It is always
	// the trailing argument.
	Script string
}

// Command returns the oc adm must-gather argv for the given options.
func Command(opts Options) []string {
	command := []string{"oc", "adm", "must-gather"}
	if opts.DestDir != "" {
		command = append(command, fmt.Sprintf("--dest-dir=%s", opts.DestDir))
	}
	if opts.Image != "" {
		command = append(command, fmt.Sprintf("--image=%s", opts.Image))
	}
	if opts.SkipTLSCheck {
		command = append(command, "--insecure-skip-tls-verify")
	}
	if opts.Kubeconfig != "" {
		command = append(command, "--kubeconfig", opts.Kubeconfig)
	}
	// The gather script must stay the last argument.
	if opts.Script != "" {
		command = append(command, "--", opts.Script)
	}
	return command
}

// Run executes must-gather through runner and returns its stdout. When a
// target base dir is given, a timestamped dest dir is created under it and
// recorded back into opts.DestDir for the caller.
func Run(ctx context.Context, logger *logrus.Logger, runner exec.Runner, opts *Options) (string, error) {
	if opts.DestDir == "" && opts.TargetBaseDir != "" {
		opts.DestDir = filepath.Join(opts.TargetBaseDir, fmt.Sprintf("must-gather-%s", time.Now().UTC().Format("20060102-150405")))
		if err := os.MkdirAll(opts.DestDir, 0755); err != nil {
			return "", errors.Wrapf(err, "creating must-gather dest dir %q", opts.DestDir)
		}
	}

	command := Command(*opts)
	logger.Infof("must-gather command: %v", command)

	stdout, _, err := runner.Run(ctx, command)
	if err != nil {
		return "", err
	}
	return stdout, nil
}

// CollectInto copies a finished must-gather tree into the data collector's
// base directory so it survives alongside the resource dumps.
func CollectInto(cfg datacollector.Config, destDir string) error {
	if !cfg.Enabled() {
		return nil
	}
	target := filepath.Join(cfg.BaseDirectory, filepath.Base(destDir))
	if err := copy.Copy(destDir, target); err != nil {
		return errors.Wrapf(err, "copying must-gather output into %q", target)
	}
	return nil
}
