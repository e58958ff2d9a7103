package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/datacollector"
	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/exec"
	"github.com/RedHatQE/openshift-go-utilities/pkg/mustgather"
)

func newMustGatherCmd(root *rootOptions) *cobra.Command {
	opts := mustgather.Options{}
	var collect bool

	cmd := &cobra.Command{
		Use:   "must-gather",
		Short: "Run oc adm must-gather",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kubeconfig = root.kubeconfig
			runner := exec.NewRunner(root.logger.WithField("command", "must-gather"), exec.VerifyStderr(false))

			stdout, err := mustgather.Run(cmd.Context(), root.logger, runner, &opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), stdout)

			if collect {
				cfg, err := datacollector.FromEnv()
				if err != nil {
					return err
				}
				return mustgather.CollectInto(cfg, opts.DestDir)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Image, "image", "", "must-gather plugin image, the cluster default when empty")
	cmd.Flags().StringVar(&opts.TargetBaseDir, "dest-dir", "", "base directory a timestamped output directory is created under")
	cmd.Flags().BoolVar(&opts.SkipTLSCheck, "skip-tls", false, "skip TLS verification")
	cmd.Flags().StringVar(&opts.Script, "script", "", "gather script run inside the plugin image")
	cmd.Flags().BoolVar(&collect, "collect", false, "copy the output into the data collector directory")
	return cmd
}
