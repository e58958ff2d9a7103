package main

import (
	goflag "flag"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/RedHatQE/openshift-go-utilities/pkg/client"
)

type rootOptions struct {
	kubeconfig  string
	contextName string
	debug       bool

	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logger: logrus.New()}

	cmd := &cobra.Command{
		Use:   "ocputil",
		Short: "OpenShift cluster utilities",
		Long:  "CLI to install and uninstall operators, gather diagnostics and wait on cluster monitoring",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				opts.logger.SetLevel(logrus.DebugLevel)
			}
			redirectKlog(opts.logger)
		},
		SilenceUsage: true,
	}

	opts.addConnectionFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newInstallCmd(opts),
		newUninstallCmd(opts),
		newMustGatherCmd(opts),
		newWaitAlertCmd(opts),
		newVersionsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) addConnectionFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.kubeconfig, "kubeconfig", "", "path to the kubeconfig, defaults to the standard loading rules")
	flags.StringVar(&o.contextName, "context", "", "kubeconfig context to use instead of the current one")
	flags.BoolVar(&o.debug, "debug", false, "enable debug logging")
}

// client builds the cluster client from the persistent connection flags.
func (o *rootOptions) client() (*client.Client, error) {
	options := []client.Option{client.WithLogger(o.logger)}
	if o.kubeconfig != "" {
		options = append(options, client.WithKubeconfig(o.kubeconfig))
	}
	if o.contextName != "" {
		options = append(options, client.WithContext(o.contextName))
	}
	return client.New(options...)
}

// redirectKlog routes client-go's klog output through the CLI logger so it
// obeys the same level configuration.
func redirectKlog(logger *logrus.Logger) {
	flags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(flags)
	_ = flags.Set("logtostderr", "false")
	_ = flags.Set("stderrthreshold", "FATAL")
	klog.SetOutput(logger.WriterLevel(logrus.DebugLevel))
}
