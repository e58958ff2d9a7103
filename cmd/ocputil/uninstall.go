package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/RedHatQE/openshift-go-utilities/pkg/operators"
)

func newUninstallCmd(root *rootOptions) *cobra.Command {
	var (
		name              string
		operatorNamespace string
		deleteCRDs        bool
		timeout           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall an operator",
		Long: "Delete the operator's subscription, operator group and namespaces and " +
			"wait for its CSV to be removed. Uninstalling an operator that was never " +
			"installed succeeds without doing anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := root.client()
			if err != nil {
				return err
			}
			collector, err := loadCollector(root)
			if err != nil {
				return err
			}

			options := []operators.Option{
				operators.WithLogger(root.logger),
				operators.WithTimeout(timeout),
			}
			if operatorNamespace != "" {
				options = append(options, operators.WithOperatorNamespace(operatorNamespace))
			}
			if deleteCRDs {
				options = append(options, operators.WithDeleteCRDs())
			}
			if collector != nil {
				options = append(options, operators.WithDataCollector(collector))
			}

			uninstaller, err := operators.NewUninstaller(cli.Controller(), name, options...)
			if err != nil {
				return err
			}
			return uninstaller.Uninstall(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "operator package name")
	cmd.Flags().StringVar(&operatorNamespace, "operator-namespace", "", "namespace the operator was installed into, defaults to the operator name")
	cmd.Flags().BoolVar(&deleteCRDs, "delete-crds", false, "also delete the CRDs owned by the operator's CSV")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "CSV removal timeout")
	return cmd
}
