package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	yamlv2 "gopkg.in/yaml.v2"

	"github.com/RedHatQE/openshift-go-utilities/pkg/lib/datacollector"
	"github.com/RedHatQE/openshift-go-utilities/pkg/operators"
)

// installParams describes one operator installation, either from flags or
// from an entry in a params file.
type installParams struct {
	Name              string   `yaml:"name"`
	Channel           string   `yaml:"channel"`
	Source            string   `yaml:"source"`
	OperatorNamespace string   `yaml:"operator-namespace"`
	TargetNamespaces  []string `yaml:"target-namespaces"`
	IndexImage        string   `yaml:"index-image"`
	RegistryToken     string   `yaml:"registry-token"`
}

type installParamsFile struct {
	Operators []installParams `yaml:"operators"`
}

func newInstallCmd(root *rootOptions) *cobra.Command {
	var (
		params     installParams
		paramsFile string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install one or more operators",
		Long: "Install an operator described by flags, or several operators described " +
			"by a params file, concurrently. Each install provisions the namespace, " +
			"operator group and subscription and waits for the CSV to succeed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			installs := []installParams{params}
			if paramsFile != "" {
				fromFile, err := readParamsFile(paramsFile)
				if err != nil {
					return err
				}
				installs = fromFile
			}
			if len(installs) == 0 {
				return errors.New("nothing to install")
			}

			cli, err := root.client()
			if err != nil {
				return err
			}
			collector, err := loadCollector(root)
			if err != nil {
				return err
			}

			group, ctx := errgroup.WithContext(cmd.Context())
			for _, install := range installs {
				install := install
				group.Go(func() error {
					options := []operators.Option{
						operators.WithLogger(root.logger),
						operators.WithTimeout(timeout),
					}
					if install.Source != "" {
						options = append(options, operators.WithCatalogSource(install.Source))
					}
					if install.OperatorNamespace != "" {
						options = append(options, operators.WithOperatorNamespace(install.OperatorNamespace))
					}
					if len(install.TargetNamespaces) > 0 {
						options = append(options, operators.WithTargetNamespaces(install.TargetNamespaces...))
					}
					if install.IndexImage != "" {
						options = append(options, operators.WithIndexImage(install.IndexImage))
					}
					if install.RegistryToken != "" {
						options = append(options, operators.WithRegistryToken(install.RegistryToken))
					}
					if collector != nil {
						options = append(options, operators.WithDataCollector(collector))
					}

					installer, err := operators.NewInstaller(cli.Controller(), install.Name, install.Channel, options...)
					if err != nil {
						return err
					}
					_, err = installer.Install(ctx)
					return err
				})
			}
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&params.Name, "name", "", "operator package name")
	cmd.Flags().StringVar(&params.Channel, "channel", "", "subscription channel")
	cmd.Flags().StringVar(&params.Source, "source", "", "existing catalog source to subscribe to")
	cmd.Flags().StringVar(&params.OperatorNamespace, "operator-namespace", "", "namespace the operator is installed into, defaults to the operator name")
	cmd.Flags().StringSliceVar(&params.TargetNamespaces, "target-namespaces", nil, "namespaces the operator manages")
	cmd.Flags().StringVar(&params.IndexImage, "index-image", "", "index image to provision a catalog source from")
	cmd.Flags().StringVar(&params.RegistryToken, "registry-token", "", "registry credential for the index image mirror")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "YAML file listing operators to install, overrides the per-operator flags")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "install plan execution timeout per operator")
	return cmd
}

func readParamsFile(path string) ([]installParams, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading params file %q", path)
	}
	var file installParamsFile
	if err := yamlv2.Unmarshal(content, &file); err != nil {
		return nil, errors.Wrapf(err, "parsing params file %q", path)
	}
	return file.Operators, nil
}

// loadCollector builds the data collector from the process-wide config, or
// nil when collection is not configured.
func loadCollector(root *rootOptions) (*datacollector.Collector, error) {
	cfg, err := datacollector.FromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	collector := datacollector.New(cfg)
	collector.Logger = root.logger
	return collector, nil
}
