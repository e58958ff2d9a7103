package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	utilversion "github.com/RedHatQE/openshift-go-utilities/pkg/version"
	"github.com/RedHatQE/openshift-go-utilities/pkg/versions"
)

func newVersionsCmd(root *rootOptions) *cobra.Command {
	var (
		baseURL string
		channel string
	)

	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List accepted cluster versions from the release controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			accepted, err := versions.Accepted(cmd.Context(),
				versions.WithBaseURL(baseURL),
				versions.WithLogger(root.logger),
			)
			if err != nil {
				return err
			}

			channels := make([]string, 0, len(accepted))
			for name := range accepted {
				if channel != "" && name != channel {
					continue
				}
				channels = append(channels, name)
			}
			sort.Strings(channels)

			for _, name := range channels {
				bases := make([]string, 0, len(accepted[name]))
				for base := range accepted[name] {
					bases = append(bases, base)
				}
				sort.Strings(bases)
				for _, base := range bases {
					for _, version := range accepted[name][base] {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", name, base, version)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", versions.DefaultBaseURL, "release controller URL")
	cmd.Flags().StringVar(&channel, "channel", "", "only list versions of this channel")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ocputil version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), utilversion.String())
		},
	}
}
