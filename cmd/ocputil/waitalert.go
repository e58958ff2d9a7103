package main

import (
	"time"

	prometheusv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/spf13/cobra"

	"github.com/RedHatQE/openshift-go-utilities/pkg/monitoring"
)

func newWaitAlertCmd(root *rootOptions) *cobra.Command {
	var (
		state   string
		timeout time.Duration
		skipTLS bool
	)

	cmd := &cobra.Command{
		Use:   "wait-alert ALERT",
		Short: "Wait for a monitoring alert to reach a state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := root.client()
			if err != nil {
				return err
			}

			options := []monitoring.Option{
				monitoring.WithRESTConfig(cli.RESTConfig()),
				monitoring.WithLogger(root.logger),
			}
			if skipTLS {
				options = append(options, monitoring.WithInsecureSkipVerify())
			}
			prometheus, err := monitoring.New(cmd.Context(), options...)
			if err != nil {
				return err
			}

			alerts, err := prometheus.WaitForAlertState(cmd.Context(), args[0], prometheusv1.AlertState(state), timeout)
			if err != nil {
				return err
			}
			root.logger.Infof("Alert %s reached state %s (%d matching)", args[0], state, len(alerts))
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", string(prometheusv1.AlertStateFiring), "alert state to wait for")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "wait timeout")
	cmd.Flags().BoolVar(&skipTLS, "skip-tls", false, "skip TLS verification on the Prometheus route")
	return cmd
}
