package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialsense/stack/internal/cli"
	"github.com/socialsense/stack/internal/httputil"
	"github.com/socialsense/stack/internal/retry"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		url     string
		asJSON  bool
		retries int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Read the dependency report from a running application container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rcfg := retry.DefaultConfig()
			rcfg.MaxRetries = retries
			rcfg.InitialDelay = time.Second
			rcfg.MaxDelay = 10 * time.Second
			h, err := retry.NewHandler(rcfg, opts.logger(cmd))
			if err != nil {
				return err
			}
			client := httputil.NewStatusClient(httputil.StatusClientConfig{BaseURL: url, Timeout: timeout, Retry: h})

			report, err := client.Ready(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if err := cli.PrintReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Ready() {
				return fmt.Errorf("application not ready: %s", report.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", httputil.DefaultBaseURL, "application base URL")
	f.BoolVar(&asJSON, "json", false, "print the report as JSON")
	f.IntVar(&retries, "retries", 3, "retries for unreachable or failing requests")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	return cmd
}
