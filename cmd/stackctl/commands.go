package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialsense/stack/internal/app/runtime"
	"github.com/socialsense/stack/internal/cli"
	"github.com/socialsense/stack/internal/compose"
	"github.com/socialsense/stack/internal/config"
	"github.com/socialsense/stack/internal/probe"
	"github.com/socialsense/stack/internal/retry"
)

func newRenderCmd() *cobra.Command {
	var (
		out         string
		interpolate bool
		params      = compose.DefaultParams()
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the canonical deployment descriptor",
		Long: `Render writes the canonical four-service descriptor: the application
built from the current directory on port 8000 plus PostgreSQL, Redis and
Cassandra, each on its own named volume. Credentials stay as ${VAR}
references unless --interpolate resolves them from the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := compose.Canonical(params)
			if err := desc.Validate(); err != nil {
				return err
			}
			if interpolate {
				var err error
				if desc, err = compose.Interpolate(desc, os.LookupEnv); err != nil {
					return err
				}
			}
			data, err := compose.Render(desc)
			if err != nil {
				return err
			}
			return writeFileOrStdout(cmd, out, data)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "", "output file (default stdout)")
	f.BoolVar(&interpolate, "interpolate", false, "resolve ${VAR} references from the environment")
	f.StringVar(&params.PostgresImage, "postgres-image", params.PostgresImage, "relational store image")
	f.StringVar(&params.RedisImage, "redis-image", params.RedisImage, "cache store image")
	f.StringVar(&params.CassandraImage, "cassandra-image", params.CassandraImage, "wide-column store image")
	f.StringVar(&params.EnvFile, "app-env-file", params.EnvFile, "env_file attached to the application service")
	f.IntVar(&params.AppPort, "app-port", params.AppPort, "published application port")
	return cmd
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the descriptor and report every violation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := compose.Load(opts.file)
			if err != nil {
				return err
			}
			if err := desc.Validate(); err != nil {
				var verr *compose.ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems {
						fmt.Fprintln(cmd.OutOrStdout(), cli.Colorize(cmd.OutOrStdout(), "✗ ", cli.ColorRed)+p)
					}
					return fmt.Errorf("%s: %d problem(s)", opts.file, len(verr.Problems))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d services, ok\n", opts.file, len(desc.Services))
			return nil
		},
	}
}

func newOrderCmd(opts *globalOptions) *cobra.Command {
	var waves bool
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the service startup order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := opts.loadDescriptor(cmd)
			if err != nil {
				return err
			}
			if !waves {
				order, err := desc.StartupOrder()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(order, "\n"))
				return nil
			}
			ws, err := desc.StartupWaves()
			if err != nil {
				return err
			}
			for i, w := range ws {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", i+1, strings.Join(w, " "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&waves, "waves", false, "group services that may start together")
	return cmd
}

type checkOptions struct {
	timeout  time.Duration
	interval time.Duration
	deep     bool
	asJSON   bool
	summary  string
}

// checkers returns the dependency checks and the backing waves. Deep checks
// open real clients on first use; the returned cleanup closes them.
func (o *globalOptions) checkers(cmd *cobra.Command, cfg *config.Config, deep bool) ([]probe.Checker, [][]string, func(), error) {
	desc, err := o.loadDescriptor(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	waves, err := runtime.BackingWaves(desc)
	if err != nil {
		return nil, nil, nil, err
	}
	set, err := runtime.StoreSettings(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if !deep {
		return runtime.TCPCheckers(desc, set, cfg.ProbeTimeout), waves, func() {}, nil
	}

	lazy, err := runtime.NewLazyStores(desc, set)
	if err != nil {
		return nil, nil, nil, err
	}
	return lazy.Checkers(), waves, func() { _ = lazy.Close() }, nil
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.envFile)
}

func newWaitCmd(opts *globalOptions) *cobra.Command {
	co := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for the backing stores in startup order",
		Long: `Wait reads the application contract from the environment and checks
the backing stores wave by wave, retrying with exponential backoff until each
is reachable, the retry budget (STARTUP_MAX_RETRIES) is spent or the timeout
expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), co.timeout)
			defer cancel()

			checks, waves, cleanup, err := opts.checkers(cmd, cfg, co.deep)
			if err != nil {
				return err
			}
			defer cleanup()

			reg := probe.NewRegistry()
			for _, c := range checks {
				if err := reg.Register(c); err != nil {
					return err
				}
			}

			log := opts.logger(cmd)
			rcfg := retry.DefaultConfig()
			rcfg.MaxRetries = cfg.StartupMaxRetries
			rcfg.InitialDelay = co.interval
			if rcfg.MaxDelay < co.interval {
				rcfg.MaxDelay = co.interval
			}
			h, err := retry.NewHandler(rcfg, log)
			if err != nil {
				return err
			}

			bar := cli.NewProgressBar(len(checks), "waiting").SetWriter(cmd.OutOrStdout())
			prober, err := probe.NewProber(reg, probe.Options{
				Timeout:  cfg.ProbeTimeout,
				Retry:    h,
				Logger:   log,
				Observer: bar.Observe,
			})
			if err != nil {
				return err
			}

			report, waitErr := prober.WaitInOrder(ctx, waves)
			bar.Finish()
			if err := cli.PrintReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return waitErr
		},
	}
	f := cmd.Flags()
	f.DurationVar(&co.timeout, "timeout", 10*time.Minute, "overall deadline")
	f.DurationVar(&co.interval, "interval", 5*time.Second, "initial retry delay, doubled per attempt")
	f.BoolVar(&co.deep, "deep", false, "authenticate with real clients instead of dialing ports")
	return cmd
}

func newProbeCmd(opts *globalOptions) *cobra.Command {
	co := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check every backing store once and print a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), co.timeout)
			defer cancel()

			checks, waves, cleanup, err := opts.checkers(cmd, cfg, co.deep)
			if err != nil {
				return err
			}
			defer cleanup()

			reg := probe.NewRegistry()
			for _, c := range checks {
				if err := reg.Register(c); err != nil {
					return err
				}
			}
			prober, err := probe.NewProber(reg, probe.Options{Timeout: cfg.ProbeTimeout, Logger: opts.logger(cmd)})
			if err != nil {
				return err
			}
			report := prober.Run(ctx)
			report.Waves = waves

			if co.summary != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(co.summary, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
			}
			if co.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if err := cli.PrintReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Ready() {
				return fmt.Errorf("dependencies not ready: %s", report.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&co.timeout, "timeout", 30*time.Second, "overall deadline")
	f.BoolVar(&co.deep, "deep", false, "authenticate with real clients instead of dialing ports")
	f.BoolVar(&co.asJSON, "json", false, "print the report as JSON")
	f.StringVar(&co.summary, "summary", "", "also write the JSON report to this file")
	return cmd
}
