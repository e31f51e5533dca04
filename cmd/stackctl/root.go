package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/socialsense/stack/internal/compose"
	"github.com/socialsense/stack/internal/logging"
)

const defaultDescriptor = "docker-compose.yml"

type globalOptions struct {
	file     string
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "stackctl",
		Short: "Manage the application stack descriptor and its dependencies",
		Long: `stackctl renders and validates the deployment descriptor of the
application stack, prints its startup order, and checks that the relational,
cache and wide-column stores are reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.file, "file", "f", defaultDescriptor, "deployment descriptor")
	flags.StringVar(&opts.envFile, "env-file", ".env", "environment file loaded before reading the contract")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRenderCmd(),
		newValidateCmd(opts),
		newOrderCmd(opts),
		newWaitCmd(opts),
		newProbeCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadDescriptor reads the descriptor file. A missing default file falls
// back to the canonical stack so stackctl works inside the app container.
func (o *globalOptions) loadDescriptor(cmd *cobra.Command) (*compose.Descriptor, error) {
	desc, err := compose.Load(o.file)
	if err == nil {
		return desc, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("file") {
		return compose.Canonical(compose.DefaultParams()), nil
	}
	return nil, err
}

func (o *globalOptions) logger(cmd *cobra.Command) *logging.Logger {
	log := logging.New("stackctl", o.logLevel, "text")
	log.SetOutput(cmd.ErrOrStderr())
	return log
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stackctl version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		},
	}
}

func writeFileOrStdout(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
