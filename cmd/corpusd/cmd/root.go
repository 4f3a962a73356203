// Package cmd provides the CLI commands for corpusd.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Zykairotis/corpusd/internal/profiling"
	"github.com/Zykairotis/corpusd/pkg/version"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	serverAddr string

	profileCPU   string
	profileMem   string
	profileTrace string

	cpuStop   func()
	traceStop func()
}

// NewRootCmd creates the root command for the corpusd CLI.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "corpusd",
		Short: "Multi-tenant context retrieval service",
		Long: `corpusd indexes GitHub repositories and web documentation into
per-project vector collections and answers hybrid dense+sparse queries
over them.

Run 'corpusd serve' to start the service, then submit ingestion jobs
and queries through the HTTP API or the 'ingest' and 'query' commands.`,
		Version:      version.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("corpusd version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a YAML config file (env vars take precedence)")
	cmd.PersistentFlags().StringVar(&flags.serverAddr, "server", "http://127.0.0.1:8765", "Base URL of a running corpusd server")

	cmd.PersistentFlags().StringVar(&flags.profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&flags.profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&flags.profileTrace, "profile-trace", "", "Write execution trace to file")
	cmd.PersistentPreRunE = flags.startProfiling
	cmd.PersistentPostRunE = flags.stopProfiling

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newMigrateCmd(flags))
	cmd.AddCommand(newIngestCmd(flags))
	cmd.AddCommand(newQueryCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfiling begins CPU and trace profiling when the flags are set.
func (f *rootFlags) startProfiling(_ *cobra.Command, _ []string) error {
	var err error
	if f.profileCPU != "" {
		if f.cpuStop, err = profiling.StartCPU(f.profileCPU); err != nil {
			return err
		}
	}
	if f.profileTrace != "" {
		if f.traceStop, err = profiling.StartTrace(f.profileTrace); err != nil {
			if f.cpuStop != nil {
				f.cpuStop()
			}
			return err
		}
	}
	return nil
}

// stopProfiling flushes the profiles started by startProfiling and
// snapshots the heap when requested.
func (f *rootFlags) stopProfiling(_ *cobra.Command, _ []string) error {
	if f.cpuStop != nil {
		f.cpuStop()
		f.cpuStop = nil
	}
	if f.traceStop != nil {
		f.traceStop()
		f.traceStop = nil
	}
	if f.profileMem != "" {
		return profiling.WriteHeap(f.profileMem)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
