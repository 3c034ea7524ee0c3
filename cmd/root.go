package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/objrepo/cmd/perf"
	"github.com/ValentinKolb/objrepo/cmd/unit"
	"github.com/ValentinKolb/objrepo/cmd/util"
	"github.com/ValentinKolb/objrepo/lib/common"
)

const (
	Version = "0.3.0"
)

var (
	logCloser io.Closer

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "orepo",
		Short: "persistent object repository tool",
		Long: fmt.Sprintf(`orepo (v%s)

Inspect, verify, compact and benchmark the units of a persistent object
repository. Every flag can also be set as environment variable OREPO_<flag>
(e.g. OREPO_DATA_DIR=/var/lib/objrepo), .env and .env.local are loaded.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setupLogging,
		PersistentPostRunE: closeLogging,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of orepo",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orepo v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	RootCmd.AddCommand(unit.UnitCommands)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	util.SetupLogFlags(RootCmd)
	util.SetupRepoFlags(RootCmd)
}

// setupLogging binds the flags of the executed command and installs the loggers
func setupLogging(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	closer, err := common.InitLoggers(util.GetLogConfig())
	if err != nil {
		return err
	}
	logCloser = closer
	return nil
}

func closeLogging(_ *cobra.Command, _ []string) error {
	if logCloser == nil {
		return nil
	}
	return logCloser.Close()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
