package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "1.0.0"

var verbose bool

var RootCmd = &cobra.Command{
	Use:     "sofaload [run | server]",
	Short:   "A load tester for HTTP/2, HTTP/1.1 and SOFA-RPC servers.",
	Version: Version,
	Long: `A load tester for HTTP/2, HTTP/1.1 and SOFA-RPC servers.

sofaload drives high connection and request concurrency against a
target endpoint and reports latency, throughput and status-code
statistics.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetOutput(os.Stderr)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "output debug information")
}

// Execute runs the root command and exits with status 1 on error.
// Subcommands are attached to RootCmd by their init functions.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
