package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antJack/sofaload/server"
)

var (
	serverAddr        string
	serverMetricAddr  string
	serverLatencyDist string
	serverErrorRate   float64
)

var serverCmd = &cobra.Command{
	Use:          "server",
	Short:        "run a local echo server to benchmark against",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		latency, err := server.ParseLatencyPercentiles(serverLatencyDist)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(server.Config{
			Addr:       serverAddr,
			MetricAddr: serverMetricAddr,
			Latency:    latency,
			ErrorRate:  serverErrorRate,
		})
		return srv.Run(ctx)
	},
}

func init() {
	RootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	flags.StringVar(&serverAddr, "address", "localhost:8080", "address to listen on")
	flags.StringVar(&serverMetricAddr, "metric-addr", "", "address to serve prometheus metrics on")
	flags.StringVar(&serverLatencyDist, "latency-distribution", "", "response latency percentile distribution in milliseconds (e.g. 50=10,99=100)")
	flags.Float64Var(&serverErrorRate, "error-rate", 0, "the chance to return a 500 response")
}
