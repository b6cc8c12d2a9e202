package cmd

import (
	"bufio"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/antJack/sofaload/config"
	"github.com/antJack/sofaload/loader"
)

var (
	runRequests          int64
	runClients           int
	runThreads           int
	runMaxStreams        int
	runProto             string
	runRate              int
	runRatePeriod        string
	runDuration          int
	runWarmUpTime        string
	runActiveTimeout     string
	runInactivityTimeout string
	runQPS               int
	runHeaders           []string
	runDataFile          string
	runH1                bool
	runHeaderTableSize   string
	runEncoderTableSize  string
	runNPNList           []string
	runInputFile         string
	runTimingScriptFile  string
	runMetricAddr        string
	runSofaClassName     string
	runSofaHeader        string
	runSofaTimeout       uint32
)

var runCmd = &cobra.Command{
	Use:   "run [flags] URI...",
	Short: "run the load test",
	Long: `Run the load test against one or more URIs.

Multiple URIs can be specified. URIs are used in this order for each
client. The scheme, host and port in the subsequent URIs, if present,
are ignored; those in the first URI are used solely. A unix:/path URI
targets a filesystem socket.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd, args)
		if err != nil {
			return err
		}

		res, err := loader.Run(cfg)
		if err != nil {
			return err
		}
		loader.Report(os.Stdout, cfg, res)
		return nil
	},
}

func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.New()

	// The SOFALOAD_ environment supplies defaults; explicit flags win.
	flags := cmd.Flags()
	if flags.Changed("requests") {
		cfg.NReqs = runRequests
	}
	if flags.Changed("clients") {
		cfg.NClients = runClients
	}
	if flags.Changed("threads") {
		cfg.NThreads = runThreads
	}
	if flags.Changed("max-concurrent-streams") {
		cfg.MaxConcurrentStreams = runMaxStreams
	}
	cfg.Rate = runRate
	cfg.QPS = runQPS
	cfg.Verbose = verbose
	cfg.MetricAddr = runMetricAddr
	cfg.Duration = time.Duration(runDuration) * time.Second
	cfg.NPNList = runNPNList

	var err error
	if cfg.NoTLSProto, err = config.ParseProtocol(runProto); err != nil {
		return nil, err
	}
	if cfg.RatePeriod, err = config.ParseDuration(runRatePeriod); err != nil {
		return nil, errors.Wrap(err, "--rate-period")
	}
	if runWarmUpTime != "" {
		if cfg.WarmUpTime, err = config.ParseDuration(runWarmUpTime); err != nil {
			return nil, errors.Wrap(err, "--warm-up-time")
		}
	}
	if runActiveTimeout != "" {
		if cfg.ConnActiveTimeout, err = config.ParseDuration(runActiveTimeout); err != nil {
			return nil, errors.Wrap(err, "-T")
		}
	}
	if runInactivityTimeout != "" {
		if cfg.ConnInactivityTimeout, err = config.ParseDuration(runInactivityTimeout); err != nil {
			return nil, errors.Wrap(err, "-N")
		}
	}
	if size, err := config.ParseSize(runHeaderTableSize); err != nil {
		return nil, errors.Wrap(err, "--header-table-size")
	} else {
		cfg.HeaderTableSize = uint32(size)
	}
	if size, err := config.ParseSize(runEncoderTableSize); err != nil {
		return nil, errors.Wrap(err, "--encoder-header-table-size")
	} else {
		cfg.EncoderHeaderTableSize = uint32(size)
	}

	for _, arg := range runHeaders {
		h, err := config.ParseHeaderArg(arg)
		if err != nil {
			return nil, err
		}
		cfg.CustomHeaders = append(cfg.CustomHeaders, h)
	}

	if runDataFile != "" {
		if err := cfg.LoadData(runDataFile); err != nil {
			return nil, err
		}
	}

	if runH1 {
		// Force HTTP/1.1 for both http and https URIs.
		cfg.NPNList = []string{"http/1.1"}
		cfg.NoTLSProto = config.ProtoHTTP1
	}
	if len(cfg.NPNList) == 0 {
		cfg.NPNList = config.DefaultNPNList
	}

	if runTimingScriptFile != "" {
		timings, err := readTimingScript(runTimingScriptFile)
		if err != nil {
			return nil, err
		}
		cfg.Timings = timings
	}

	cfg.SofaRPC.ClassName = runSofaClassName
	cfg.SofaRPC.Header = runSofaHeader
	cfg.SofaRPC.TimeoutMillis = runSofaTimeout

	uris := args
	if runInputFile != "" {
		fileURIs, err := readURIFile(runInputFile)
		if err != nil {
			return nil, err
		}
		uris = fileURIs
	}
	if len(uris) == 0 {
		return nil, errors.New("no URI or input file given")
	}
	if err := cfg.ParseURIs(uris); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.ResolveHost(); err != nil {
		return nil, err
	}
	cfg.BuildRequests()
	return cfg, nil
}

func readURIFile(path string) ([]string, error) {
	var f *os.File
	var err error
	if path == "-" {
		f = os.Stdin
	} else {
		f, err = os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read input file: %s", path)
		}
		defer f.Close()
	}

	var uris []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			uris = append(uris, line)
		}
	}
	return uris, scanner.Err()
}

// readTimingScript reads one fractional-second offset per line; the
// deltas between consecutive offsets pace each client's submissions.
func readTimingScript(path string) ([]time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read timing script file: %s", path)
	}
	defer f.Close()

	var timings []time.Duration
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		secs, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad timing value: %s", line)
		}
		timings = append(timings, time.Duration(secs*float64(time.Second)))
	}
	return timings, scanner.Err()
}

func init() {
	RootCmd.AddCommand(runCmd)
	flags := runCmd.Flags()
	flags.Int64VarP(&runRequests, "requests", "n", 1, "number of requests across all clients; ignored with --duration")
	flags.IntVarP(&runClients, "clients", "c", 1, "number of concurrent clients")
	flags.IntVarP(&runThreads, "threads", "t", 1, "number of worker threads")
	flags.IntVarP(&runMaxStreams, "max-concurrent-streams", "m", 1, "max concurrent streams per session; pipelining depth for http/1.1")
	flags.StringVarP(&runProto, "no-tls-proto", "p", "h2c", "protocol used on cleartext connections: h2c, http/1.1 or sofarpc")
	flags.IntVarP(&runRate, "rate", "r", 0, "number of connections created per rate period; 0 disables rate mode")
	flags.StringVar(&runRatePeriod, "rate-period", "1s", "time period between creating connections")
	flags.IntVarP(&runDuration, "duration", "D", 0, "main duration in seconds for timing-based benchmarking")
	flags.StringVar(&runWarmUpTime, "warm-up-time", "", "warm-up period before measurements start; needs --duration")
	flags.StringVarP(&runActiveTimeout, "connection-active-timeout", "T", "", "maximum time to keep a connection open")
	flags.StringVarP(&runInactivityTimeout, "connection-inactivity-timeout", "N", "", "maximum time to wait for activity on a connection")
	flags.IntVar(&runQPS, "qps", 0, "request rate per second across all clients; needs --duration")
	flags.StringArrayVarP(&runHeaders, "header", "H", nil, "add/override a header, name:value")
	flags.StringVarP(&runDataFile, "data", "d", "", "POST the file's contents; changes the request method to POST")
	flags.BoolVar(&runH1, "h1", false, "force http/1.1 for both http and https URIs")
	flags.StringVar(&runHeaderTableSize, "header-table-size", "4K", "decoder header table size")
	flags.StringVar(&runEncoderTableSize, "encoder-header-table-size", "4K", "encoder header table size")
	flags.StringSliceVar(&runNPNList, "npn-list", nil, "ALPN identifiers offered during the TLS handshake")
	flags.StringVarP(&runInputFile, "input-file", "i", "", "read URIs from a file, one per line; - means stdin")
	flags.StringVar(&runTimingScriptFile, "timing-script-file", "", "pace each client's submissions by the offsets in this file")
	flags.StringVar(&runMetricAddr, "metric-addr", "", "address to serve prometheus metrics on")
	flags.StringVar(&runSofaClassName, "sofarpc-class-name", "com.alipay.sofa.rpc.core.request.SofaRequest", "request class name for the sofarpc protocol")
	flags.StringVar(&runSofaHeader, "sofarpc-header", "service:com.alipay.test.TestService:1.0", "request header for the sofarpc protocol, key:value")
	flags.Uint32Var(&runSofaTimeout, "sofarpc-timeout", 5000, "per-request timeout in milliseconds stamped into sofarpc frames")
}
