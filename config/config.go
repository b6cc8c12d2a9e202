// Package config holds the immutable run configuration: target, pacing
// mode, request templates and limits. Everything here is computed before
// workers start and never mutated afterwards.
package config

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/net/http2/hpack"

	"github.com/antJack/sofaload/sofarpc"
)

// Protocol selects the session adapter used on cleartext connections.
type Protocol int

const (
	ProtoHTTP2 Protocol = iota
	ProtoHTTP1
	ProtoSofaRPC
)

func (p Protocol) String() string {
	switch p {
	case ProtoHTTP2:
		return "h2c"
	case ProtoHTTP1:
		return "http/1.1"
	case ProtoSofaRPC:
		return "sofarpc"
	}
	return "unknown"
}

// ParseProtocol maps a -p argument onto a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "h2c", "h2":
		return ProtoHTTP2, nil
	case "http/1.1":
		return ProtoHTTP1, nil
	case "sofarpc":
		return ProtoSofaRPC, nil
	}
	return 0, errors.Errorf("unsupported protocol %s", s)
}

// Addr is one resolved dial target.
type Addr struct {
	Network string // "tcp" or "unix"
	Address string
}

// Header is a request header name/value pair.
type Header struct {
	Name  string
	Value string
}

// Config is the immutable run configuration.
type Config struct {
	Scheme      string
	Host        string
	Port        int
	DefaultPort int
	BaseURI     string
	UnixAddr    string // filesystem socket path when the base URI is unix:
	Addrs       []Addr

	NReqs                int64
	NClients             int
	NThreads             int
	MaxConcurrentStreams int

	Rate       int
	RatePeriod time.Duration

	Duration   time.Duration
	WarmUpTime time.Duration

	ConnActiveTimeout       time.Duration
	ConnInactivityTimeout   time.Duration
	NoTLSProto              Protocol
	NPNList                 []string
	HeaderTableSize         uint32
	EncoderHeaderTableSize  uint32
	QPS                     int
	CustomHeaders           []Header
	Data                    []byte
	DataPath                string
	Timings                 []time.Duration
	Verbose                 bool
	MetricAddr              string

	// Request templates, one per request line, cycled per client.
	ReqLines []string
	H1Reqs   []string
	H2Fields [][]hpack.HeaderField
	SofaReqs [][]byte

	SofaRPC sofarpc.Options
}

// Default NPN/ALPN identifiers offered during the TLS handshake.
var DefaultNPNList = []string{"h2", "h2-16", "h2-14", "http/1.1"}

// New returns a Config with the reference defaults, with the
// SOFALOAD_-prefixed environment applied on top.
func New() *Config {
	v := viper.New()
	v.SetEnvPrefix("sofaload")
	v.AutomaticEnv()
	v.SetDefault("requests", 1)
	v.SetDefault("clients", 1)
	v.SetDefault("threads", 1)
	v.SetDefault("max-concurrent-streams", 1)

	return &Config{
		NReqs:                  int64(v.GetInt("requests")),
		NClients:               v.GetInt("clients"),
		NThreads:               v.GetInt("threads"),
		MaxConcurrentStreams:   v.GetInt("max-concurrent-streams"),
		RatePeriod:             time.Second,
		HeaderTableSize:        4096,
		EncoderHeaderTableSize: 4096,
		NoTLSProto:             ProtoHTTP2,
		SofaRPC:                sofarpc.DefaultOptions(),
	}
}

// IsQPSMode reports whether request submission is paced by --qps.
func (c *Config) IsQPSMode() bool { return c.QPS != 0 }

// IsRateMode reports whether connections are opened at a fixed rate.
func (c *Config) IsRateMode() bool { return c.Rate != 0 }

// IsTimingBasedMode reports whether the run is bounded by -D.
func (c *Config) IsTimingBasedMode() bool { return c.Duration > 0 }

// HasBaseURI reports whether a base URI has been established.
func (c *Config) HasBaseURI() bool { return c.BaseURI != "" }

// TotalRequests is the value loaded into the global remaining-request
// counter before workers start.
func (c *Config) TotalRequests() int64 {
	if c.IsTimingBasedMode() {
		if c.IsQPSMode() {
			return int64(c.Duration/time.Second) * int64(c.QPS)
		}
		return math.MaxInt64
	}
	return c.NReqs
}

// LoadData reads the POST body file.
func (c *Config) LoadData(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "-d: could not open file %s", path)
	}
	c.Data = data
	c.DataPath = path
	return nil
}

// Validate enforces the flag constraints. A non-nil error means the
// program must exit non-zero before any connection is attempted.
func (c *Config) Validate() error {
	if c.NClients == 0 {
		return errors.New("-c: the number of clients must be strictly greater than 0")
	}
	if c.MaxConcurrentStreams == 0 {
		return errors.New("-m: the max concurrent streams must be strictly greater than 0")
	}
	if c.NThreads == 0 {
		return errors.New("-t: the number of threads must be strictly greater than 0")
	}
	if c.IsQPSMode() && c.IsRateMode() {
		return errors.New("-r, --qps: they are mutually exclusive")
	}
	if c.IsQPSMode() && !c.IsTimingBasedMode() {
		return errors.New("--qps: duration (-D) must be positive in qps mode")
	}
	if c.IsTimingBasedMode() && c.IsRateMode() {
		return errors.New("-r, -D: they are mutually exclusive")
	}
	if c.NReqs == 0 && !c.IsTimingBasedMode() {
		return errors.New("-n: the number of requests must be strictly greater than 0 if timing-based test is not being run")
	}
	if c.NClients < c.NThreads && !c.IsQPSMode() {
		return errors.New("-c, -t: the number of clients must be greater than or equal to the number of threads")
	}
	if c.IsRateMode() {
		if c.Rate < c.NThreads {
			return errors.New("-r, -t: the connection rate must be greater than or equal to the number of threads")
		}
		if c.Rate > c.NClients {
			return errors.New("-r, -c: the connection rate must be smaller than or equal to the number of clients")
		}
	}
	// Don't DOS a public server.
	if c.Host == "nghttp2.org" {
		return errors.Errorf("using sofaload against public server %s should be prohibited", c.Host)
	}
	return nil
}
