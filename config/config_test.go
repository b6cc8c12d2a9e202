package config_test

import (
	"strings"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/antJack/sofaload/config"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type ConfigTestSuite struct{}

var _ = Suite(&ConfigTestSuite{})

func (*ConfigTestSuite) TestParseBaseURI(c *C) {
	cfg := config.New()
	err := cfg.ParseBaseURI("http://example.com:8080/index.html")
	c.Assert(err, IsNil)
	c.Assert(cfg.Scheme, Equals, "http")
	c.Assert(cfg.Host, Equals, "example.com")
	c.Assert(cfg.Port, Equals, 8080)
	c.Assert(cfg.DefaultPort, Equals, 80)
}

func (*ConfigTestSuite) TestParseBaseURIDefaultPorts(c *C) {
	cfg := config.New()
	c.Assert(cfg.ParseBaseURI("https://example.com/"), IsNil)
	c.Assert(cfg.Port, Equals, 443)

	cfg = config.New()
	c.Assert(cfg.ParseBaseURI("http://example.com"), IsNil)
	c.Assert(cfg.Port, Equals, 80)
}

func (*ConfigTestSuite) TestParseBaseURIRejectsGarbage(c *C) {
	cfg := config.New()
	c.Assert(cfg.ParseBaseURI("not a uri"), NotNil)
	c.Assert(cfg.ParseBaseURI("ftp://example.com/"), NotNil)
}

func (*ConfigTestSuite) TestParseURIsCyclesPaths(c *C) {
	cfg := config.New()
	err := cfg.ParseURIs([]string{
		"http://example.com/a",
		"http://ignored.example.org:9999/b?x=1",
	})
	c.Assert(err, IsNil)
	// The first URI fixes scheme/host/port; the second contributes only
	// path and query.
	c.Assert(cfg.Host, Equals, "example.com")
	c.Assert(cfg.ReqLines, DeepEquals, []string{"/a", "/b?x=1"})
}

func (*ConfigTestSuite) TestParseUnixURI(c *C) {
	cfg := config.New()
	err := cfg.ParseURIs([]string{"unix:/tmp/test.sock"})
	c.Assert(err, IsNil)
	c.Assert(cfg.UnixAddr, Equals, "/tmp/test.sock")
	c.Assert(cfg.ResolveHost(), IsNil)
	c.Assert(cfg.Addrs, HasLen, 1)
	c.Assert(cfg.Addrs[0].Network, Equals, "unix")
	c.Assert(cfg.Addrs[0].Address, Equals, "/tmp/test.sock")
}

func (*ConfigTestSuite) TestParseHeaderArg(c *C) {
	h, err := config.ParseHeaderArg("x-custom:  value")
	c.Assert(err, IsNil)
	c.Assert(h.Name, Equals, "x-custom")
	c.Assert(h.Value, Equals, "value")

	h, err = config.ParseHeaderArg(":authority:other.example.com")
	c.Assert(err, IsNil)
	c.Assert(h.Name, Equals, ":authority")
	c.Assert(h.Value, Equals, "other.example.com")

	_, err = config.ParseHeaderArg("novalue")
	c.Assert(err, NotNil)

	_, err = config.ParseHeaderArg("name:")
	c.Assert(err, NotNil)
}

func newBuiltConfig(mut func(*config.Config)) *config.Config {
	cfg := config.New()
	cfg.Scheme = "http"
	cfg.Host = "example.com"
	cfg.DefaultPort = 80
	cfg.Port = 80
	cfg.ReqLines = []string{"/"}
	if mut != nil {
		mut(cfg)
	}
	cfg.BuildRequests()
	return cfg
}

func (*ConfigTestSuite) TestBuildRequestsHTTP1(c *C) {
	cfg := newBuiltConfig(nil)
	c.Assert(cfg.H1Reqs, HasLen, 1)
	req := cfg.H1Reqs[0]
	c.Assert(strings.HasPrefix(req, "GET / HTTP/1.1\r\n"), Equals, true)
	c.Assert(strings.Contains(req, "Host: example.com\r\n"), Equals, true)
	c.Assert(strings.Contains(req, "user-agent: sofaload/"), Equals, true)
	c.Assert(strings.HasSuffix(req, "\r\n\r\n"), Equals, true)
	// No pseudo-headers leak into the h1 text.
	c.Assert(strings.Contains(req, ":scheme"), Equals, false)
}

func (*ConfigTestSuite) TestBuildRequestsNonDefaultPortAuthority(c *C) {
	cfg := newBuiltConfig(func(cfg *config.Config) {
		cfg.Port = 8080
	})
	c.Assert(strings.Contains(cfg.H1Reqs[0], "Host: example.com:8080\r\n"), Equals, true)
}

func (*ConfigTestSuite) TestBuildRequestsHeaderOverride(c *C) {
	cfg := newBuiltConfig(func(cfg *config.Config) {
		cfg.CustomHeaders = []config.Header{
			{Name: ":host", Value: "override.example.com"},
			{Name: "x-extra", Value: "yes"},
		}
	})
	// :host maps onto :authority.
	c.Assert(strings.Contains(cfg.H1Reqs[0], "Host: override.example.com\r\n"), Equals, true)
	c.Assert(strings.Contains(cfg.H1Reqs[0], "x-extra: yes\r\n"), Equals, true)

	fields := cfg.H2Fields[0]
	c.Assert(fields[0].Name, Equals, ":path")
	var authority string
	for _, f := range fields {
		if f.Name == ":authority" {
			authority = f.Value
		}
	}
	c.Assert(authority, Equals, "override.example.com")
}

func (*ConfigTestSuite) TestBuildRequestsWithBody(c *C) {
	cfg := newBuiltConfig(func(cfg *config.Config) {
		cfg.Data = []byte("hello")
	})
	c.Assert(strings.HasPrefix(cfg.H1Reqs[0], "POST / HTTP/1.1\r\n"), Equals, true)
	c.Assert(strings.Contains(cfg.H1Reqs[0], "Content-Length: 5\r\n"), Equals, true)

	var method, contentLength string
	for _, f := range cfg.H2Fields[0] {
		switch f.Name {
		case ":method":
			method = f.Value
		case "content-length":
			contentLength = f.Value
		}
	}
	c.Assert(method, Equals, "POST")
	c.Assert(contentLength, Equals, "5")
}

func (*ConfigTestSuite) TestValidate(c *C) {
	base := func() *config.Config {
		cfg := config.New()
		cfg.Host = "example.com"
		return cfg
	}

	cfg := base()
	c.Assert(cfg.Validate(), IsNil)

	cfg = base()
	cfg.NClients = 0
	c.Assert(cfg.Validate(), NotNil)

	cfg = base()
	cfg.MaxConcurrentStreams = 0
	c.Assert(cfg.Validate(), NotNil)

	cfg = base()
	cfg.NThreads = 0
	c.Assert(cfg.Validate(), NotNil)

	cfg = base()
	cfg.NReqs = 0
	c.Assert(cfg.Validate(), NotNil)

	cfg = base()
	cfg.QPS = 100
	c.Assert(cfg.Validate(), NotNil) // qps needs -D

	cfg = base()
	cfg.QPS = 100
	cfg.Rate = 10
	cfg.NClients = 10
	c.Assert(cfg.Validate(), NotNil) // qps and rate exclusive

	cfg = base()
	cfg.Duration = time.Second
	cfg.Rate = 1
	c.Assert(cfg.Validate(), NotNil) // duration and rate exclusive

	cfg = base()
	cfg.NClients = 1
	cfg.NThreads = 2
	c.Assert(cfg.Validate(), NotNil) // clients < threads

	cfg = base()
	cfg.Rate = 1
	cfg.NThreads = 2
	cfg.NClients = 4
	c.Assert(cfg.Validate(), NotNil) // rate < threads

	cfg = base()
	cfg.Rate = 8
	cfg.NClients = 4
	c.Assert(cfg.Validate(), NotNil) // rate > clients
}

func (*ConfigTestSuite) TestTotalRequests(c *C) {
	cfg := config.New()
	cfg.NReqs = 42
	c.Assert(cfg.TotalRequests(), Equals, int64(42))

	cfg.Duration = 10 * time.Second
	cfg.QPS = 100
	c.Assert(cfg.TotalRequests(), Equals, int64(1000))

	cfg.QPS = 0
	c.Assert(cfg.TotalRequests() > int64(1)<<60, Equals, true)
}

func (*ConfigTestSuite) TestParseDuration(c *C) {
	for input, want := range map[string]time.Duration{
		"10":    10 * time.Second,
		"1s":    time.Second,
		"500ms": 500 * time.Millisecond,
		"2m":    2 * time.Minute,
		"1h":    time.Hour,
		"0.5s":  500 * time.Millisecond,
	} {
		d, err := config.ParseDuration(input)
		c.Assert(err, IsNil)
		c.Assert(d, Equals, want, Commentf("input %q", input))
	}

	_, err := config.ParseDuration("abc")
	c.Assert(err, NotNil)
}

func (*ConfigTestSuite) TestParseSize(c *C) {
	for input, want := range map[string]int64{
		"4096": 4096,
		"4K":   4096,
		"2M":   2 << 20,
		"1G":   1 << 30,
	} {
		n, err := config.ParseSize(input)
		c.Assert(err, IsNil)
		c.Assert(n, Equals, want, Commentf("input %q", input))
	}

	_, err := config.ParseSize("x")
	c.Assert(err, NotNil)
}
