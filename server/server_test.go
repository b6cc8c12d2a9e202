package server_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/antJack/sofaload/server"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type ServerTestSuite struct{}

var _ = Suite(&ServerTestSuite{})

func (*ServerTestSuite) TestParseLatencyPercentiles(c *C) {
	dist, err := server.ParseLatencyPercentiles("50=10,99=100,999=200")
	c.Assert(err, IsNil)
	c.Assert(dist[500], Equals, int64(10))
	c.Assert(dist[990], Equals, int64(100))
	c.Assert(dist[999], Equals, int64(200))
	// Min and max are pinned.
	c.Assert(dist[0], Equals, int64(0))
	c.Assert(dist[1000], Equals, int64(200))
}

func (*ServerTestSuite) TestParseLatencyPercentilesRejectsNonMonotonic(c *C) {
	_, err := server.ParseLatencyPercentiles("50=100,99=10")
	c.Assert(err, NotNil)
}

func (*ServerTestSuite) TestParseLatencyPercentilesRejectsGarbage(c *C) {
	_, err := server.ParseLatencyPercentiles("oops")
	c.Assert(err, NotNil)

	_, err = server.ParseLatencyPercentiles("x=1")
	c.Assert(err, NotNil)
}

func (*ServerTestSuite) TestLatencyDistributionGet(c *C) {
	dist, err := server.ParseLatencyPercentiles("50=10,100=100")
	c.Assert(err, IsNil)

	c.Assert(dist.Get(0), Equals, int64(0))
	c.Assert(dist.Get(500), Equals, int64(10))
	c.Assert(dist.Get(1000), Equals, int64(100))
	// Linear interpolation between the 50th and 100th percentiles.
	c.Assert(dist.Get(750), Equals, int64(55))
	// Out-of-range rolls clamp.
	c.Assert(dist.Get(-5), Equals, int64(0))
	c.Assert(dist.Get(2000), Equals, int64(100))
}

func (*ServerTestSuite) TestEchoHandler(c *C) {
	srv := server.New(server.Config{})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader("payload"))
	handler(rec, req)
	c.Assert(rec.Code, Equals, 200)
	c.Assert(rec.Body.String(), Equals, "payload")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	handler(rec, req)
	c.Assert(rec.Code, Equals, 200)
	c.Assert(strings.Contains(rec.Body.String(), "echo server"), Equals, true)
}

func (*ServerTestSuite) TestErrorRate(c *C) {
	srv := server.New(server.Config{ErrorRate: 1})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	handler(rec, req)
	c.Assert(rec.Code, Equals, 500)
}
