package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const unixPathPrefix = "unix:"

// ParseBaseURI establishes scheme, host and port from the first URI.
// A unix: prefix selects a filesystem socket address.
func (c *Config) ParseBaseURI(uri string) error {
	if strings.HasPrefix(uri, unixPathPrefix) {
		c.BaseURI = uri
		c.UnixAddr = uri[len(unixPathPrefix):]
		c.Scheme = "http"
		c.Host = "localhost"
		return nil
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return errors.Errorf("invalid URI: %s", uri)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("invalid URI scheme: %s", u.Scheme)
	}

	c.Scheme = u.Scheme
	c.Host = u.Hostname()
	c.DefaultPort = 80
	if c.Scheme == "https" {
		c.DefaultPort = 443
	}
	c.Port = c.DefaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return errors.Errorf("invalid URI port: %s", p)
		}
		c.Port = n
	}
	c.BaseURI = uri
	return nil
}

func reqLine(u *url.URL) string {
	line := u.EscapedPath()
	if line == "" {
		line = "/"
	}
	if u.RawQuery != "" {
		line += "?" + u.RawQuery
	}
	return line
}

// ParseURIs consumes the URI arguments. The first URI defines scheme,
// host and port; subsequent URIs contribute only path and query, cycled
// per client.
func (c *Config) ParseURIs(uris []string) error {
	if len(uris) == 0 {
		return errors.New("no URI given")
	}

	if !c.HasBaseURI() {
		if err := c.ParseBaseURI(uris[0]); err != nil {
			return err
		}
	}

	if c.UnixAddr != "" {
		// A unix: target carries no path of its own.
		c.ReqLines = append(c.ReqLines, "/")
		return nil
	}

	for _, uri := range uris {
		u, err := url.Parse(uri)
		if err != nil {
			return errors.Errorf("invalid URI: %s", uri)
		}
		c.ReqLines = append(c.ReqLines, reqLine(u))
	}
	return nil
}

// ResolveHost builds the dial target list. All addresses returned by the
// resolver are kept so a client can fail over to the next one.
func (c *Config) ResolveHost() error {
	if c.UnixAddr != "" {
		c.Addrs = []Addr{{Network: "unix", Address: c.UnixAddr}}
		return nil
	}

	ips, err := net.LookupHost(c.Host)
	if err != nil {
		return errors.Wrap(err, "host lookup failed")
	}
	if len(ips) == 0 {
		return errors.New("no address returned")
	}
	port := strconv.Itoa(c.Port)
	for _, ip := range ips {
		c.Addrs = append(c.Addrs, Addr{Network: "tcp", Address: net.JoinHostPort(ip, port)})
	}
	return nil
}
