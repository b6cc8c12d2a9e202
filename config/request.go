package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http2/hpack"

	"github.com/antJack/sofaload/sofarpc"
)

// Version is stamped into the default user-agent.
const Version = "1.0.0"

var overridableHeaders = []string{":authority", ":host", ":method", ":scheme", "user-agent"}

// ParseHeaderArg splits a -H name:value argument.
func ParseHeaderArg(arg string) (Header, error) {
	// Skip a leading ':' so pseudo-headers can be overridden.
	sep := strings.Index(arg[1:], ":")
	if sep < 0 || (arg[0] == ':' && sep == 0) {
		return Header{}, errors.Errorf("-H: invalid header: %s", arg)
	}
	name := arg[:sep+1]
	value := strings.TrimLeft(arg[sep+2:], " \t")
	if value == "" {
		return Header{}, errors.Errorf("-H: invalid header - value missing: %s", arg)
	}
	return Header{Name: strings.ToLower(name), Value: value}, nil
}

// authority is host[:port], with the port omitted when it is the scheme
// default.
func (c *Config) authority() string {
	if c.Port != c.DefaultPort {
		return c.Host + ":" + strconv.Itoa(c.Port)
	}
	return c.Host
}

// BuildRequests precomputes the per-protocol request templates from the
// request lines and the shared header set.
func (c *Config) BuildRequests() {
	method := "GET"
	if c.Data != nil {
		method = "POST"
	}

	shared := []Header{
		{Name: ":scheme", Value: c.Scheme},
		{Name: ":authority", Value: c.authority()},
		{Name: ":method", Value: method},
		{Name: "user-agent", Value: "sofaload/" + Version},
	}

	for _, kv := range c.CustomHeaders {
		overridable := false
		for _, name := range overridableHeaders {
			if kv.Name == name {
				overridable = true
				break
			}
		}
		if overridable {
			for i := range shared {
				if shared[i].Name == kv.Name ||
					(shared[i].Name == ":authority" && kv.Name == ":host") {
					shared[i].Value = kv.Value
				}
			}
		} else {
			shared = append(shared, kv)
		}
	}

	contentLength := ""
	if c.Data != nil {
		contentLength = strconv.Itoa(len(c.Data))
	}
	for _, h := range shared {
		if h.Name == ":method" {
			method = h.Value
		}
	}

	sofaReq := sofarpc.EncodeRequest(c.SofaRPC)

	for _, line := range c.ReqLines {
		// HTTP/1.1 request text. Pseudo-headers other than :authority
		// (which becomes Host) are dropped.
		var b strings.Builder
		b.WriteString(method)
		b.WriteByte(' ')
		b.WriteString(line)
		b.WriteString(" HTTP/1.1\r\n")
		for _, h := range shared {
			if h.Name == ":authority" {
				b.WriteString("Host: ")
				b.WriteString(h.Value)
				b.WriteString("\r\n")
				continue
			}
			if strings.HasPrefix(h.Name, ":") {
				continue
			}
			b.WriteString(h.Name)
			b.WriteString(": ")
			b.WriteString(h.Value)
			b.WriteString("\r\n")
		}
		if contentLength != "" {
			b.WriteString("Content-Length: ")
			b.WriteString(contentLength)
			b.WriteString("\r\n")
		}
		b.WriteString("\r\n")
		c.H1Reqs = append(c.H1Reqs, b.String())

		// HTTP/2 header field list.
		fields := make([]hpack.HeaderField, 0, 2+len(shared))
		fields = append(fields, hpack.HeaderField{Name: ":path", Value: line})
		for _, h := range shared {
			fields = append(fields, hpack.HeaderField{Name: h.Name, Value: h.Value})
		}
		if contentLength != "" {
			fields = append(fields, hpack.HeaderField{Name: "content-length", Value: contentLength})
		}
		c.H2Fields = append(c.H2Fields, fields)

		// Bolt frame; the request id is stamped per submission.
		c.SofaReqs = append(c.SofaReqs, sofaReq)
	}
}
