package loader

import (
	"strings"

	"github.com/antJack/sofaload/config"
)

// Session is the per-protocol translator between wire bytes and the
// Client callback surface. A session writes outbound bytes into its
// client's write buffer and parses inbound bytes into stream events.
type Session interface {
	// OnConnect emits the protocol preamble and settings.
	OnConnect() error
	// SubmitRequest enqueues one request, cycling the configured
	// request lines, and reports the new stream to the client.
	SubmitRequest() error
	// OnRead parses received bytes, driving the client's header,
	// status and stream-close callbacks.
	OnRead(data []byte) error
	// OnWrite pulls any pending outbound frames into the write buffer.
	OnWrite() error
	// Terminate begins an orderly shutdown of the session.
	Terminate()
	// MaxConcurrentStreams reports the pipeline depth used to seed the
	// initial submissions after connect.
	MaxConcurrentStreams() int
}

// isH2Proto reports whether an ALPN identifier selects HTTP/2.
func isH2Proto(proto string) bool {
	return proto == "h2" || strings.HasPrefix(proto, "h2-")
}

// SofaRPCALPN is the ALPN token that selects the framed RPC session.
const SofaRPCALPN = "sofarpc"

// newSessionForALPN maps a negotiated ALPN identifier onto a session.
// A nil return means no supported protocol was negotiated.
func newSessionForALPN(c *Client, proto string) Session {
	switch {
	case isH2Proto(proto):
		return newHTTP2Session(c)
	case proto == "http/1.1":
		return newHTTP1Session(c)
	case proto == SofaRPCALPN:
		return newSofaRPCSession(c)
	}
	return nil
}

// newSessionForProto maps the configured cleartext protocol onto a
// session.
func newSessionForProto(c *Client, proto config.Protocol) Session {
	switch proto {
	case config.ProtoHTTP2:
		return newHTTP2Session(c)
	case config.ProtoHTTP1:
		return newHTTP1Session(c)
	case config.ProtoSofaRPC:
		return newSofaRPCSession(c)
	}
	return nil
}
