package loader

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type h1ParseState int

const (
	h1StatusLine h1ParseState = iota
	h1Headers
	h1Body
	h1ChunkSize
	h1ChunkData
	h1ChunkCRLF
	h1Trailers
)

// http1Session is the pipelined text session adapter. Requests are
// written as prebuilt request texts; responses are parsed incrementally
// and matched to outstanding streams in FIFO order.
type http1Session struct {
	client     *Client
	nextID     int32
	inflight   []int32 // stream ids awaiting a response, in order
	terminated bool

	state      h1ParseState
	buf        []byte
	status     int
	contentLen int64
	chunked    bool
	closeConn  bool
	remaining  int64
	headBytes  int64
}

func newHTTP1Session(c *Client) *http1Session {
	return &http1Session{
		client:     c,
		nextID:     1,
		contentLen: -1,
	}
}

func (s *http1Session) OnConnect() error { return nil }

func (s *http1Session) SubmitRequest() error {
	if s.terminated {
		return errors.New("session terminated")
	}
	c := s.client

	req := c.config.H1Reqs[c.reqidx%len(c.config.H1Reqs)]
	c.reqidx++
	c.wb.WriteString(req)
	if c.config.Data != nil {
		c.wb.Write(c.config.Data)
	}

	id := s.nextID
	s.nextID++
	s.inflight = append(s.inflight, id)
	c.onRequest(id)
	c.recordRequestTime(id)
	return nil
}

func (s *http1Session) currentStream() (int32, bool) {
	if len(s.inflight) == 0 {
		return 0, false
	}
	return s.inflight[0], true
}

func (s *http1Session) resetResponse() {
	s.state = h1StatusLine
	s.status = 0
	s.contentLen = -1
	s.chunked = false
	s.closeConn = false
	s.remaining = 0
	s.headBytes = 0
}

// responseComplete finishes the in-order response and advances to the
// next outstanding stream.
func (s *http1Session) responseComplete() {
	c := s.client
	id, ok := s.currentStream()
	if ok {
		s.inflight = s.inflight[1:]
	}
	final := s.closeConn
	if final {
		c.tryNewConnection()
	}
	s.resetResponse()
	if ok {
		c.onStreamClose(id, true, final)
	}
}

func (s *http1Session) OnRead(data []byte) error {
	s.buf = append(s.buf, data...)

	for {
		switch s.state {
		case h1StatusLine:
			line, rest, ok := cutLine(s.buf)
			if !ok {
				return nil
			}
			s.buf = rest
			s.headBytes += int64(len(line) + 2)
			status, err := parseStatusLine(line)
			if err != nil {
				return err
			}
			s.status = status
			s.state = h1Headers

		case h1Headers:
			line, rest, ok := cutLine(s.buf)
			if !ok {
				return nil
			}
			s.buf = rest
			s.headBytes += int64(len(line) + 2)
			if len(line) == 0 {
				if err := s.onHeadersComplete(); err != nil {
					return err
				}
				continue
			}
			name, value, found := strings.Cut(string(line), ":")
			if !found {
				return errors.Errorf("malformed header line: %q", line)
			}
			s.onHeaderLine(strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value))

		case h1Body:
			if int64(len(s.buf)) < s.remaining {
				s.client.addBytesBody(int64(len(s.buf)))
				s.remaining -= int64(len(s.buf))
				s.buf = nil
				return nil
			}
			s.client.addBytesBody(s.remaining)
			s.buf = s.buf[s.remaining:]
			s.responseComplete()

		case h1ChunkSize:
			line, rest, ok := cutLine(s.buf)
			if !ok {
				return nil
			}
			s.buf = rest
			size, err := strconv.ParseInt(strings.TrimSpace(string(line)), 16, 64)
			if err != nil {
				return errors.Wrap(err, "bad chunk size")
			}
			if size == 0 {
				s.state = h1Trailers
				continue
			}
			s.remaining = size
			s.state = h1ChunkData

		case h1ChunkData:
			if int64(len(s.buf)) < s.remaining {
				s.client.addBytesBody(int64(len(s.buf)))
				s.remaining -= int64(len(s.buf))
				s.buf = nil
				return nil
			}
			s.client.addBytesBody(s.remaining)
			s.buf = s.buf[s.remaining:]
			s.state = h1ChunkCRLF

		case h1ChunkCRLF:
			if len(s.buf) < 2 {
				return nil
			}
			s.buf = s.buf[2:]
			s.state = h1ChunkSize

		case h1Trailers:
			line, rest, ok := cutLine(s.buf)
			if !ok {
				return nil
			}
			s.buf = rest
			if len(line) == 0 {
				s.responseComplete()
			}
		}
	}
}

func (s *http1Session) onHeaderLine(name, value string) {
	switch name {
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			s.contentLen = n
		}
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			s.chunked = true
		}
	case "connection":
		if strings.Contains(strings.ToLower(value), "close") {
			s.closeConn = true
		}
	}
}

func (s *http1Session) onHeadersComplete() error {
	c := s.client

	// 1xx responses are interim; keep waiting for the real one.
	if s.status >= 100 && s.status < 200 {
		s.resetResponse()
		return nil
	}

	id, ok := s.currentStream()
	if !ok {
		return errors.New("response without outstanding request")
	}
	c.addBytesHead(s.headBytes, s.headBytes)
	c.onStatusCode(id, s.status)

	switch {
	case s.status == 204 || s.status == 304:
		s.responseComplete()
	case s.chunked:
		s.state = h1ChunkSize
	case s.contentLen > 0:
		s.remaining = s.contentLen
		s.state = h1Body
	default:
		// No body, or no framing to delimit one.
		s.responseComplete()
	}
	return nil
}

func (s *http1Session) OnWrite() error { return nil }

func (s *http1Session) Terminate() { s.terminated = true }

func (s *http1Session) MaxConcurrentStreams() int {
	// A request body disables pipelining.
	if s.client.config.Data != nil {
		return 1
	}
	return s.client.config.MaxConcurrentStreams
}

// cutLine splits buf at the first CRLF. ok is false when no full line
// is buffered yet.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\r\n"))
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+2:], true
}

func parseStatusLine(line []byte) (int, error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return 0, errors.Errorf("malformed status line: %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Errorf("malformed status code: %q", parts[1])
	}
	return status, nil
}
