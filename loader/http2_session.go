package loader

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// connWindowSize mirrors the reference 30-bit connection and stream
// windows.
const connWindowSize = 1<<30 - 1

const initialWindowSize = 65535

// frameBuffer accumulates received bytes and hands complete frames to
// the framer. ReadFrame is only invoked once a full frame is buffered,
// so reads never block or split.
type frameBuffer struct {
	buf []byte
}

func (b *frameBuffer) append(data []byte) {
	b.buf = append(b.buf, data...)
}

// hasFrame reports whether a complete frame (9-byte header plus
// payload) is buffered. A HEADERS frame without END_HEADERS only
// counts once its CONTINUATION frames are buffered too, since the
// framer consumes the whole header block in one ReadFrame call.
func (b *frameBuffer) hasFrame() bool {
	const (
		typeHeaders     = 0x1
		flagEndHeaders  = 0x4
		headerFrameSize = 9
	)

	off := 0
	for {
		if len(b.buf) < off+headerFrameSize {
			return false
		}
		hdr := b.buf[off:]
		length := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
		if len(b.buf) < off+headerFrameSize+length {
			return false
		}
		if off == 0 && (hdr[3] != typeHeaders || hdr[4]&flagEndHeaders != 0) {
			return true
		}
		if off > 0 && hdr[4]&flagEndHeaders != 0 {
			return true
		}
		off += headerFrameSize + length
	}
}

func (b *frameBuffer) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// http2Session is the multiplexed session adapter, built on raw
// golang.org/x/net/http2 framing with hpack header compression.
type http2Session struct {
	client       *Client
	framer       *http2.Framer
	rbuf         frameBuffer
	henc         *hpack.Encoder
	hbuf         bytes.Buffer
	nextStreamID int32
	terminated   bool
}

func newHTTP2Session(c *Client) *http2Session {
	s := &http2Session{
		client:       c,
		nextStreamID: 1,
	}
	s.framer = http2.NewFramer(&c.wb, &s.rbuf)
	s.framer.ReadMetaHeaders = hpack.NewDecoder(c.config.HeaderTableSize, nil)
	s.henc = hpack.NewEncoder(&s.hbuf)
	s.henc.SetMaxDynamicTableSizeLimit(c.config.EncoderHeaderTableSize)
	return s
}

func (s *http2Session) OnConnect() error {
	c := s.client
	c.wb.WriteString(http2.ClientPreface)
	err := s.framer.WriteSettings(
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: c.config.HeaderTableSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: connWindowSize},
	)
	if err != nil {
		return err
	}
	return s.framer.WriteWindowUpdate(0, connWindowSize-initialWindowSize)
}

func (s *http2Session) SubmitRequest() error {
	if s.terminated {
		return errors.New("session terminated")
	}
	c := s.client

	fields := c.config.H2Fields[c.reqidx%len(c.config.H2Fields)]
	c.reqidx++

	s.hbuf.Reset()
	for _, f := range fields {
		if err := s.henc.WriteField(f); err != nil {
			return err
		}
	}

	streamID := s.nextStreamID
	s.nextStreamID += 2

	hasBody := c.config.Data != nil
	err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(streamID),
		BlockFragment: s.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     !hasBody,
	})
	if err != nil {
		return err
	}
	if hasBody {
		if err := s.framer.WriteData(uint32(streamID), true, c.config.Data); err != nil {
			return err
		}
	}

	c.onRequest(streamID)
	c.recordRequestTime(streamID)
	return nil
}

func (s *http2Session) OnRead(data []byte) error {
	c := s.client
	s.rbuf.append(data)

	for s.rbuf.hasFrame() {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			return err
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			id := int32(f.StreamID)
			c.addBytesHead(int64(f.Header().Length), headerListSize(f.Fields))
			for _, hf := range f.Fields {
				c.onHeader(id, hf.Name, hf.Value)
			}
			if f.StreamEnded() {
				c.onStreamClose(id, true, false)
			}
		case *http2.DataFrame:
			n := len(f.Data())
			c.addBytesBody(int64(n))
			if n > 0 {
				if err := s.framer.WriteWindowUpdate(0, uint32(n)); err != nil {
					return err
				}
				if !f.StreamEnded() {
					if err := s.framer.WriteWindowUpdate(f.StreamID, uint32(n)); err != nil {
						return err
					}
				}
			}
			if f.StreamEnded() {
				c.onStreamClose(int32(f.StreamID), true, false)
			}
		case *http2.RSTStreamFrame:
			c.onStreamClose(int32(f.StreamID), false, false)
		case *http2.GoAwayFrame:
			c.final = true
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := s.framer.WriteSettingsAck(); err != nil {
					return err
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				if err := s.framer.WritePing(true, f.Data); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *http2Session) OnWrite() error {
	// Frames are serialized into the write buffer at submission time.
	return nil
}

func (s *http2Session) Terminate() {
	if s.terminated {
		return
	}
	s.terminated = true
	s.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
}

func (s *http2Session) MaxConcurrentStreams() int {
	return s.client.config.MaxConcurrentStreams
}

func headerListSize(fields []hpack.HeaderField) int64 {
	var n int64
	for _, f := range fields {
		n += int64(len(f.Name) + len(f.Value))
	}
	return n
}
