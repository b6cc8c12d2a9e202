package loader

import (
	"github.com/pkg/errors"

	"github.com/antJack/sofaload/sofarpc"
)

// sofaRPCSession is the framed binary RPC session adapter. Requests are
// prebuilt bolt frames stamped with a fresh request id; responses carry
// the id back, so streams need no ordering assumption.
type sofaRPCSession struct {
	client     *Client
	buf        []byte
	nextID     uint32
	terminated bool
}

func newSofaRPCSession(c *Client) *sofaRPCSession {
	return &sofaRPCSession{client: c, nextID: 1}
}

func (s *sofaRPCSession) OnConnect() error { return nil }

func (s *sofaRPCSession) SubmitRequest() error {
	if s.terminated {
		return errors.New("session terminated")
	}
	c := s.client

	tpl := c.config.SofaReqs[c.reqidx%len(c.config.SofaReqs)]
	c.reqidx++
	frame := make([]byte, len(tpl))
	copy(frame, tpl)

	id := s.nextID
	s.nextID++
	sofarpc.PatchRequestID(frame, id)
	c.wb.Write(frame)

	c.onRequest(int32(id))
	c.recordRequestTime(int32(id))
	return nil
}

func (s *sofaRPCSession) OnRead(data []byte) error {
	c := s.client
	s.buf = append(s.buf, data...)

	for len(s.buf) >= sofarpc.ResponseHeaderLen {
		hdr, err := sofarpc.DecodeResponseHeader(s.buf)
		if err != nil {
			return err
		}
		total := hdr.FrameLen()
		if len(s.buf) < total {
			return nil
		}
		s.buf = s.buf[total:]

		if hdr.CmdCode != sofarpc.CmdRPCResponse {
			continue
		}

		headLen := int64(sofarpc.ResponseHeaderLen) + int64(hdr.ClassLen) + int64(hdr.HeaderLen)
		c.addBytesHead(headLen, headLen)
		c.addBytesBody(int64(hdr.ContentLen))

		id := int32(hdr.RequestID)
		c.onSofaRPCStatus(id, hdr.Status)
		c.onStreamClose(id, true, false)
	}
	return nil
}

func (s *sofaRPCSession) OnWrite() error { return nil }

func (s *sofaRPCSession) Terminate() { s.terminated = true }

func (s *sofaRPCSession) MaxConcurrentStreams() int {
	return s.client.config.MaxConcurrentStreams
}
