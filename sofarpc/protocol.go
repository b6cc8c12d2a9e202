// Package sofarpc implements the bolt v1 wire format used by the
// framed binary RPC session.
package sofarpc

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Protocol and command identifiers for bolt v1.
const (
	ProtocolCodeV1 = 0x01

	TypeResponse      = 0x00
	TypeRequest       = 0x01
	TypeRequestOneway = 0x02

	CmdHeartbeat   = 0x00
	CmdRPCRequest  = 0x01
	CmdRPCResponse = 0x02

	CodecHessian2 = 0x01
)

// Response status codes. The report indexes a dense array with these.
const (
	StatusSuccess               = 0
	StatusError                 = 1
	StatusServerException       = 2
	StatusUnknown               = 3
	StatusServerThreadpoolBusy  = 4
	StatusErrorComm             = 5
	StatusNoProcessor           = 6
	StatusTimeout               = 7
	StatusClientSendError       = 8
	StatusCodecException        = 9
	StatusConnectionClosed      = 16
	StatusServerSerialException = 17
	StatusServerDeserialExcept  = 18

	// NumStatus bounds the dense status histogram.
	NumStatus = 32
)

// Wire sizes of the fixed request and response headers.
const (
	RequestHeaderLen  = 22
	ResponseHeaderLen = 20
)

// Byte offset of the request id within both header layouts.
const requestIDOffset = 5

// DefaultClassName is the request class carried when none is configured.
const DefaultClassName = "com.alipay.sofa.rpc.core.request.SofaRequest"

// DefaultHeader is the serialized header argument carried when none is
// configured, in "key:value" form.
const DefaultHeader = "service:com.alipay.test.TestService:1.0"

// DefaultTimeoutMillis is the per-request timeout stamped into the header.
const DefaultTimeoutMillis = 5000

// DefaultContentLen matches the fixture payload size of the reference
// request.
const DefaultContentLen = 1314

// Options parameterize the request fixture.
type Options struct {
	ClassName     string
	Header        string
	TimeoutMillis uint32
	Content       []byte
}

// DefaultOptions returns the reference fixture.
func DefaultOptions() Options {
	return Options{
		ClassName:     DefaultClassName,
		Header:        DefaultHeader,
		TimeoutMillis: DefaultTimeoutMillis,
		Content:       DefaultContent(),
	}
}

// DefaultContent builds the fixture content payload: a repeated digit
// string padded to DefaultContentLen.
func DefaultContent() []byte {
	buf := make([]byte, DefaultContentLen)
	const digits = "1234567890"
	for i := range buf {
		buf[i] = digits[i%len(digits)]
	}
	return buf
}

// SerializeHeader converts a "key:rest" argument into the length-prefixed
// map encoding bolt uses for the header block.
func SerializeHeader(arg string) []byte {
	if arg == "" {
		return nil
	}
	key, value, found := strings.Cut(arg, ":")
	if !found {
		value = ""
	}
	out := make([]byte, 0, 8+len(key)+len(value))
	out = binary.BigEndian.AppendUint32(out, uint32(len(key)))
	out = append(out, key...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(value)))
	out = append(out, value...)
	return out
}

// EncodeRequest builds a complete bolt request frame with a zero request
// id. The caller stamps the id per submission with PatchRequestID.
func EncodeRequest(opts Options) []byte {
	header := SerializeHeader(opts.Header)

	frame := make([]byte, RequestHeaderLen, RequestHeaderLen+len(opts.ClassName)+len(header)+len(opts.Content))
	frame[0] = ProtocolCodeV1
	frame[1] = TypeRequest
	binary.BigEndian.PutUint16(frame[2:], CmdRPCRequest)
	frame[4] = 1 // version
	frame[9] = CodecHessian2
	binary.BigEndian.PutUint32(frame[10:], opts.TimeoutMillis)
	binary.BigEndian.PutUint16(frame[14:], uint16(len(opts.ClassName)))
	binary.BigEndian.PutUint16(frame[16:], uint16(len(header)))
	binary.BigEndian.PutUint32(frame[18:], uint32(len(opts.Content)))

	frame = append(frame, opts.ClassName...)
	frame = append(frame, header...)
	frame = append(frame, opts.Content...)
	return frame
}

// PatchRequestID stamps id into a request frame in place.
func PatchRequestID(frame []byte, id uint32) {
	binary.BigEndian.PutUint32(frame[requestIDOffset:], id)
}

// ResponseHeader is the fixed 20-byte prefix of a bolt response.
type ResponseHeader struct {
	Proto      byte
	Type       byte
	CmdCode    uint16
	Version    byte
	RequestID  uint32
	Codec      byte
	Status     uint16
	ClassLen   uint16
	HeaderLen  uint16
	ContentLen uint32
}

// FrameLen is the total response size including the fixed header.
func (h *ResponseHeader) FrameLen() int {
	return ResponseHeaderLen + int(h.ClassLen) + int(h.HeaderLen) + int(h.ContentLen)
}

// DecodeResponseHeader parses the fixed response prefix. data must hold
// at least ResponseHeaderLen bytes.
func DecodeResponseHeader(data []byte) (ResponseHeader, error) {
	var h ResponseHeader
	if len(data) < ResponseHeaderLen {
		return h, errors.Errorf("short response header: %d bytes", len(data))
	}
	h.Proto = data[0]
	if h.Proto != ProtocolCodeV1 {
		return h, errors.Errorf("unexpected protocol code %#x", h.Proto)
	}
	h.Type = data[1]
	h.CmdCode = binary.BigEndian.Uint16(data[2:])
	h.Version = data[4]
	h.RequestID = binary.BigEndian.Uint32(data[5:])
	h.Codec = data[9]
	h.Status = binary.BigEndian.Uint16(data[10:])
	h.ClassLen = binary.BigEndian.Uint16(data[12:])
	h.HeaderLen = binary.BigEndian.Uint16(data[14:])
	h.ContentLen = binary.BigEndian.Uint32(data[16:])
	return h, nil
}

// EncodeResponse builds a bolt response frame. Used by tests to
// exercise the client path.
func EncodeResponse(requestID uint32, status uint16, content []byte) []byte {
	frame := make([]byte, ResponseHeaderLen, ResponseHeaderLen+len(content))
	frame[0] = ProtocolCodeV1
	frame[1] = TypeResponse
	binary.BigEndian.PutUint16(frame[2:], CmdRPCResponse)
	frame[4] = 1
	binary.BigEndian.PutUint32(frame[5:], requestID)
	frame[9] = CodecHessian2
	binary.BigEndian.PutUint16(frame[10:], status)
	binary.BigEndian.PutUint32(frame[16:], uint32(len(content)))
	frame = append(frame, content...)
	return frame
}

// StatusName reports the human name for a status code.
func StatusName(code int) string {
	switch code {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusServerException:
		return "server exception"
	case StatusUnknown:
		return "unknown"
	case StatusServerThreadpoolBusy:
		return "server threadpool busy"
	case StatusErrorComm:
		return "error comm"
	case StatusNoProcessor:
		return "no processor"
	case StatusTimeout:
		return "timeout"
	case StatusClientSendError:
		return "client send error"
	case StatusCodecException:
		return "codec exception"
	case StatusConnectionClosed:
		return "connection closed"
	case StatusServerSerialException:
		return "server serial exception"
	case StatusServerDeserialExcept:
		return "server deserial exception"
	}
	return "unknown"
}
