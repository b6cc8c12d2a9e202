package loader

import (
	"bytes"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/antJack/sofaload/config"
	"github.com/antJack/sofaload/stats"
)

// ClientState tracks the connection state machine.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientConnected
)

var (
	errNoRequestsLeft = errors.New("no requests left")
	errNoAddressLeft  = errors.New("no address left to try")
)

// Stream is one inflight request on a client.
type Stream struct {
	reqStat stats.RequestStat
	// statusSuccess is -1 while unresolved, 0 on failure, 1 on success.
	statusSuccess int
}

func newStream() *Stream { return &Stream{statusSuccess: -1} }

// Client owns one connection: the socket, the write buffer, the active
// session and the inflight streams. All methods run on the owning
// worker's loop; only the reader goroutine and the dialer touch the
// network concurrently, and they communicate through loop events.
type Client struct {
	id     int
	worker *Worker
	config *config.Config

	cstat   stats.ClientStat
	conn    net.Conn
	session Session

	selectedProto string
	streams       map[int32]*Stream
	reqInflight   int64
	reqStarted    int64
	reqDone       int64
	reqidx        int
	wb            bytes.Buffer
	state         ClientState

	nextAddr    int
	currentAddr *config.Addr

	newConnectionRequested bool
	final                  bool
	closeAfterDrain        bool
	dead                   bool
	statReported           bool
	activeTimerArmed       bool

	// gen invalidates events from previous connection episodes.
	gen int

	inactivityTimer *time.Timer
	activeTimer     *time.Timer
	pacingTimer     *time.Timer
}

func newClient(id int, w *Worker) *Client {
	return &Client{
		id:      id,
		worker:  w,
		config:  w.config,
		streams: make(map[int32]*Stream),
	}
}

// connect starts a connection attempt. Dialing is asynchronous; the
// outcome arrives as a loop event.
func (c *Client) connect() error {
	w := c.worker

	if !c.config.IsTimingBasedMode() || w.phase == PhaseMainDuration {
		c.recordClientStartTime()
		c.clearConnectTimes()
		c.recordConnectStartTime()
	} else if w.phase == PhaseInitialIdle {
		w.phase = PhaseWarmUp
		w.warmupTimer.Reset(c.config.WarmUpTime)
	}

	var addr config.Addr
	if c.currentAddr != nil {
		addr = *c.currentAddr
	} else {
		if c.nextAddr >= len(c.config.Addrs) {
			return errNoAddressLeft
		}
		addr = c.config.Addrs[c.nextAddr]
	}

	c.gen++
	if c.config.ConnInactivityTimeout > 0 {
		c.armInactivityTimer()
	}
	go c.dial(addr, c.gen)
	return nil
}

// dial runs off-loop: TCP connect plus the TLS handshake when the
// scheme asks for it.
func (c *Client) dial(addr config.Addr, gen int) {
	w := c.worker

	conn, err := net.Dial(addr.Network, addr.Address)
	if err != nil {
		w.post(event{kind: evConnectFailed, client: c, gen: gen, err: err})
		return
	}

	proto := ""
	if c.config.Scheme == "https" {
		tconn := tls.Client(conn, w.tlsConfig)
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			w.post(event{kind: evConnectFailed, client: c, gen: gen, err: err, tlsFail: true})
			return
		}
		proto = tconn.ConnectionState().NegotiatedProtocol
		conn = tconn
	}

	w.post(event{kind: evConnected, client: c, gen: gen, conn: conn, proto: proto})
}

// onConnectFailed advances through the address list; with no address
// left, or on a TLS failure, the client is abandoned.
func (c *Client) onConnectFailed(err error, tlsFail bool) {
	w := c.worker
	if tlsFail {
		w.log.WithError(err).Error("TLS handshake failed")
		c.fail()
		c.gone()
		return
	}
	if c.currentAddr == nil {
		c.nextAddr++
		if c.nextAddr < len(c.config.Addrs) {
			if c.connect() == nil {
				return
			}
		}
	}
	w.log.WithError(err).Error("client could not connect to host")
	c.fail()
	c.gone()
}

// onConnected finishes the handshake path: select the session from the
// negotiated (or configured) protocol, emit the preamble, and seed the
// initial submissions.
func (c *Client) onConnected(conn net.Conn, proto string) {
	w := c.worker
	c.conn = conn
	if c.currentAddr == nil {
		c.currentAddr = &c.config.Addrs[c.nextAddr]
	}

	if c.config.Scheme == "https" {
		if proto != "" {
			c.session = newSessionForALPN(c, proto)
			c.selectedProto = proto
		} else {
			// Server without ALPN; fall back to HTTP/1.1 when offered.
			for _, p := range c.config.NPNList {
				if p == "http/1.1" {
					w.log.Info("server does not support ALPN, falling back to HTTP/1.1")
					c.session = newHTTP1Session(c)
					c.selectedProto = "http/1.1"
					break
				}
			}
		}
		if c.session == nil {
			w.log.WithField("supported", c.config.NPNList).
				Error("no supported protocol was negotiated")
			c.disconnect()
			c.gone()
			return
		}
	} else {
		c.session = newSessionForProto(c, c.config.NoTLSProto)
		c.selectedProto = c.config.NoTLSProto.String()
	}

	w.reportAppInfo(c.selectedProto)

	c.state = ClientConnected
	if err := c.session.OnConnect(); err != nil {
		c.fail()
		c.gone()
		return
	}
	c.recordConnectTime()

	go c.readLoop(conn, c.gen)

	if len(c.config.Timings) > 0 {
		c.startRequestPacing()
	} else {
		for n := c.session.MaxConcurrentStreams(); n > 0; n-- {
			if err := c.submitRequest(); err != nil {
				if err != errNoRequestsLeft {
					w.processRequestFailure()
				}
				break
			}
		}
		if len(c.streams) == 0 && !c.config.IsQPSMode() && totalReqLeft.Load() <= 0 {
			// Other clients consumed the remaining requests while this
			// connection was being made.
			c.terminateSession()
		}
	}
	c.signalWrite()
}

// readLoop runs off-loop and delivers received bytes as events.
func (c *Client) readLoop(conn net.Conn, gen int) {
	w := c.worker
	buf := make([]byte, 8*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			w.post(event{kind: evRead, client: c, gen: gen, data: data})
		}
		if err != nil {
			w.post(event{kind: evReadError, client: c, gen: gen, err: err})
			return
		}
	}
}

// submitRequest admits one request per the configured pacing mode.
func (c *Client) submitRequest() error {
	w := c.worker

	if c.config.IsQPSMode() {
		if w.qpsLeft == 0 {
			w.blockedDueToQPS = append(w.blockedDueToQPS, c)
			return nil
		}
		w.qpsLeft--
	} else {
		if totalReqLeft.Load() <= 0 {
			return errNoRequestsLeft
		}
		// The pre-decrement value is authoritative: the counter may race
		// below zero across workers.
		if totalReqLeft.Add(-1)+1 <= 0 {
			return errNoRequestsLeft
		}
	}
	totalReqSent.Add(1)

	if c.session == nil {
		return errors.New("no session")
	}
	if err := c.session.SubmitRequest(); err != nil {
		return err
	}

	if w.phase != PhaseMainDuration {
		return nil
	}

	w.Stats.ReqStarted++
	c.reqStarted++
	c.reqInflight++
	if metricsEnabled {
		promRequests.Inc()
	}

	if c.config.ConnActiveTimeout > 0 && !c.activeTimerArmed {
		c.armActiveTimer()
	}
	return nil
}

// signalWrite flushes the write buffer; a write failure frees the
// client.
func (c *Client) signalWrite() {
	if c.dead || c.conn == nil {
		return
	}
	if err := c.doWrite(); err != nil {
		c.fail()
		c.gone()
	}
}

func (c *Client) doWrite() error {
	if c.conn == nil {
		return nil
	}
	if c.session != nil {
		if err := c.session.OnWrite(); err != nil {
			return err
		}
	}
	if c.wb.Len() > 0 {
		_, err := c.conn.Write(c.wb.Bytes())
		c.wb.Reset()
		if err != nil {
			return err
		}
		c.restartTimeout()
	}
	if c.closeAfterDrain {
		c.disconnect()
		c.gone()
	}
	return nil
}

// onReadEvent is the loop half of the read path.
func (c *Client) onReadEvent(data []byte) {
	if c.state != ClientConnected || c.session == nil {
		return
	}
	c.restartTimeout()
	c.recordTTFB()

	if err := c.session.OnRead(data); err != nil {
		c.tryAgainOrFail()
		return
	}
	if c.worker.phase == PhaseMainDuration {
		c.worker.Stats.BytesTotal += int64(len(data))
	}
	if c.dead || c.conn == nil {
		return
	}
	if err := c.doWrite(); err != nil {
		c.fail()
		c.gone()
	}
}

// onReadError handles EOF and transport errors from the reader.
func (c *Client) onReadError(err error) {
	if c.state != ClientConnected {
		return
	}
	c.tryAgainOrFail()
}

// tryAgainOrFail reconnects once when the session asked for a fresh
// connection and requests remain; otherwise the client is abandoned.
func (c *Client) tryAgainOrFail() {
	w := c.worker
	c.disconnect()

	if c.newConnectionRequested {
		c.newConnectionRequested = false

		if totalReqLeft.Load() > 0 {
			if w.phase == PhaseMainDuration {
				// Inflight requests cannot be restarted; count them failed.
				w.Stats.ReqFailed += c.reqInflight
				w.Stats.ReqError += c.reqInflight
				c.reqInflight = 0
			}

			// Keep using the current address.
			if c.connect() == nil {
				return
			}
			w.log.Error("client could not connect to host")
		}
	}

	c.processAbandonedStreams()
	c.gone()
}

// fail abandons the connection and charges the inflight requests.
func (c *Client) fail() {
	c.disconnect()
	c.processAbandonedStreams()
}

// disconnect tears down the connection episode and returns to IDLE.
func (c *Client) disconnect() {
	c.recordClientEndTime()
	c.stopTimers()
	c.streams = make(map[int32]*Stream)
	c.session = nil
	c.state = ClientIdle
	c.gen++ // invalidate outstanding reader and timer events
	if c.conn != nil {
		halfClose(c.conn)
		c.conn.Close()
		c.conn = nil
	}
	c.wb.Reset()
	c.final = false
	c.closeAfterDrain = false
	c.activeTimerArmed = false
}

// halfClose shuts down the write side before the close, sending the TLS
// close_notify when applicable.
func halfClose(conn net.Conn) {
	switch t := conn.(type) {
	case *tls.Conn:
		t.CloseWrite()
	case *net.TCPConn:
		t.CloseWrite()
	}
}

// gone reports the client's stats once and removes it from the live
// set.
func (c *Client) gone() {
	if c.dead {
		return
	}
	c.dead = true
	if !c.statReported {
		c.statReported = true
		c.worker.Stats.ClientStats = append(c.worker.Stats.ClientStats, c.cstat)
	}
	c.worker.clientGone()
}

// timeout charges the inflight requests to req_timedout and drops the
// connection.
func (c *Client) timeout() {
	c.processTimedoutStreams()
	c.disconnect()
	c.gone()
}

func (c *Client) processTimedoutStreams() {
	w := c.worker
	if w.phase != PhaseMainDuration {
		return
	}
	now := time.Now()
	for _, stream := range c.streams {
		if !stream.reqStat.Completed {
			stream.reqStat.StreamCloseTime = now
		}
	}
	w.Stats.ReqTimedout += c.reqInflight
	c.processAbandonedStreams()
}

func (c *Client) processAbandonedStreams() {
	w := c.worker
	if w.phase != PhaseMainDuration {
		return
	}
	w.Stats.ReqFailed += c.reqInflight
	w.Stats.ReqError += c.reqInflight
	c.reqInflight = 0
}

// terminateSession begins orderly shutdown once the run is out of
// requests. When no stream is open, the connection closes after the
// write buffer drains; otherwise it stays open and the next stream close
// calls this again.
func (c *Client) terminateSession() {
	if c.session != nil {
		c.session.Terminate()
	}
	if len(c.streams) == 0 {
		c.closeAfterDrain = true
	}
}

// tryNewConnection is called by a session when the server will close
// the connection; the subsequent EOF triggers the reconnect.
func (c *Client) tryNewConnection() { c.newConnectionRequested = true }

// Session callbacks.

func (c *Client) onRequest(streamID int32) {
	c.streams[streamID] = newStream()
}

func (c *Client) recordRequestTime(streamID int32) {
	stream, ok := c.streams[streamID]
	if !ok {
		return
	}
	now := time.Now()
	stream.reqStat.RequestTime = now
	stream.reqStat.RequestWallTime = now
}

func (c *Client) onHeader(streamID int32, name, value string) {
	stream, ok := c.streams[streamID]
	if !ok {
		return
	}

	if c.worker.phase != PhaseMainDuration {
		// Warm-up streams count as successful without touching the
		// status buckets.
		stream.statusSuccess = 1
		return
	}

	if stream.statusSuccess == -1 && name == ":status" {
		status := 0
		for i := 0; i < len(value); i++ {
			ch := value[i]
			if ch < '0' || ch > '9' {
				break
			}
			status = status*10 + int(ch-'0')
			if status > 999 {
				stream.statusSuccess = 0
				return
			}
		}
		c.bucketStatus(stream, status)
	}
}

func (c *Client) onStatusCode(streamID int32, status int) {
	stream, ok := c.streams[streamID]
	if !ok {
		return
	}
	if c.worker.phase != PhaseMainDuration {
		stream.statusSuccess = 1
		return
	}
	c.bucketStatus(stream, status)
}

func (c *Client) bucketStatus(stream *Stream, status int) {
	w := c.worker
	stream.reqStat.Status = status
	switch {
	case status >= 200 && status < 300:
		w.Stats.Status[2]++
		stream.statusSuccess = 1
	case status < 400:
		w.Stats.Status[3]++
		stream.statusSuccess = 1
	case status < 600:
		w.Stats.Status[status/100]++
		stream.statusSuccess = 0
	default:
		stream.statusSuccess = 0
	}
}

func (c *Client) onSofaRPCStatus(streamID int32, status uint16) {
	stream, ok := c.streams[streamID]
	if !ok {
		return
	}
	if c.worker.phase != PhaseMainDuration {
		stream.statusSuccess = 1
		return
	}
	stream.reqStat.Status = int(status)
	if status == 0 {
		stream.statusSuccess = 1
	} else {
		stream.statusSuccess = 0
	}
	if int(status) < len(c.worker.Stats.SofaRPCStatus) {
		c.worker.Stats.SofaRPCStatus[status]++
	}
}

func (c *Client) onStreamClose(streamID int32, success, final bool) {
	w := c.worker
	if final {
		c.final = true
	}

	if w.phase == PhaseMainDuration {
		if c.reqInflight > 0 {
			c.reqInflight--
		}
		stream, ok := c.streams[streamID]
		if !ok {
			return
		}
		rs := &stream.reqStat
		rs.StreamCloseTime = time.Now()
		if success {
			rs.Completed = true
			w.Stats.ReqSuccess++
			c.cstat.ReqSuccess++
			if stream.statusSuccess == 1 {
				w.Stats.ReqStatusSuccess++
			} else {
				w.Stats.ReqFailed++
			}
			w.Stats.ReqStats = append(w.Stats.ReqStats, *rs)
		} else {
			w.Stats.ReqFailed++
			w.Stats.ReqError++
		}
		w.Stats.ReqDone++
		c.reqDone++

		w.recordRTT(rs.StreamCloseTime.Sub(rs.RequestTime).Microseconds())
	}

	delete(c.streams, streamID)

	if totalReqLeft.Load() <= 0 {
		c.terminateSession()
		return
	}

	if !c.final {
		if err := c.submitRequest(); err != nil {
			if err == errNoRequestsLeft {
				// Lost the admission race; shut down once drained.
				c.terminateSession()
			} else {
				w.processRequestFailure()
			}
		}
	}
}

// Byte accounting; only the measurement window contributes.

func (c *Client) addBytesHead(compressed, decompressed int64) {
	if c.worker.phase != PhaseMainDuration {
		return
	}
	c.worker.Stats.BytesHead += compressed
	c.worker.Stats.BytesHeadDecomp += decompressed
}

func (c *Client) addBytesBody(n int64) {
	if c.worker.phase != PhaseMainDuration {
		return
	}
	c.worker.Stats.BytesBody += n
}

// Timing records.

func (c *Client) recordClientStartTime() {
	// Only the very first connection attempt counts.
	if stats.Recorded(c.cstat.ClientStartTime) {
		return
	}
	c.cstat.ClientStartTime = time.Now()
}

func (c *Client) recordClientEndTime() {
	// Unlike the start time this is overwritten; it tracks the last
	// disconnect for HTTP/1.1 reconnect churn.
	c.cstat.ClientEndTime = time.Now()
}

func (c *Client) clearConnectTimes() {
	c.cstat.ConnectStartTime = time.Time{}
	c.cstat.ConnectTime = time.Time{}
	c.cstat.TTFB = time.Time{}
}

func (c *Client) recordConnectStartTime() {
	c.cstat.ConnectStartTime = time.Now()
}

func (c *Client) recordConnectTime() {
	c.cstat.ConnectTime = time.Now()
}

func (c *Client) recordTTFB() {
	if stats.Recorded(c.cstat.TTFB) {
		return
	}
	c.cstat.TTFB = time.Now()
}

// Timers. Each timer captures the connection generation so a stale fire
// is discarded by the loop.

func (c *Client) armInactivityTimer() {
	w := c.worker
	gen := c.gen
	c.stopTimer(&c.inactivityTimer)
	c.inactivityTimer = time.AfterFunc(c.config.ConnInactivityTimeout, func() {
		w.post(event{kind: evConnTimeout, client: c, gen: gen})
	})
}

func (c *Client) restartTimeout() {
	if c.config.ConnInactivityTimeout > 0 && c.inactivityTimer != nil {
		c.inactivityTimer.Reset(c.config.ConnInactivityTimeout)
	}
}

func (c *Client) armActiveTimer() {
	w := c.worker
	gen := c.gen
	c.stopTimer(&c.activeTimer)
	c.activeTimer = time.AfterFunc(c.config.ConnActiveTimeout, func() {
		w.post(event{kind: evConnTimeout, client: c, gen: gen})
	})
	c.activeTimerArmed = true
}

func (c *Client) onConnTimeout() {
	if c.state != ClientConnected || c.conn == nil {
		return
	}
	c.timeout()
}

// Request pacing for timing-script runs.

func (c *Client) startRequestPacing() {
	if len(c.config.Timings) == 0 {
		return
	}
	w := c.worker
	gen := c.gen
	c.pacingTimer = time.AfterFunc(c.config.Timings[0], func() {
		w.post(event{kind: evRequestTimeout, client: c, gen: gen})
	})
}

func (c *Client) onRequestPacing() {
	w := c.worker
	if c.state != ClientConnected {
		return
	}
	if len(c.streams) >= c.config.MaxConcurrentStreams {
		return
	}

	for {
		if err := c.submitRequest(); err != nil {
			w.processRequestFailure()
			return
		}
		c.signalWrite()
		if totalReqLeft.Load() <= 0 {
			return
		}
		if c.reqidx >= len(c.config.Timings) {
			return
		}
		d := c.config.Timings[c.reqidx] - c.config.Timings[c.reqidx-1]
		if d >= time.Nanosecond {
			c.pacingTimer.Reset(d)
			return
		}
	}
}

func (c *Client) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Client) stopTimers() {
	c.stopTimer(&c.inactivityTimer)
	c.stopTimer(&c.activeTimer)
	c.stopTimer(&c.pacingTimer)
}
