package reliable

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/metrics"
	"github.com/rudplab/rudp/rudperr"
)

// cacheOverflowLimit is the pending-fragment cap: past this many tracked
// fragments SendAppBytes refuses further data with a "protocol cache
// overflow" error. The engine does not tear the descriptor down itself.
const cacheOverflowLimit = 32768

// windowProbeBackoffMs is how long the sender waits between window-probe
// (cmdWindowAsk) retries while the peer's advertised window stays at zero.
const windowProbeBackoffMs = 3000

// OutputFunc is the engine's sole side-effect channel: raw bytes ready to be
// placed on the datagram wire via the socket layer (C1).
type OutputFunc func(wire []byte)

// pendingFrag is a fragment queued for transmission but not yet assigned a
// sequence number (waiting for window space).
type pendingFrag struct {
	data []byte
	frg  uint8
}

// outFrag is a fragment that has been assigned a sequence number and sent
// at least once.
type outFrag struct {
	sn         uint32
	frg        uint8
	data       []byte
	xmit       int
	rto        int64
	nextResend int64
	acked      bool
	skip       int
}

// inFrag is a received, not-yet-delivered-to-the-application fragment held
// in the receiver's reorder buffer.
type inFrag struct {
	frg  uint8
	data []byte
}

type pendingAck struct {
	sn uint32
	ts uint32
}

// Engine is one connection's reliable-transport state. It is engaged only
// while the owning descriptor's state machine is CONNECTED, and is private
// to that descriptor's executor - callers must not share an Engine across
// goroutines without external synchronization.
type Engine struct {
	conv   uint32
	output OutputFunc

	streamMode     bool
	mtuPayload     uint32 // MTU minus headerSize
	maxSendWnd     uint32
	maxRecvWnd     uint32
	fastResendSkip uint32

	start time.Time

	// send side
	sndQueue   []pendingFrag
	sndBuf     []*outFrag
	sndNextSeq uint32
	peerWnd    uint32
	lastProbe  int64
	rtt        *rttEstimator
	cc         *congestion

	// receive side
	rcvNextSeq uint32
	rcvBuf     map[uint32]*inFrag
	residual   []byte
	ackList    []pendingAck
	wantWindowTell bool

	closed bool
}

// New constructs an Engine for one connection. conv is the conversation id
// (the server-side descriptor's id, shared by both peers), cfg is the
// descriptor's (already-clamped)
// configuration block, and output is where encoded wire bytes are sent.
func New(conv uint32, cfg *config.Block, output OutputFunc) *Engine {
	mtu := uint32(cfg.Get(config.MTUSize))
	payload := mtu - headerSize
	noDelay := cfg.Bool(config.EnableNoDelay)
	maxSendWnd := uint32(cfg.Get(config.MaxSendWindow))

	return &Engine{
		conv:           conv,
		output:         output,
		streamMode:     cfg.Bool(config.EnableStreamMode),
		mtuPayload:     payload,
		maxSendWnd:     maxSendWnd,
		maxRecvWnd:     uint32(cfg.Get(config.MaxRecvWindow)),
		fastResendSkip: uint32(cfg.Get(config.FastResendSkipCnt)),
		start:          time.Now(),
		peerWnd:        maxSendWnd, // optimistic until the peer tells us otherwise
		rtt:            newRTTEstimator(noDelay),
		cc:             newCongestion(cfg.Bool(config.EnableNoCongestionControl), maxSendWnd),
		rcvBuf:         make(map[uint32]*inFrag),
	}
}

func (e *Engine) nowMs(at time.Time) int64 {
	return at.Sub(e.start).Milliseconds()
}

// Conv returns the engine's conversation id, the value both sides agree to
// stamp on every RTE header so inbound datagrams can be routed to it.
func (e *Engine) Conv() uint32 {
	return e.conv
}

func (e *Engine) pendingFragCount() int {
	return len(e.sndQueue) + len(e.sndBuf)
}

// PendingUnits returns the number of fragments in the send queue not yet
// acked.
func (e *Engine) PendingUnits() int {
	return e.pendingFragCount()
}

// SendAppBytes copies application bytes into the engine's send side: every
// call produces at least one fragment in message mode (more if it exceeds
// one MTU's payload), while in stream mode bytes are coalesced into the
// tail fragment up to the MTU.
func (e *Engine) SendAppBytes(data []byte) (pendingUnits int, err *rudperr.Error) {
	if len(data) == 0 {
		return 0, nil
	}
	if e.pendingFragCount() > cacheOverflowLimit {
		return 0, rudperr.New(rudperr.Failed, "protocol cache overflow: %d fragments pending", e.pendingFragCount())
	}

	var newFrags []pendingFrag
	if e.streamMode {
		newFrags = e.fragmentStream(data)
	} else {
		newFrags = e.fragmentMessage(data)
	}
	e.sndQueue = append(e.sndQueue, newFrags...)
	return len(newFrags), nil
}

func (e *Engine) fragmentStream(data []byte) []pendingFrag {
	var out []pendingFrag
	// Coalesce into the open tail fragment of sndQueue first, if any.
	if n := len(e.sndQueue); n > 0 {
		tail := &e.sndQueue[n-1]
		room := int(e.mtuPayload) - len(tail.data)
		if room > 0 {
			take := room
			if take > len(data) {
				take = len(data)
			}
			tail.data = append(tail.data, data[:take]...)
			data = data[take:]
		}
	}
	for len(data) > 0 {
		take := int(e.mtuPayload)
		if take > len(data) {
			take = len(data)
		}
		buf := make([]byte, take)
		copy(buf, data[:take])
		out = append(out, pendingFrag{data: buf, frg: 0})
		data = data[take:]
	}
	return out
}

func (e *Engine) fragmentMessage(data []byte) []pendingFrag {
	fragCap := int(e.mtuPayload)
	count := (len(data) + fragCap - 1) / fragCap
	if count == 0 {
		count = 1
	}
	out := make([]pendingFrag, 0, count)
	for i := 0; i < count; i++ {
		start := i * fragCap
		end := start + fragCap
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, end-start)
		copy(buf, data[start:end])
		out = append(out, pendingFrag{data: buf, frg: uint8(count - 1 - i)})
	}
	return out
}

// RecvInto consumes from the residual buffer first, then refills it by
// pulling whole, contiguous fragments from the reorder buffer.
func (e *Engine) RecvInto(buf []byte) (n int, err *rudperr.Error) {
	if e.streamMode {
		return e.recvStream(buf)
	}
	return e.recvMessage(buf)
}

func (e *Engine) recvStream(buf []byte) (int, *rudperr.Error) {
	n := 0
	if len(e.residual) > 0 {
		n += copy(buf, e.residual)
		e.residual = e.residual[n:]
		if n == len(buf) {
			return n, nil
		}
	}
	for n < len(buf) {
		frag, ok := e.rcvBuf[e.rcvNextSeq]
		if !ok {
			break
		}
		delete(e.rcvBuf, e.rcvNextSeq)
		e.rcvNextSeq++
		copied := copy(buf[n:], frag.data)
		n += copied
		if copied < len(frag.data) {
			e.residual = append(e.residual, frag.data[copied:]...)
			break
		}
	}
	return n, nil
}

func (e *Engine) recvMessage(buf []byte) (int, *rudperr.Error) {
	// First pass: confirm every fragment of the message has arrived before
	// touching the reorder buffer - a gap partway through must leave
	// already-arrived fragments buffered for a later call.
	sn := e.rcvNextSeq
	count := 0
	for {
		frag, ok := e.rcvBuf[sn]
		if !ok {
			return 0, nil // incomplete message: wait for the rest to arrive
		}
		count++
		sn++
		if frag.frg == 0 {
			break
		}
	}

	var msg []byte
	for i := 0; i < count; i++ {
		frag := e.rcvBuf[e.rcvNextSeq]
		msg = append(msg, frag.data...)
		delete(e.rcvBuf, e.rcvNextSeq)
		e.rcvNextSeq++
	}

	if len(msg) > len(buf) {
		copy(buf, msg[:len(buf)])
		return len(buf), rudperr.New(rudperr.NoBufferSpace, "message is %d bytes, buffer is %d", len(msg), len(buf))
	}
	copy(buf, msg)
	return len(msg), nil
}

// FeedDatagram injects a received data frame. Malformed input is dropped
// silently.
func (e *Engine) FeedDatagram(b []byte, now time.Time) {
	h, payload, ok := decodeHeader(b)
	if !ok || h.conv != e.conv {
		return
	}
	e.peerWnd = uint32(h.wnd)
	e.pruneAcked(h.una)

	switch h.cmd {
	case cmdAck:
		e.handleAck(h, now)
	case cmdPush:
		e.handlePush(h, payload)
	case cmdWindowAsk:
		e.wantWindowTell = true
	case cmdWindowTell:
		// peerWnd already updated above.
	}
}

func (e *Engine) handleAck(h header, now time.Time) {
	idx := e.findOutFrag(h.sn)
	if idx < 0 {
		return
	}
	if !e.sndBuf[idx].acked {
		e.sndBuf[idx].acked = true
		e.cc.onAck()
		rtt := e.nowMs(now) - int64(h.ts)
		e.rtt.sample(rtt)
		metrics.FragmentAckedTotal.Inc()
		metrics.RTTHistogram.Observe(float64(rtt))
	}
	for i := 0; i < idx; i++ {
		if !e.sndBuf[i].acked {
			e.sndBuf[i].skip++
		}
	}
	e.pruneContiguousAcked()
}

func (e *Engine) findOutFrag(sn uint32) int {
	if len(e.sndBuf) == 0 {
		return -1
	}
	base := e.sndBuf[0].sn
	if seqLess(sn, base) {
		return -1
	}
	idx := int(sn - base)
	if idx >= len(e.sndBuf) || e.sndBuf[idx].sn != sn {
		return -1
	}
	return idx
}

// pruneAcked drops everything strictly before una: the peer has told us it
// has received up through una-1 cumulatively.
func (e *Engine) pruneAcked(una uint32) {
	for len(e.sndBuf) > 0 && seqLess(e.sndBuf[0].sn, una) {
		e.sndBuf = e.sndBuf[1:]
	}
}

func (e *Engine) pruneContiguousAcked() {
	for len(e.sndBuf) > 0 && e.sndBuf[0].acked {
		e.sndBuf = e.sndBuf[1:]
	}
}

func (e *Engine) handlePush(h header, payload []byte) {
	e.ackList = append(e.ackList, pendingAck{sn: h.sn, ts: h.ts})
	if seqLess(h.sn, e.rcvNextSeq) {
		return // already delivered; ack was re-sent above for the peer's benefit
	}
	if h.sn-e.rcvNextSeq >= e.maxRecvWnd {
		return // outside the receive window
	}
	if _, dup := e.rcvBuf[h.sn]; dup {
		return
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	e.rcvBuf[h.sn] = &inFrag{frg: h.frg, data: data}
}

// Tick advances time: it flushes pending acks, admits queued fragments into
// the send window, retransmits anything whose RTO (or fast-retransmit skip
// count) has expired, and probes a closed peer window. It returns the
// instant by which Tick should be called again.
func (e *Engine) Tick(now time.Time, updateInterval time.Duration) time.Time {
	nowMs := e.nowMs(now)

	e.flushAcks(nowMs)
	e.admitQueued(nowMs)
	e.retransmit(nowMs)
	e.probeIfWindowClosed(nowMs)
	metrics.CongestionWindowHistogram.Observe(float64(e.cc.window()))

	return now.Add(updateInterval)
}

func (e *Engine) recvWindowAvail() uint16 {
	used := uint32(len(e.rcvBuf))
	if used >= e.maxRecvWnd {
		return 0
	}
	return uint16(e.maxRecvWnd - used)
}

func (e *Engine) flushAcks(nowMs int64) {
	for _, a := range e.ackList {
		h := header{conv: e.conv, cmd: cmdAck, wnd: e.recvWindowAvail(), ts: a.ts, sn: a.sn, una: e.rcvNextSeq}
		e.output(h.encode(nil))
	}
	e.ackList = e.ackList[:0]

	if e.wantWindowTell {
		h := header{conv: e.conv, cmd: cmdWindowTell, wnd: e.recvWindowAvail(), ts: uint32(nowMs), una: e.rcvNextSeq}
		e.output(h.encode(nil))
		e.wantWindowTell = false
	}
}

// admitQueued moves fragments from sndQueue into sndBuf while the window
// (min(MAX_SEND_WINDOW, peer_advertised, cwnd)) allows.
func (e *Engine) admitQueued(nowMs int64) {
	windowed := e.maxSendWnd
	if e.peerWnd < windowed {
		windowed = e.peerWnd
	}
	if cw := e.cc.window(); cw < windowed {
		windowed = cw
	}

	inFlight := uint32(len(e.sndBuf))
	for len(e.sndQueue) > 0 && inFlight < windowed {
		pf := e.sndQueue[0]
		e.sndQueue = e.sndQueue[1:]
		of := &outFrag{sn: e.sndNextSeq, frg: pf.frg, data: pf.data, rto: e.rtt.currentRTO(), nextResend: nowMs}
		e.sndNextSeq++
		e.sndBuf = append(e.sndBuf, of)
		inFlight++
	}
}

func (e *Engine) retransmit(nowMs int64) {
	for _, of := range e.sndBuf {
		if of.acked {
			continue
		}
		fastDue := e.fastResendSkip > 0 && uint32(of.skip) >= e.fastResendSkip
		timedOut := nowMs >= of.nextResend
		if !fastDue && !timedOut {
			continue
		}
		h := header{conv: e.conv, cmd: cmdPush, frg: of.frg, wnd: e.recvWindowAvail(), ts: uint32(nowMs), sn: of.sn, una: e.rcvNextSeq}
		e.output(h.encode(of.data))
		metrics.FragmentSentTotal.Inc()

		if timedOut {
			if of.xmit > 0 {
				of.rto = e.rtt.backoff(of.rto)
				e.cc.onRTOLoss()
				metrics.FragmentRetransmitTotal.With(prometheus.Labels{"trigger": "timeout"}).Inc()
			} else {
				of.rto = e.rtt.currentRTO()
			}
			of.nextResend = nowMs + of.rto
		} else {
			e.cc.onFastRetransmitLoss()
			metrics.FragmentRetransmitTotal.With(prometheus.Labels{"trigger": "fast_retransmit"}).Inc()
		}
		of.xmit++
		of.skip = 0
	}
}

// probeIfWindowClosed asks the peer to restate its window at a backoff
// interval if its advertised window has stayed at zero, so the sender can
// recover once the window reopens.
func (e *Engine) probeIfWindowClosed(nowMs int64) {
	if e.peerWnd != 0 || (len(e.sndBuf) == 0 && len(e.sndQueue) == 0) {
		return
	}
	if nowMs-e.lastProbe < windowProbeBackoffMs {
		return
	}
	e.lastProbe = nowMs
	h := header{conv: e.conv, cmd: cmdWindowAsk, wnd: e.recvWindowAvail(), ts: uint32(nowMs), una: e.rcvNextSeq}
	e.output(h.encode(nil))
	metrics.WindowProbeTotal.Inc()
}

// Close marks the engine closed. The registry/session layers stop calling
// Tick/FeedDatagram/SendAppBytes/RecvInto afterward; Close itself does not
// need to do anything beyond letting garbage collection reclaim the maps.
func (e *Engine) Close() {
	e.closed = true
}
