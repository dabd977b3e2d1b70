// Package session implements the RUDP core's connection state machine: the
// CLOSED/INIT/SYN_SENT/SYN_RECV/CONNECTED states, the three-way handshake,
// keepalive ping/pong, idle-timeout detection, and command-retry with a
// try-cap.
package session

import (
	"time"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/frame"
	"github.com/rudplab/rudp/metrics"
	"github.com/rudplab/rudp/reliable"
	"github.com/rudplab/rudp/rudperr"
)

// State is one of the five connection state machine states.
type State int

// Recognized states. Initial state is Init; terminal state is Closed.
const (
	Closed State = iota
	Init
	SynSent
	SynRecv
	Connected
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Init:
		return "INIT"
	case SynSent:
		return "SYN_SENT"
	case SynRecv:
		return "SYN_RECV"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// SendControlFunc emits a control frame directly to the datagram endpoint
// (C1), bypassing the RTE - control frames are never subject to windowing.
type SendControlFunc func(frame.Control)

// SendDataFunc emits a wire-ready data frame (produced by the RTE) to the
// datagram endpoint.
type SendDataFunc func(wire []byte)

// ConnectedFunc is invoked exactly once, when the handshake completes and
// the RTE should be instantiated.
type ConnectedFunc func(engine *reliable.Engine)

// ClosedFunc is invoked exactly once, when the session tears down, with the
// reason. It must be safe to call even if the session never connected.
type ClosedFunc func(kind rudperr.Kind, detail string)

// Session is one descriptor's connection state machine.
type Session struct {
	selfID   uint32
	remoteID uint32
	haveRemote bool

	cfg *config.Block

	sendControl SendControlFunc
	sendData    SendDataFunc
	onConnected ConnectedFunc
	onClosed    ClosedFunc

	state State

	localMTU   uint32
	remoteMTU  uint32
	streamMode bool

	tryCount     int
	statusArmed  bool
	statusDue    time.Time
	lastActive   time.Time
	pongTryCount int
	pingOutstanding bool
	lastPingSent    time.Time

	engine *reliable.Engine

	closedFired bool
}

// New constructs a Session in state Init. Call Connect to drive it into
// SYN_SENT as a client, or AcceptSYN to drive a freshly allocated server
// child descriptor into SYN_RECV.
func New(selfID uint32, cfg *config.Block, sendControl SendControlFunc, sendData SendDataFunc, onConnected ConnectedFunc, onClosed ClosedFunc) *Session {
	return &Session{
		selfID:      selfID,
		cfg:         cfg,
		sendControl: sendControl,
		sendData:    sendData,
		onConnected: onConnected,
		onClosed:    onClosed,
		state:       Init,
		localMTU:    uint32(cfg.Get(config.MTUSize)),
		streamMode:  cfg.Bool(config.EnableStreamMode),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state
}

// RemoteID returns the peer descriptor id once known.
func (s *Session) RemoteID() (uint32, bool) {
	return s.remoteID, s.haveRemote
}

func (s *Session) armStatusTimer(now time.Time) {
	s.statusArmed = true
	s.statusDue = now.Add(time.Duration(s.cfg.Get(config.ConnectTimeoutMS)) * time.Millisecond)
}

// Connect drives INIT -> SYN_SENT: sends a SYN carrying this side's MTU and
// stream-mode bit, and arms the status timer.
func (s *Session) Connect(now time.Time) *rudperr.Error {
	if s.state != Init {
		return rudperr.New(rudperr.OperationInProgress, "connect called in state %s", s.state)
	}
	s.state = SynSent
	s.tryCount = 0
	s.sendSYN()
	s.armStatusTimer(now)
	s.lastActive = now
	return nil
}

func (s *Session) sendSYN() {
	s.sendControl(frame.Control{
		Command: frame.SYN,
		SrcID:   s.selfID,
		DstID:   frame.Unbound,
		Payload: frame.HandshakePayload(s.localMTU, s.streamMode),
	})
}

// AcceptSYN drives a freshly allocated server-child Session from INIT into
// SYN_RECV (or straight to CLOSED via RST) upon receiving the peer's SYN
// via the registry's server dispatch.
func (s *Session) AcceptSYN(remoteID uint32, synPayload uint32, now time.Time) {
	if s.state != Init {
		return
	}
	remoteMTU, remoteStream := frame.ParseHandshakePayload(synPayload)
	s.remoteID = remoteID
	s.haveRemote = true

	if remoteStream && !s.streamMode {
		s.sendControl(frame.Control{Command: frame.Rst, SrcID: s.selfID, DstID: remoteID})
		s.transitionClosed(rudperr.InvalidArgument, "peer requested stream mode, this side disabled")
		return
	}

	s.remoteMTU = remoteMTU
	s.state = SynRecv
	s.tryCount = 0
	s.sendSynAck()
	s.armStatusTimer(now)
	s.lastActive = now
}

func (s *Session) sendSynAck() {
	s.sendControl(frame.Control{
		Command: frame.SynAck,
		SrcID:   s.selfID,
		DstID:   s.remoteID,
		Payload: frame.HandshakePayload(s.localMTU, s.streamMode),
	})
}

func (s *Session) adoptedMTU() uint32 {
	if s.localMTU < s.remoteMTU {
		return s.localMTU
	}
	return s.remoteMTU
}

// HandleControl applies one inbound control frame to the state machine,
// per the per-state command-acceptance filter and source-verification
// rules below. Unrecognized combinations are silently dropped.
func (s *Session) HandleControl(f frame.Control, now time.Time) {
	if f.DstID != s.selfID && f.Command != frame.SYN {
		return
	}
	switch s.state {
	case SynSent:
		s.handleSynSent(f, now)
	case SynRecv:
		s.handleSynRecv(f, now)
	case Connected:
		s.handleConnected(f, now)
	default:
		// CLOSED and INIT (server dispatch handles SYN via AcceptSYN) accept nothing here.
	}
}

func (s *Session) verifiedSource(f frame.Control) bool {
	return s.haveRemote && f.SrcID == s.remoteID && f.DstID == s.selfID
}

func (s *Session) handleSynSent(f frame.Control, now time.Time) {
	switch f.Command {
	case frame.SynAck:
		s.remoteID = f.SrcID
		s.haveRemote = true
		s.remoteMTU, _ = frame.ParseHandshakePayload(f.Payload)
		s.enterConnected(f.SrcID, now)
		s.sendControl(frame.Control{Command: frame.SynAck2, SrcID: s.selfID, DstID: s.remoteID})
	case frame.Rst:
		if !s.haveRemote || f.SrcID == s.remoteID {
			s.transitionClosed(rudperr.ConnectionReset, "received RST in SYN_SENT")
		}
	}
}

func (s *Session) handleSynRecv(f frame.Control, now time.Time) {
	switch f.Command {
	case frame.SynAck2:
		if s.verifiedSource(f) {
			s.enterConnected(s.selfID, now)
		}
	case frame.SYN:
		// Retransmitted SYN from the same peer while we wait for SYN_ACK2: resend SYN_ACK.
		if s.haveRemote && f.SrcID == s.remoteID {
			s.sendSynAck()
			s.armStatusTimer(now)
		}
	case frame.Rst:
		if s.verifiedSource(f) {
			s.transitionClosed(rudperr.ConnectionReset, "received RST in SYN_RECV")
		}
	}
}

func (s *Session) handleConnected(f frame.Control, now time.Time) {
	switch f.Command {
	case frame.SynAck:
		// Peer's SYN_ACK retransmitted after we already connected: ignore.
	case frame.Ping:
		if s.verifiedSource(f) {
			s.lastActive = now
			s.sendControl(frame.Control{Command: frame.Pong, SrcID: s.selfID, DstID: s.remoteID})
		}
	case frame.Pong:
		if s.verifiedSource(f) {
			s.lastActive = now
			s.pongTryCount = 0
			s.pingOutstanding = false
		}
	case frame.Rst:
		if s.verifiedSource(f) {
			s.transitionClosed(rudperr.ConnectionReset, "received RST while connected")
		}
	}
}

// enterConnected instantiates the RTE with the given conversation id (the
// server-side descriptor's id: the peer's id on the client, selfID on the
// server) and fires onConnected.
func (s *Session) enterConnected(conversationID uint32, now time.Time) {
	s.state = Connected
	s.statusArmed = false
	s.lastActive = now
	mtu := s.adoptedMTU()
	connCfg := config.NewBlockFrom(s.cfg)
	connCfg.Set(config.MTUSize, int64(mtu))
	s.engine = reliable.New(conversationID, connCfg, reliable.OutputFunc(s.sendData))
	s.onConnected(s.engine)
}

// Touch refreshes the idle-liveness clock; the registry calls this whenever
// a data frame is fed to the engine. PING and PONG refresh the clock inside
// HandleControl instead.
func (s *Session) Touch(now time.Time) {
	s.lastActive = now
}

// Tick advances the session's timers: handshake/command retry, idle
// timeout, and auto-keepalive. It returns the next instant Tick should be
// called.
func (s *Session) Tick(now time.Time) time.Time {
	switch s.state {
	case SynSent, SynRecv:
		return s.tickHandshake(now)
	case Connected:
		return s.tickConnected(now)
	}
	return now.Add(time.Second)
}

func (s *Session) tickHandshake(now time.Time) time.Time {
	if !s.statusArmed || now.Before(s.statusDue) {
		return s.statusDue
	}
	s.tryCount++
	maxTry := s.cfg.Get(config.CommandMaxTryCnt)
	if int64(s.tryCount) > maxTry {
		s.transitionClosed(rudperr.NetworkUnreachable, "handshake exhausted retry budget")
		return now.Add(time.Second)
	}
	if s.state == SynSent {
		s.sendSYN()
	} else {
		s.sendSynAck()
	}
	metrics.HandshakeRetryTotal.Inc()
	s.armStatusTimer(now)
	return s.statusDue
}

func (s *Session) tickConnected(now time.Time) time.Time {
	idleLimit := time.Duration(s.cfg.Get(config.MaxIdleConnectionTimeMS)) * time.Millisecond
	if now.Sub(s.lastActive) > idleLimit {
		s.transitionClosed(rudperr.TimedOut, "idle longer than configured limit")
		return now.Add(time.Second)
	}

	if s.pingOutstanding {
		pingTimeout := time.Duration(s.cfg.Get(config.ConnectTimeoutMS)) * time.Millisecond
		if now.Sub(s.lastPingSent) > pingTimeout {
			s.pongTryCount++
			if int64(s.pongTryCount) > s.cfg.Get(config.CommandMaxTryCnt) {
				s.transitionClosed(rudperr.NetworkUnreachable, "keepalive exhausted retry budget")
				return now.Add(time.Second)
			}
			s.sendPing(now)
		}
	} else if s.cfg.Bool(config.EnableAutoKeepalive) && now.Sub(s.lastActive) > idleLimit/2 {
		s.sendPing(now)
	}

	return now.Add(time.Duration(s.cfg.Get(config.UpdateIntervalMS)) * time.Millisecond)
}

func (s *Session) sendPing(now time.Time) {
	s.sendControl(frame.Control{Command: frame.Ping, SrcID: s.selfID, DstID: s.remoteID})
	s.pingOutstanding = true
	s.lastPingSent = now
}

// Destroy sends a best-effort RST and transitions to CLOSED, firing
// onClosed exactly once even if called multiple times from any state.
func (s *Session) Destroy() {
	if s.state != Closed && s.haveRemote {
		s.sendControl(frame.Control{Command: frame.Rst, SrcID: s.selfID, DstID: s.remoteID})
	}
	s.transitionClosed(rudperr.Success, "")
}

func (s *Session) transitionClosed(kind rudperr.Kind, detail string) {
	s.state = Closed
	if s.engine != nil {
		s.engine.Close()
	}
	if !s.closedFired {
		s.closedFired = true
		s.onClosed(kind, detail)
	}
}
