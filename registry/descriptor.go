package registry

import (
	"net"
	"sync"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/reliable"
	"github.com/rudplab/rudp/rudperr"
	"github.com/rudplab/rudp/session"
)

// maxPendingChildren bounds how many server children a listening descriptor
// will track at once, counting both children still in the handshake and
// connected children that have not been destroyed yet.
const maxPendingChildren = 1024

// descriptor is one entry in the registry: a listener, a connecting/
// connected peer, or (transiently) a pending server child awaiting its
// SYN_ACK2.
type descriptor struct {
	id  uint32
	reg *Registry

	mu    sync.Mutex
	epoch uint64

	cfg *config.Block

	listening       bool
	pendingChildren map[uint32]uint32 // remote descriptor id -> child descriptor id
	acceptQueue     chan uint32
	closedQueue     bool

	sess       *session.Session
	engine     *reliable.Engine
	remoteAddr net.Addr

	connectResult chan *rudperr.Error
	connectOnce   sync.Once

	// recvReady wakes a blocked Recv call whenever new application bytes
	// might have become available, or the descriptor is destroyed. It is
	// buffered to 1 so a signal sent with nobody waiting is not lost.
	recvReady chan struct{}

	destroyed bool
}

func newDescriptor(id uint32, reg *Registry, cfg *config.Block) *descriptor {
	return &descriptor{
		id:            id,
		reg:           reg,
		cfg:           cfg,
		connectResult: make(chan *rudperr.Error, 1),
		recvReady:     make(chan struct{}, 1),
	}
}

// signalRecvReady wakes any Recv call currently blocked waiting for data.
// Safe to call after the descriptor is destroyed (recvReady is already
// closed by then, so the blocked Recv wakes on its own).
func (d *descriptor) signalRecvReady() {
	d.mu.Lock()
	destroyed := d.destroyed
	ch := d.recvReady
	d.mu.Unlock()
	if destroyed {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// currentEpoch returns the descriptor's epoch under lock, for callers that
// need to stamp a job before handing it to the executor pool.
func (d *descriptor) currentEpoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// bumpEpoch invalidates any in-flight jobs queued against the descriptor's
// previous identity; called by Accept when a connected child descriptor is
// handed to the caller.
func (d *descriptor) bumpEpoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++
	return d.epoch
}

func (d *descriptor) makeListener() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listening = true
	d.pendingChildren = make(map[uint32]uint32)
	d.acceptQueue = make(chan uint32, 128)
}

func (d *descriptor) enqueueAccept(childID uint32) {
	d.mu.Lock()
	closed := d.closedQueue
	ch := d.acceptQueue
	d.mu.Unlock()
	if closed || ch == nil {
		return
	}
	select {
	case ch <- childID:
	default:
		// Accept queue full: the child id is dropped silently and Accept
		// never returns this connection.
	}
}

func (d *descriptor) closeAcceptQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closedQueue && d.acceptQueue != nil {
		d.closedQueue = true
		close(d.acceptQueue)
	}
}
