// Package registry implements the RUDP core's descriptor registry and API
// surface: descriptor allocation, the create/bind/listen/accept/
// wait_connect/connect/send/recv/configure/destroy operations,
// inbound-datagram demultiplexing, and the executor pool that gives each
// descriptor cooperative, single-threaded processing.
package registry

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/frame"
	"github.com/rudplab/rudp/metrics"
	"github.com/rudplab/rudp/reliable"
	"github.com/rudplab/rudp/rudperr"
	"github.com/rudplab/rudp/session"
	"github.com/rudplab/rudp/socket"
	"github.com/rudplab/rudp/uid"
)

// maxLiveDescriptors caps the number of simultaneously live descriptors;
// Create returns ResourceBusy once it is reached.
const maxLiveDescriptors = 1 << 20

const tickInterval = 20 * time.Millisecond

// Registry owns one shared datagram endpoint and every descriptor
// multiplexed onto it.
type Registry struct {
	endpoint *socket.Endpoint
	outq     *outboundQueue
	pool     *executorPool
	alloc    *uid.Allocator

	mu          sync.RWMutex
	descriptors map[uint32]*descriptor
	byConv      map[uint32]*descriptor
	listener    *descriptor

	systemCfg *config.Block

	snapshotMu sync.RWMutex
	snapshot   *Snapshotter

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// EnableSnapshotLog turns on the optional descriptor-snapshot log: every
// connect and close event is appended to w as one JSON line. Pass a nil w
// to disable it again.
func (r *Registry) EnableSnapshotLog(w io.Writer) {
	r.snapshotMu.Lock()
	defer r.snapshotMu.Unlock()
	if w == nil {
		r.snapshot = nil
		return
	}
	r.snapshot = NewSnapshotter(w)
}

func (r *Registry) recordSnapshot(rec SnapshotRecord) {
	r.snapshotMu.RLock()
	s := r.snapshot
	r.snapshotMu.RUnlock()
	if s == nil {
		return
	}
	if err := s.Record(rec); err != nil {
		log.Printf("registry: snapshot log write failed: %v", err)
	}
}

// New binds a shared datagram endpoint at addr and starts the registry's
// receive and tick loops. addr may be ":0" to pick an ephemeral port on an
// auto-selected local address (see socket.Bind), or "host:0" to pin that
// address explicitly.
func New(addr string, systemCfg *config.Block) (*Registry, *rudperr.Error) {
	ep, err := socket.Bind(addr, systemCfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		endpoint:    ep,
		outq:        newOutboundQueue(),
		pool:        newExecutorPool(defaultExecutorCount),
		alloc:       uid.NewAllocator(),
		descriptors: make(map[uint32]*descriptor),
		byConv:      make(map[uint32]*descriptor),
		systemCfg:   systemCfg,
		stop:        make(chan struct{}),
	}
	r.wg.Add(3)
	go r.recvLoop()
	go r.sendLoop()
	go r.tickLoop()
	return r, nil
}

// LocalAddr returns the registry's shared bound address.
func (r *Registry) LocalAddr() net.Addr {
	return r.endpoint.LocalAddr()
}

// Create allocates a new, not-yet-connected descriptor with its own
// configuration block seeded from the process-wide defaults.
func (r *Registry) Create() (uint32, *rudperr.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.descriptors) >= maxLiveDescriptors {
		return 0, rudperr.New(rudperr.ResourceBusy, "live descriptor cap (%d) reached", maxLiveDescriptors)
	}
	id := r.alloc.Next()
	d := newDescriptor(id, r, config.NewBlockFrom(r.systemCfg))
	r.descriptors[id] = d
	metrics.OpenDescriptors.Set(float64(len(r.descriptors)))
	return id, nil
}

func (r *Registry) lookup(id uint32) (*descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Listen marks a descriptor as a listener: from now on, inbound SYNs with
// no destination descriptor bound will spawn child descriptors for it.
func (r *Registry) Listen(id uint32) *rudperr.Error {
	d, ok := r.lookup(id)
	if !ok {
		return rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}
	d.makeListener()
	r.mu.Lock()
	r.listener = d
	r.mu.Unlock()
	return nil
}

// Accept blocks until a pending child of the listening descriptor id
// completes its handshake, then returns the child's descriptor id. It bumps
// the child's epoch, so jobs queued for the child before Accept returned are
// dropped. The child keeps the executor chosen by its id; Accept takes no
// target executor and moves the child to none.
func (r *Registry) Accept(id uint32) (uint32, *rudperr.Error) {
	d, ok := r.lookup(id)
	if !ok {
		return 0, rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}
	d.mu.Lock()
	ch := d.acceptQueue
	d.mu.Unlock()
	if ch == nil {
		return 0, rudperr.New(rudperr.InvalidArgument, "descriptor %d is not listening", id)
	}
	childID, ok := <-ch
	if !ok {
		return 0, rudperr.New(rudperr.BrokenPipe, "listener %d destroyed", id)
	}
	child, ok := r.lookup(childID)
	if ok {
		child.bumpEpoch()
	}
	return childID, nil
}

// Connect allocates a descriptor and begins a client handshake toward
// remoteAddr.
func (r *Registry) Connect(remoteAddr string) (uint32, *rudperr.Error) {
	dst, rerr := socket.ResolveRemote(remoteAddr)
	if rerr != nil {
		return 0, rerr
	}
	id, cerr := r.Create()
	if cerr != nil {
		return 0, cerr
	}
	d, _ := r.lookup(id)
	d.mu.Lock()
	d.remoteAddr = dst
	d.sess = session.New(id, d.cfg, r.sendControlFor(d), r.sendDataFor(d), r.onConnectedFor(d), r.onClosedFor(d))
	d.mu.Unlock()

	if err := d.sess.Connect(time.Now()); err != nil {
		return 0, err
	}
	return id, nil
}

// WaitConnect blocks until a Connect-initiated handshake completes, either
// successfully or with an error describing why it did not.
func (r *Registry) WaitConnect(id uint32) *rudperr.Error {
	d, ok := r.lookup(id)
	if !ok {
		return rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}
	return <-d.connectResult
}

// Send hands application bytes to the descriptor's reliable-transport
// engine, on the descriptor's own executor, and returns the number of
// bytes handed off (len(data) on success - the engine's own fragment
// count is internal telemetry, not what callers should compare len(data)
// against).
func (r *Registry) Send(id uint32, data []byte) (int, *rudperr.Error) {
	d, ok := r.lookup(id)
	if !ok {
		return 0, rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}

	epoch := d.currentEpoch()
	done := make(chan struct{})
	var serr *rudperr.Error
	var notConnected bool
	r.pool.submit(d.id, epoch, func() {
		defer close(done)
		d.mu.Lock()
		eng := d.engine
		stale := d.epoch != epoch
		d.mu.Unlock()
		if eng == nil || stale {
			notConnected = true
			return
		}
		_, serr = eng.SendAppBytes(data)
	})
	<-done

	if notConnected {
		return 0, rudperr.New(rudperr.NotConnected, "descriptor %d is not connected", id)
	}
	if serr != nil {
		return 0, serr
	}
	return len(data), nil
}

// Recv reads application bytes out of the descriptor's reliable-transport
// engine, on the descriptor's own executor. It blocks until at least one
// byte is available, the descriptor is destroyed, or an error occurs -
// there is no 0-byte poll-and-spin path.
func (r *Registry) Recv(id uint32, buf []byte) (int, *rudperr.Error) {
	d, ok := r.lookup(id)
	if !ok {
		return 0, rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}
	for {
		n, rerr, notConnected := r.recvAttempt(d, buf)
		if notConnected {
			return 0, rudperr.New(rudperr.NotConnected, "descriptor %d is not connected", id)
		}
		if rerr != nil {
			return 0, rerr
		}
		if n > 0 {
			return n, nil
		}

		d.mu.Lock()
		destroyed := d.destroyed
		ready := d.recvReady
		d.mu.Unlock()
		if destroyed {
			return 0, rudperr.New(rudperr.BrokenPipe, "descriptor %d destroyed", id)
		}
		<-ready
	}
}

// recvAttempt makes one non-blocking RecvInto call on the descriptor's own
// executor and reports whether it ran at all (notConnected is true if the
// descriptor has no engine yet, or had one migrated away from under it).
func (r *Registry) recvAttempt(d *descriptor, buf []byte) (n int, rerr *rudperr.Error, notConnected bool) {
	epoch := d.currentEpoch()
	done := make(chan struct{})
	r.pool.submit(d.id, epoch, func() {
		defer close(done)
		d.mu.Lock()
		eng := d.engine
		stale := d.epoch != epoch
		d.mu.Unlock()
		if eng == nil || stale {
			notConnected = true
			return
		}
		n, rerr = eng.RecvInto(buf)
	})
	<-done
	return
}

// Configure sets a per-descriptor configuration option override.
func (r *Registry) Configure(id uint32, opt config.Option, value int64) *rudperr.Error {
	d, ok := r.lookup(id)
	if !ok {
		return rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}
	d.cfg.Set(opt, value)
	return nil
}

// ConfigureSystem sets a process-wide default configuration option; it
// only affects descriptors created afterward.
func (r *Registry) ConfigureSystem(opt config.Option, value int64) {
	r.systemCfg.Set(opt, value)
}

// Destroy tears down a descriptor: its session (if any) sends a
// best-effort RST, its engine is released, and its id is freed from the
// registry.
func (r *Registry) Destroy(id uint32) *rudperr.Error {
	d, ok := r.lookup(id)
	if !ok {
		return rudperr.New(rudperr.BadFileDescriptor, "unknown descriptor %d", id)
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	sess := d.sess
	eng := d.engine
	epoch := d.epoch
	close(d.recvReady)
	d.mu.Unlock()

	if sess != nil {
		done := make(chan struct{})
		r.pool.submit(d.id, epoch, func() {
			sess.Destroy()
			close(done)
		})
		<-done
	}

	r.mu.Lock()
	delete(r.descriptors, id)
	if eng != nil {
		delete(r.byConv, eng.Conv())
	}
	if l := r.listener; l != nil && l != d {
		l.mu.Lock()
		for remote, cid := range l.pendingChildren {
			if cid == id {
				delete(l.pendingChildren, remote)
			}
		}
		l.mu.Unlock()
	}
	if r.listener == d {
		r.listener = nil
	}
	metrics.OpenDescriptors.Set(float64(len(r.descriptors)))
	r.mu.Unlock()

	d.closeAcceptQueue()
	return nil
}

// Close shuts down the registry's receive/tick loops and the underlying
// socket. Safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.endpoint.Close()
		r.wg.Wait()
		r.pool.close()
	})
}
