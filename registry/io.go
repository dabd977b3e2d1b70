package registry

import (
	"log"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rudplab/rudp/frame"
	"github.com/rudplab/rudp/metrics"
	"github.com/rudplab/rudp/reliable"
	"github.com/rudplab/rudp/rudperr"
	"github.com/rudplab/rudp/session"
)

func (r *Registry) sendControlFor(d *descriptor) session.SendControlFunc {
	return func(f frame.Control) {
		d.mu.Lock()
		dest := d.remoteAddr
		d.mu.Unlock()
		if dest == nil {
			return
		}
		r.outq.push(outboundFrame{dest: dest, wire: f.Encode(), kind: kindControl})
	}
}

func (r *Registry) sendDataFor(d *descriptor) session.SendDataFunc {
	return func(wire []byte) {
		d.mu.Lock()
		dest := d.remoteAddr
		d.mu.Unlock()
		if dest == nil {
			return
		}
		r.outq.push(outboundFrame{dest: dest, wire: wire, kind: kindData})
	}
}

func (r *Registry) onConnectedFor(d *descriptor) session.ConnectedFunc {
	return func(eng *reliable.Engine) {
		d.mu.Lock()
		d.engine = eng
		d.mu.Unlock()

		r.mu.Lock()
		r.byConv[eng.Conv()] = d
		isPendingChild := r.listener != nil && isChildOf(r.listener, d.id)
		r.mu.Unlock()

		metrics.HandshakeTotal.With(prometheus.Labels{"outcome": "connected"}).Inc()

		d.mu.Lock()
		remote := d.remoteAddr
		d.mu.Unlock()
		remoteStr := ""
		if remote != nil {
			remoteStr = remote.String()
		}
		r.recordSnapshot(SnapshotRecord{
			Event:        DescriptorConnected,
			Timestamp:    time.Now(),
			DescriptorID: d.id,
			Conv:         eng.Conv(),
			RemoteAddr:   remoteStr,
		})

		if isPendingChild {
			r.listener.enqueueAccept(d.id)
		}
		d.connectOnce.Do(func() { d.connectResult <- nil })
	}
}

func isChildOf(listener *descriptor, childID uint32) bool {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	for _, id := range listener.pendingChildren {
		if id == childID {
			return true
		}
	}
	return false
}

func (r *Registry) onClosedFor(d *descriptor) session.ClosedFunc {
	return func(kind rudperr.Kind, detail string) {
		d.mu.Lock()
		connected := d.engine != nil
		d.mu.Unlock()
		if kind != rudperr.Success && !connected {
			metrics.HandshakeTotal.With(prometheus.Labels{"outcome": "failed"}).Inc()
		}
		r.recordSnapshot(SnapshotRecord{
			Event:        DescriptorClosed,
			Timestamp:    time.Now(),
			DescriptorID: d.id,
			CloseReason:  kind.String(),
		})
		d.connectOnce.Do(func() {
			if kind == rudperr.Success {
				d.connectResult <- nil
			} else {
				d.connectResult <- rudperr.New(kind, "%s", detail)
			}
		})
	}
}

// recvLoop pulls raw datagrams off the shared endpoint and dispatches
// them to the owning descriptor's executor.
func (r *Registry) recvLoop() {
	defer r.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		n, src, err := r.endpoint.RecvFrom(buf)
		if err != nil {
			return
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])
		r.dispatch(wire, src, time.Now())
	}
}

func (r *Registry) dispatch(wire []byte, src net.Addr, now time.Time) {
	switch frame.Classify(wire) {
	case frame.KindControl:
		r.dispatchControl(wire, src, now)
	case frame.KindData:
		r.dispatchData(wire, now)
	default:
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "garbage"}).Inc()
	}
}

func (r *Registry) dispatchControl(wire []byte, src net.Addr, now time.Time) {
	f, ok := frame.Decode(wire)
	if !ok {
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "garbage"}).Inc()
		return
	}

	if f.DstID != frame.Unbound {
		d, ok := r.lookup(f.DstID)
		if !ok {
			metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "unknown_descriptor"}).Inc()
			return
		}
		epoch := d.currentEpoch()
		r.pool.submit(d.id, epoch, func() {
			d.mu.Lock()
			sess := d.sess
			stale := d.epoch != epoch
			d.mu.Unlock()
			if sess != nil && !stale {
				sess.HandleControl(f, now)
			}
		})
		return
	}

	if f.Command != frame.SYN {
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "unbound_non_syn"}).Inc()
		return
	}
	r.dispatchSYN(f, src, now)
}

func (r *Registry) dispatchSYN(f frame.Control, src net.Addr, now time.Time) {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener == nil {
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "no_listener"}).Inc()
		return
	}

	listener.mu.Lock()
	childID, exists := listener.pendingChildren[f.SrcID]
	if !exists && len(listener.pendingChildren) >= maxPendingChildren {
		listener.mu.Unlock()
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "pending_cap"}).Inc()
		return
	}
	listener.mu.Unlock()

	if exists {
		child, ok := r.lookup(childID)
		if !ok {
			return
		}
		epoch := child.currentEpoch()
		r.pool.submit(child.id, epoch, func() {
			child.mu.Lock()
			sess := child.sess
			stale := child.epoch != epoch
			child.mu.Unlock()
			if sess != nil && !stale {
				sess.HandleControl(f, now)
			}
		})
		return
	}

	id, cerr := r.Create()
	if cerr != nil {
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "descriptor_cap"}).Inc()
		return
	}
	child, _ := r.lookup(id)
	child.mu.Lock()
	child.remoteAddr = src
	child.sess = session.New(id, child.cfg, r.sendControlFor(child), r.sendDataFor(child),
		r.onConnectedFor(child), r.onClosedFor(child))
	child.mu.Unlock()

	listener.mu.Lock()
	listener.pendingChildren[f.SrcID] = id
	listener.mu.Unlock()

	child.sess.AcceptSYN(f.SrcID, f.Payload, now)
}

func (r *Registry) dispatchData(wire []byte, now time.Time) {
	conv, ok := reliable.PeekConv(wire)
	if !ok {
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "garbage"}).Inc()
		return
	}
	r.mu.RLock()
	d, ok := r.byConv[conv]
	r.mu.RUnlock()
	if !ok {
		metrics.DroppedDatagramTotal.With(prometheus.Labels{"reason": "unknown_conv"}).Inc()
		return
	}
	epoch := d.currentEpoch()
	r.pool.submit(d.id, epoch, func() {
		d.mu.Lock()
		eng := d.engine
		sess := d.sess
		stale := d.epoch != epoch
		d.mu.Unlock()
		if eng == nil || stale {
			return
		}
		eng.FeedDatagram(wire, now)
		if sess != nil {
			sess.Touch(now)
		}
		d.signalRecvReady()
	})
}

func (r *Registry) sendLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.flushOutbound()
		}
	}
}

func (r *Registry) flushOutbound() {
	metrics.OutboundQueueDepth.Observe(float64(r.outq.depth()))
	for {
		f, ok := r.outq.pop()
		if !ok {
			return
		}
		if err := r.endpoint.SendTo(f.dest, f.wire); err != nil {
			log.Printf("registry: send to %s failed: %v", f.dest, err)
		}
	}
}

func (r *Registry) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.tickAll(now)
		}
	}
}

// tickAll fans the tick out to every descriptor's own executor, so a
// timer tick never races with an in-flight HandleControl/FeedDatagram job
// for the same descriptor.
func (r *Registry) tickAll(now time.Time) {
	r.mu.RLock()
	all := make([]*descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		all = append(all, d)
	}
	r.mu.RUnlock()

	for _, d := range all {
		d := d
		epoch := d.currentEpoch()
		r.pool.submit(d.id, epoch, func() {
			d.mu.Lock()
			sess := d.sess
			eng := d.engine
			stale := d.epoch != epoch
			d.mu.Unlock()
			if stale {
				return
			}
			if sess != nil {
				sess.Tick(now)
			}
			if eng != nil {
				eng.Tick(now, tickInterval)
			}
		})
	}
}
