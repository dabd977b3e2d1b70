package registry

import "sync"

// defaultExecutorCount is the default executor-pool size.
const defaultExecutorCount = 8

// job is one unit of per-descriptor work: processing an inbound datagram,
// running a timer tick, or delivering a completion callback. epoch pins the
// job to the descriptor generation it was produced for, so a job queued
// before an accept-time executor migration is silently dropped rather than
// running against a descriptor it no longer owns.
type job struct {
	epoch uint64
	run   func()
}

// executorPool is a fixed set of worker goroutines, each single-threaded,
// so all jobs for one descriptor (pinned to one executor by id) execute
// without internal races even though the pool as a whole is concurrent.
// Mirrors the fan-out-to-workers-over-channels shape of saver.go's
// marshaller pool.
type executorPool struct {
	workers []chan job
	wg      sync.WaitGroup
}

func newExecutorPool(n int) *executorPool {
	if n <= 0 {
		n = defaultExecutorCount
	}
	p := &executorPool{workers: make([]chan job, n)}
	for i := range p.workers {
		ch := make(chan job, 256)
		p.workers[i] = ch
		p.wg.Add(1)
		go p.run(ch)
	}
	return p
}

func (p *executorPool) run(ch chan job) {
	defer p.wg.Done()
	for j := range ch {
		j.run()
	}
}

// index picks the worker for a descriptor id, stable across the
// descriptor's lifetime (migration changes the epoch carried by jobs, not
// the worker assignment).
func (p *executorPool) index(descriptorID uint32) int {
	return int(descriptorID) % len(p.workers)
}

// submit enqueues a job for the executor owning descriptorID. Jobs whose
// epoch no longer matches the descriptor's current epoch at run time are
// expected to no-op internally; submit itself never checks, since the
// descriptor's current epoch can only be read safely from inside the
// executor that owns it.
func (p *executorPool) submit(descriptorID uint32, epoch uint64, run func()) {
	idx := p.index(descriptorID)
	p.workers[idx] <- job{epoch: epoch, run: run}
}

func (p *executorPool) close() {
	for _, ch := range p.workers {
		close(ch)
	}
	p.wg.Wait()
}
