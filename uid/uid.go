// Package uid generates the correlation identifiers used by the registry:
// a process-wide diagnostic prefix for log correlation, and a monotonic
// 32-bit descriptor-id allocator that never hands out the reserved
// "unbound" value.
package uid

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	prefixOnce  sync.Once
	cachedPrefix string
)

// uptimeSample reads the kernel's uptime counter from /proc/uptime and
// derives the epoch second the machine booted. The derivation straddles two
// unsynchronized clocks (the monotonic counter in /proc/uptime and the
// wall-clock time.Now() read right after), so a second boundary crossing
// between the two reads can shift the result by one second in either
// direction - the caller is expected to sample this until it settles.
func uptimeSample() (int64, error) {
	raw, err := ioutil.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return 0, fmt.Errorf("unexpected /proc/uptime format: %q", raw)
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing /proc/uptime seconds: %w", err)
	}
	bootInstant := time.Now().Add(-time.Duration(seconds * float64(time.Second)))
	return bootInstant.Unix(), nil
}

// stableBoottime resamples uptimeSample until two consecutive reads agree,
// which rules out the one-second jitter described above without needing any
// synchronization between the two clocks it reads.
func stableBoottime() (int64, error) {
	last, err := uptimeSample()
	if err != nil {
		return 0, err
	}
	for {
		next, err := uptimeSample()
		if err != nil {
			return 0, err
		}
		if next == last {
			return next, nil
		}
		last = next
	}
}

// Prefix returns a string combining the hostname and boot time, which
// distinguishes hosts and boots; processes restarted within the same boot
// on one host get the same value. Falls back to a pid-based string on
// platforms where /proc/uptime is unavailable.
func Prefix() string {
	prefixOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown-host"
		}
		boottime, err := stableBoottime()
		if err != nil {
			cachedPrefix = fmt.Sprintf("%s_pid%d", hostname, os.Getpid())
			return
		}
		cachedPrefix = fmt.Sprintf("%s_%d", hostname, boottime)
	})
	return cachedPrefix
}

// Reserved is the descriptor id value that means "unbound peer" in a
// control frame; Allocator never returns it.
const Reserved uint32 = 0xFFFFFFFF

// Allocator hands out 32-bit descriptor ids for the registry, skipping the
// reserved sentinel and wrapping around after 2^32-2 allocations.
type Allocator struct {
	mu   sync.Mutex
	next uint32
}

// NewAllocator returns an Allocator starting from 1 (0 is left free for
// callers that want to treat it as "not yet assigned").
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Next returns the next descriptor id, skipping Reserved and 0 on
// wraparound.
func (a *Allocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	for id == Reserved || id == 0 {
		id++
	}
	a.next = id + 1
	return id
}
