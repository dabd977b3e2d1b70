// Package socket implements the RUDP core's datagram I/O endpoint: one
// bound UDP socket with serialized send/recv, buffer sizing to the
// configured MTU, and dual-stack local-address auto-selection.
package socket

import (
	"errors"
	"log"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/rudperr"
)

// Endpoint is one bound UDP socket. All exported methods are safe for
// concurrent use; Send and Recv each serialize internally, so only one
// send and one recv are ever in flight at a time.
type Endpoint struct {
	conn *net.UDPConn

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Bind opens a UDP socket bound to addr and sizes its kernel buffers to
// fit cfg's configured MTU_SIZE. addr is host:port; an empty host (":0",
// ":9000") auto-selects a concrete non-loopback local address via
// LocalAddresses rather than binding the wildcard address, so the
// endpoint's LocalAddr reports something a remote peer can actually dial.
func Bind(addr string, cfg *config.Block) (*Endpoint, *rudperr.Error) {
	addr, autoErr := autoSelectHost(addr)
	if autoErr != nil {
		log.Printf("socket: auto-address selection failed, falling back to wildcard: %v", autoErr)
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, rudperr.New(rudperr.InvalidArgument, "resolve bind address %q: %v", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, rudperr.New(rudperr.Failed, "bind: %v", err)
	}
	e := &Endpoint{conn: conn, closed: make(chan struct{})}
	e.tuneBuffers(cfg)
	return e, nil
}

// autoSelectHost rewrites a host:port string with an empty host into the
// first usable local address LocalAddresses finds. addr is returned
// untouched when a host is already given, and also, together with the
// lookup error, when no usable local address is found.
func autoSelectHost(addr string) (string, *rudperr.Error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr, nil
	}
	ips, lerr := LocalAddresses()
	if lerr != nil {
		return addr, lerr
	}
	if len(ips) == 0 {
		return addr, rudperr.New(rudperr.Failed, "no usable local address found")
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}

// tuneBuffers sizes the socket's kernel send/recv buffers off the MTU_SIZE
// option. Failures are logged and otherwise ignored: a sub-optimal buffer
// size degrades throughput, it does not break correctness.
func (e *Endpoint) tuneBuffers(cfg *config.Block) {
	mtu := int(cfg.Get(config.MTUSize))
	bufSize := mtu * 64
	raw, err := e.conn.SyscallConn()
	if err != nil {
		log.Printf("socket: SyscallConn unavailable, buffer sizing skipped: %v", err)
		return
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			log.Printf("socket: SO_REUSEADDR: %v", err)
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); err != nil {
			log.Printf("socket: SO_RCVBUF: %v", err)
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize); err != nil {
			log.Printf("socket: SO_SNDBUF: %v", err)
		}
	})
	if ctrlErr != nil {
		log.Printf("socket: buffer sizing control call failed: %v", ctrlErr)
	}
}

// LocalAddr returns the endpoint's bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// SendTo writes one datagram to dst. It serializes with any other in-flight
// SendTo call on the same Endpoint.
func (e *Endpoint) SendTo(dst net.Addr, wire []byte) *rudperr.Error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	udpAddr, ok := dst.(*net.UDPAddr)
	if !ok {
		return rudperr.New(rudperr.InvalidArgument, "destination is not a UDP address: %v", dst)
	}
	_, err := e.conn.WriteToUDP(wire, udpAddr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return rudperr.New(rudperr.BadFileDescriptor, "send on closed socket")
		}
		return rudperr.New(rudperr.Failed, "send: %v", err)
	}
	return nil
}

// RecvFrom blocks for the next datagram. It serializes with any other
// in-flight RecvFrom call on the same Endpoint. Returns BadFileDescriptor
// once the endpoint has been closed.
func (e *Endpoint) RecvFrom(buf []byte) (n int, src net.Addr, err *rudperr.Error) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()

	read, addr, rerr := e.conn.ReadFromUDP(buf)
	if rerr != nil {
		if errors.Is(rerr, net.ErrClosed) {
			return 0, nil, rudperr.New(rudperr.BadFileDescriptor, "recv on closed socket")
		}
		return 0, nil, rudperr.New(rudperr.Failed, "recv: %v", rerr)
	}
	return read, addr, nil
}

// Close shuts down the socket, unblocking any in-flight RecvFrom/SendTo.
// Safe to call more than once.
func (e *Endpoint) Close() *rudperr.Error {
	var closeErr error
	e.closeOnce.Do(func() {
		close(e.closed)
		closeErr = e.conn.Close()
	})
	if closeErr != nil {
		return rudperr.New(rudperr.Failed, "close: %v", closeErr)
	}
	return nil
}

// ResolveRemote resolves a host:port string for use as a SendTo/Connect
// destination.
func ResolveRemote(addr string) (net.Addr, *rudperr.Error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, rudperr.New(rudperr.InvalidArgument, "resolve remote address %q: %v", addr, err)
	}
	return a, nil
}

// LocalAddresses enumerates non-loopback, non-link-local unicast addresses
// on the host's network interfaces, for auto-selecting a bind address when
// the caller doesn't supply one explicitly.
func LocalAddresses() ([]net.IP, *rudperr.Error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, rudperr.New(rudperr.Failed, "enumerate interfaces: %v", err)
	}
	var ips []net.IP
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			log.Printf("socket: AddrList on %s: %v", link.Attrs().Name, err)
			continue
		}
		for _, a := range addrs {
			if isUsableLocal(a.IP) {
				ips = append(ips, a.IP)
			}
		}
	}
	return ips, nil
}

func isUsableLocal(ip net.IP) bool {
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsMulticast() && !ip.IsUnspecified()
}
