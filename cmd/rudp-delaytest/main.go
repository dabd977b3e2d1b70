// Command rudp-delaytest is a latency/throughput probe for the RUDP core:
// in -mode=server it echoes everything it receives; in -mode=client it
// sends -cnt messages one at a time, waiting for each echo before sending
// the next, and reports round-trip timing and throughput at the end.
package main

import (
	"bytes"
	"flag"
	"log"
	"strconv"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/registry"
	"github.com/rudplab/rudp/rudperr"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	mode = flag.String("mode", "server", "server or client")

	host = flag.String("host", "0.0.0.0", "local bind host")
	port = flag.Int("port", 32000, "local bind port")

	remoteHost = flag.String("remote_host", "127.0.0.1", "remote host, client mode only")
	remotePort = flag.Int("remote_port", 32000, "remote port, client mode only")

	mtuSize       = flag.Int64("mtu_size", 1400, "network MTU size")
	windowSize    = flag.Int64("window_size", 512, "send/recv window size, in fragments")
	interval      = flag.Int64("interval", 10, "update status interval, ms")
	fastResendCnt = flag.Int64("fast_resend_cnt", 2, "fast-resend duplicate-ack skip count")
	groupSize     = flag.Int64("group_size", 16, "fragments per test message")
	cnt           = flag.Int("cnt", 4096, "number of test messages, client mode only")

	disableCongestionControl = flag.Bool("disable_cwnd_control", false, "disable congestion control")
	disableNoDelay           = flag.Bool("disable_no_delay", false, "disable the low-latency min-RTO profile")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	config.SetSystemDefault(config.MTUSize, *mtuSize)
	config.SetSystemDefault(config.EnableAutoKeepalive, 0)
	config.SetSystemDefault(config.MaxRecvWindow, *windowSize)
	config.SetSystemDefault(config.MaxSendWindow, *windowSize)
	config.SetSystemDefault(config.UpdateIntervalMS, *interval)
	config.SetSystemDefault(config.FastResendSkipCnt, *fastResendCnt)
	noCwnd := int64(0)
	if *disableCongestionControl {
		noCwnd = 1
	}
	config.SetSystemDefault(config.EnableNoCongestionControl, noCwnd)
	if *disableNoDelay {
		config.SetSystemDefault(config.EnableNoDelay, 0)
	}

	switch *mode {
	case "server":
		runServer()
	case "client":
		runClient()
	default:
		log.Fatalf("unknown -mode %q, want server or client", *mode)
	}
}

func runServer() {
	addr := addrString(*host, *port)
	r, err := registry.New(addr, config.NewBlockFrom(config.System()))
	must(err, "could not bind %s", addr)
	defer r.Close()

	lid, err := r.Create()
	must(err, "could not create listening descriptor")
	must(r.Listen(lid), "could not listen")
	log.Printf("rudp-delaytest: echoing on %s", r.LocalAddr())

	for {
		cid, err := r.Accept(lid)
		if err != nil {
			log.Printf("accept failed: %v", err)
			continue
		}
		go echoLoop(r, cid)
	}
}

func echoLoop(r *registry.Registry, id uint32) {
	buf := make([]byte, 16*1024*1024)
	for {
		n, err := r.Recv(id, buf)
		if err != nil {
			return
		}
		if _, err := r.Send(id, buf[:n]); err != nil {
			return
		}
	}
}

func runClient() {
	localPort := *port
	if localPort == *remotePort {
		localPort++
	}
	r, err := registry.New(addrString(*host, localPort), config.NewBlockFrom(config.System()))
	must(err, "could not bind local client socket")
	defer r.Close()

	remote := addrString(*remoteHost, *remotePort)
	cid, err := r.Connect(remote)
	must(err, "could not begin connect to %s", remote)
	must(r.WaitConnect(cid), "handshake with %s failed", remote)
	log.Printf("rudp-delaytest: connected to %s, sending %d messages", remote, *cnt)

	payloadSize := int((*mtuSize - 24) * *groupSize)
	if payloadSize < 1 {
		payloadSize = 1
	}
	payload := bytes.Repeat([]byte{'c'}, payloadSize)
	recvBuf := make([]byte, payloadSize*2)

	var totalDelay, maxDelay time.Duration
	finished := 0
	for i := 0; i < *cnt; i++ {
		start := time.Now()
		if _, err := r.Send(cid, payload); err != nil {
			log.Printf("send failed at message %d: %v", i, err)
			break
		}
		if err := recvFull(r, cid, recvBuf, len(payload)); err != nil {
			log.Printf("recv failed at message %d: %v", i, err)
			break
		}
		delay := time.Since(start)
		totalDelay += delay
		if delay > maxDelay {
			maxDelay = delay
		}
		finished++
	}

	must(r.Destroy(cid), "error during final destroy")

	if finished == 0 {
		log.Printf("rudp-delaytest: no messages completed")
		return
	}
	mbPerSec := float64(payloadSize*finished) / (1024 * 1024) / totalDelay.Seconds()
	log.Printf("sent %d/%d chunks of %d bytes, total %s, max rtt %s, throughput %.2f MB/s",
		finished, *cnt, payloadSize, totalDelay, maxDelay, mbPerSec)
}

// recvFull calls Recv until want bytes have arrived, since a reply can
// straddle more than one inbound data frame.
func recvFull(r *registry.Registry, id uint32, buf []byte, want int) error {
	got := 0
	for got < want {
		n, err := r.Recv(id, buf[got:])
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

func addrString(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

func must(err *rudperr.Error, format string, args ...interface{}) {
	if err != nil {
		rtx.Must(err, format, args...)
	}
}
