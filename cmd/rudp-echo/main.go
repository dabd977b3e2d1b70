// Command rudp-echo is a minimal demonstration server/client for the RUDP
// core: in -listen mode it echoes back every message it receives; in
// -connect mode it reads lines from stdin, sends each as one message, and
// prints what comes back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/registry"
	"github.com/rudplab/rudp/rudperr"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenAddr  = flag.String("listen", "", "Bind address to run an echo server on, e.g. :9100")
	connectAddr = flag.String("connect", "", "Remote address to connect to as a client, e.g. 127.0.0.1:9100")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if (*listenAddr == "") == (*connectAddr == "") {
		log.Fatal("exactly one of -listen or -connect must be set")
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(context.Background())

	if *listenAddr != "" {
		runServer(*listenAddr)
		return
	}
	runClient(*connectAddr)
}

func runServer(addr string) {
	r, err := registry.New(addr, config.NewBlockFrom(config.System()))
	must(err, "could not bind %s", addr)
	defer r.Close()

	lid, err := r.Create()
	must(err, "could not create listening descriptor")
	must(r.Listen(lid), "could not listen")

	log.Printf("rudp-echo: listening on %s", r.LocalAddr())

	for {
		cid, err := r.Accept(lid)
		if err != nil {
			log.Printf("accept failed: %v", err)
			continue
		}
		go serveConn(r, cid)
	}
}

func serveConn(r *registry.Registry, id uint32) {
	buf := make([]byte, 65536)
	for {
		n, err := r.Recv(id, buf)
		if err != nil {
			log.Printf("descriptor %d: recv failed: %v", id, err)
			return
		}
		if _, err := r.Send(id, buf[:n]); err != nil {
			log.Printf("descriptor %d: send failed: %v", id, err)
			return
		}
	}
}

func runClient(addr string) {
	r, err := registry.New(":0", config.NewBlockFrom(config.System()))
	must(err, "could not bind ephemeral client socket")
	defer r.Close()

	cid, err := r.Connect(addr)
	must(err, "could not begin connect to %s", addr)
	must(r.WaitConnect(cid), "handshake with %s failed", addr)

	log.Printf("rudp-echo: connected to %s", addr)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 65536)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := r.Send(cid, []byte(line)); err != nil {
			log.Printf("send failed: %v", err)
			continue
		}
		n, err := r.Recv(cid, buf)
		if err != nil {
			log.Printf("recv failed: %v", err)
			continue
		}
		fmt.Println(string(buf[:n]))
	}
	must(r.Destroy(cid), "error during final destroy")
}

// must calls rtx.Must only when err is actually non-nil - rtx.Must takes
// a plain error, and converting a nil *rudperr.Error straight to that
// interface would make Must see a non-nil error holding a nil pointer.
func must(err *rudperr.Error, format string, args ...interface{}) {
	if err != nil {
		rtx.Must(err, format, args...)
	}
}
