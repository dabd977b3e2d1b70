// Command rudpstat converts a descriptor-snapshot JSONL log (as written by
// registry.Snapshotter) into a CSV file for offline inspection.
package main

import (
	"io"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/rudplab/rudp/registry"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// csvRecord flattens registry.SnapshotRecord into the plain-string columns
// gocsv wants; SnapshotRecord's Event has custom JSON marshaling that gocsv
// doesn't know how to use for CSV, so it is not reused directly.
type csvRecord struct {
	Event        string `csv:"event"`
	Timestamp    string `csv:"timestamp"`
	DescriptorID uint32 `csv:"descriptor_id"`
	Conv         uint32 `csv:"conv"`
	RemoteAddr   string `csv:"remote_addr"`
	CloseReason  string `csv:"close_reason"`
}

func readRecords(r io.Reader) ([]*csvRecord, error) {
	snaps, err := registry.ReadAllSnapshotRecords(r)
	if err != nil {
		return nil, err
	}
	out := make([]*csvRecord, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, &csvRecord{
			Event:        s.Event.String(),
			Timestamp:    s.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			DescriptorID: s.DescriptorID,
			Conv:         s.Conv,
			RemoteAddr:   s.RemoteAddr,
			CloseReason:  s.CloseReason,
		})
	}
	return out, nil
}

func toCSV(records []*csvRecord, w io.Writer) error {
	return gocsv.Marshal(records, w)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser = os.Stdin
	var err error
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "could not open file %q", args[0])
	} else if len(args) > 1 {
		log.Fatal("too many command-line arguments")
	}
	defer source.Close()

	records, err := readRecords(source)
	rtx.Must(err, "could not read snapshot records")
	rtx.Must(toCSV(records, os.Stdout), "could not convert records to CSV")
}
