// tc-dump converts the forwarder's fault-event feed to CSV. It either
// replays a saved JSONL capture (a file argument, or stdin) or, with
// -tc.diagsocket, subscribes to a running forwarder's diagnostic socket
// and streams events until interrupted.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/linuxptp-tc/tcd/diag"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal

	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// row is the CSV shape of one fault event.
type row struct {
	Timestamp time.Time `csv:"timestamp"`
	Port      uint16    `csv:"port"`
	Kind      string    `csv:"kind"`
}

func toRow(e diag.FaultEvent) row {
	return row{Timestamp: e.Timestamp, Port: e.Port, Kind: e.Kind.String()}
}

// readEvents parses JSONL fault events from the reader.
func readEvents(rdr io.Reader) ([]row, error) {
	var rows []row
	s := bufio.NewScanner(rdr)
	for s.Scan() {
		if len(s.Bytes()) == 0 {
			continue
		}
		var e diag.FaultEvent
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			return nil, err
		}
		rows = append(rows, toRow(e))
	}
	return rows, s.Err()
}

func toCSV(rows []row, wtr io.Writer) error {
	return gocsv.Marshal(rows, wtr)
}

// streamHandler collects live events from the diagnostic socket.
type streamHandler struct {
	rows chan row
}

func (h *streamHandler) Fault(port uint16, kind diag.Kind, event diag.FaultEvent) {
	h.rows <- toRow(event)
}

func streamCSV(ctx context.Context, socket string, wtr io.Writer) error {
	h := &streamHandler{rows: make(chan row)}
	go diag.MustRun(ctx, socket, h)
	c := make(chan interface{})
	go func() {
		defer close(c)
		for {
			select {
			case r := <-h.rows:
				c <- r
			case <-ctx.Done():
				return
			}
		}
	}()
	err := gocsv.MarshalChan(c, gocsv.DefaultCSVWriter(wtr))
	if err == gocsv.ErrChannelIsClosed {
		// The feed ended before any event arrived; an empty dump is fine.
		err = nil
	}
	return err
}

func main() {
	flag.Parse()
	defer mainCancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		mainCancel()
	}()

	if *diag.Filename != "" {
		rtx.Must(streamCSV(mainCtx, *diag.Filename, os.Stdout), "Could not stream events from %q", *diag.Filename)
		return
	}

	args := flag.Args()
	var source io.ReadCloser = os.Stdin
	var err error
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "Could not open %s", args[0])
	} else if len(args) > 1 {
		logFatal("Expected at most one file argument")
	}
	defer source.Close()

	rows, err := readEvents(source)
	rtx.Must(err, "Could not parse fault events")
	rtx.Must(toCSV(rows, os.Stdout), "Could not write CSV")
}
