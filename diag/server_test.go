package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"io/ioutil"
	"log"
	"net"
	"os"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/m-lab/go/rtx"
)

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir, err := ioutil.TempDir("", "TestDiagServer")
	rtx.Must(err, "Could not create tempdir")
	defer os.RemoveAll(dir)

	srv := New(dir + "/faults.sock").(*server)
	srv.Listen()
	go srv.Serve(ctx)
	log.Println("About to dial")
	c, err := net.Dial("unix", dir+"/faults.sock")
	rtx.Must(err, "Could not open UNIX domain socket")

	// Busy wait until the server has registered the client
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length > 0 {
			break
		}
	}

	// Send an event on the server, to cause the client to be notified by the server.
	srv.Report(2, FaultDetected, time.Now())
	r := bufio.NewScanner(c)
	if !r.Scan() {
		t.Error("Should have been able to scan until the next newline, but couldn't")
	}
	var event FaultEvent
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "Could not unmarshall")
	if event.Kind != FaultDetected || event.Port != 2 {
		t.Error("Event was supposed to be {2, FAULT_DETECTED}, not", event)
	}

	// Send another event on the server, to cause the client to be notified by the server.
	before := time.Now()
	srv.Report(3, FaultCleared, time.Now())
	if !r.Scan() {
		t.Error("Should have been able to scan until the next newline, but couldn't")
	}
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "Could not unmarshall")
	after := time.Now()
	if before.After(event.Timestamp) || after.Before(event.Timestamp) {
		t.Error("It should be true that", before, "<", event.Timestamp, "<", after)
	}
	event.Timestamp = time.Time{}
	if diff := deep.Equal(event, FaultEvent{Port: 3, Kind: FaultCleared}); diff != nil {
		t.Error("Event differed from expected:", diff)
	}

	// Close down things on the client side. When the server next tries to send
	// something to the client, the client should get removed from the set of
	// active clients.
	c.Close()

	// Now verify some internal error handling:
	srv.eventC <- nil
	srv.removeClient(nil)
	// No SIGSEGV == success!

	// Send an event to ensure that cleanup should occur.
	srv.Report(2, FaultDetected, time.Now())

	// Busy wait until the server has unregistered the client
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length == 0 {
			break
		}
	}
	// Cancel the context to shutdown the server.
	cancel()
	// Wait for every component goroutine of the server to complete.
	srv.servingWG.Wait()
	// No timeout == success!
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		want string
		k    Kind
	}{
		{"FAULT_DETECTED", FaultDetected},
		{"FAULT_CLEARED", FaultCleared},
		{"UNKNOWN", Kind(3)},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.k.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindJSONRoundTrip(t *testing.T) {
	for _, k := range []Kind{FaultDetected, FaultCleared} {
		b, err := json.Marshal(k)
		rtx.Must(err, "Could not marshal")
		var got Kind
		rtx.Must(json.Unmarshal(b, &got), "Could not unmarshal")
		if got != k {
			t.Errorf("round trip of %v yielded %v", k, got)
		}
	}
	var got Kind
	if err := json.Unmarshal([]byte(`"BOGUS"`), &got); err == nil {
		t.Error("expected an error for an unknown kind name")
	}
}

func TestNullServer(t *testing.T) {
	// Verify that the null server never crashes or returns a non-null error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NullServer()
	rtx.Must(srv.Listen(), "Could not listen")
	rtx.Must(srv.Serve(ctx), "Could not serve")
	srv.Report(1, FaultDetected, time.Now())
	// No crash == success
}
