package diag

import (
	"context"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
)

type testHandler struct {
	detected, cleared int
	wg                sync.WaitGroup
}

func (t *testHandler) Fault(port uint16, kind Kind, event FaultEvent) {
	switch kind {
	case FaultDetected:
		t.detected++
	case FaultCleared:
		t.cleared++
	}
	t.wg.Done()
}

func TestClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir, err := ioutil.TempDir("", "TestDiagClient")
	rtx.Must(err, "Could not create tempdir")
	defer os.RemoveAll(dir)

	srv := New(dir + "/faults.sock").(*server)
	srv.Listen()
	srvCtx, srvCancel := context.WithCancel(context.Background())
	go srv.Serve(srvCtx)
	defer srvCancel()

	th := &testHandler{}
	clientWg := sync.WaitGroup{}
	clientWg.Add(1)
	go func() {
		MustRun(ctx, dir+"/faults.sock", th)
		clientWg.Done()
	}()
	th.wg.Add(2)

	// Wait for the client to connect before reporting anything.
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length > 0 {
			break
		}
	}

	srv.Report(2, FaultDetected, time.Now())
	srv.Report(2, FaultCleared, time.Now())
	th.wg.Wait() // Wait until the handler gets two events!

	if th.detected != 1 || th.cleared != 1 {
		t.Errorf("handler saw detected=%d cleared=%d, want 1 and 1", th.detected, th.cleared)
	}

	// Cancel the context and wait until the client stops running.
	cancel()
	clientWg.Wait()
}
