package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"net"
	"strings"

	"github.com/m-lab/go/rtx"
)

// Filename names the flag holding the diagnostic socket path. Both the
// forwarder and tc-dump register it by importing this package.
var Filename = flag.String("tc.diagsocket", "", "Unix domain socket path for the fault-event feed.")

// Handler receives decoded fault events from MustRun.
type Handler interface {
	Fault(port uint16, kind Kind, event FaultEvent)
}

// MustRun connects to socket and dispatches every FaultEvent line to
// handler until ctx is canceled. Any connection-level error is fatal; this
// is a diagnostic-only feed and a broken connection means the operator's
// tooling is misconfigured.
func MustRun(ctx context.Context, socket string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("unix", socket)
	rtx.Must(err, "diag: could not connect to %q", socket)
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	s := bufio.NewScanner(c)
	for s.Scan() {
		var event FaultEvent
		rtx.Must(json.Unmarshal(s.Bytes(), &event), "diag: could not unmarshal event")
		handler.Fault(event.Port, event.Kind, event)
	}

	err = s.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	rtx.Must(err, "diag: scanning of %q died with non-EOF error", socket)
}
