// Package transport defines the non-blocking send/recv contract the TC
// core requires, plus a concrete implementation over a Linux raw socket
// with hardware/software timestamp capture.
package transport

import "github.com/linuxptp-tc/tcd/ptp"

// Transport is the contract tc.Engine and port.Port depend on. Both Send and
// Recv must complete within the current event-loop tick; they are not
// suspension points.
//
// Send transmits msg. When event is true, hardware transmit timestamping is
// requested and, on success, msg.HWTimestamp is populated with the captured
// TX time. A returned count <= 0 indicates failure.
//
// Recv reads one message from fd into msg, populating msg.HWTimestamp from
// whatever timestamping mode the transport is configured for. A returned
// count <= 0 indicates failure.
type Transport interface {
	Send(msg *ptp.Message, event bool) (int, error)
	Recv(fd int, msg *ptp.Message) (int, error)
}
