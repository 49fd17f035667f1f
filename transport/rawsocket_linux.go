//go:build linux

package transport

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/linuxptp-tc/tcd/ptp"
)

// scmTimestamping mirrors struct scm_timestamping from linux/errqueue.h:
// three consecutive timespecs, of which only the third (hardware) or the
// first (software) is populated depending on the socket's SO_TIMESTAMPING
// flags.
type scmTimestamping struct {
	Software unix.Timespec
	_        unix.Timespec // deprecated, always zero
	Hardware unix.Timespec
}

const sizeofScmTimestamping = int(unsafe.Sizeof(scmTimestamping{}))

// ErrShortRead is returned when a datagram is truncated below the PTP
// header size.
var ErrShortRead = errors.New("transport: short read")

// RawSocket sends and receives PTP frames over a Linux socket configured
// for SO_TIMESTAMPING, giving Send/Recv hardware timestamp capture.
type RawSocket struct {
	fd int
}

// NewRawSocket wraps an already-bound, already-configured file descriptor
// (SO_TIMESTAMPING enabled by the caller against the target interface).
// This package does not itself bind sockets or resolve interface names;
// that remains the daemon wiring's job (cmd/tc-forwarder).
func NewRawSocket(fd int) *RawSocket {
	return &RawSocket{fd: fd}
}

// Fd returns the underlying file descriptor, for registration with an epoll
// instance by the daemon's event loop.
func (r *RawSocket) Fd() int {
	return r.fd
}

// Send transmits msg's encoded header+body. When event is true, the send is
// followed by a poll of the socket's error queue for the hardware TX
// timestamp, populating msg.HWTimestamp on success.
func (r *RawSocket) Send(msg *ptp.Message, event bool) (int, error) {
	buf := make([]byte, 1500)
	n, err := msg.MarshalBinaryTo(buf)
	if err != nil {
		return 0, err
	}
	if len(msg.Body) > 0 {
		n += copy(buf[n:], msg.Body)
	}
	sent, err := unix.Write(r.fd, buf[:n])
	if err != nil {
		return 0, err
	}
	if event {
		ts, ok, err := r.readTXTimestamp()
		if err != nil {
			return sent, err
		}
		msg.HWTimestamp = ptp.HWTimestamp{Value: ts, Valid: ok}
	}
	return sent, nil
}

// Recv reads one frame from fd into msg, decoding the header and populating
// msg.HWTimestamp from the SCM_TIMESTAMPING ancillary data delivered
// alongside the payload.
func (r *RawSocket) Recv(fd int, msg *ptp.Message) (int, error) {
	buf := make([]byte, 1500)
	oob := make([]byte, 256)

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return n, nil
	}
	if err := ptp.DecodeHeader(buf[:n], &msg.Header); err != nil {
		return n, err
	}
	msg.Body = append(msg.Body[:0], buf[headerSizeFor(n):n]...)
	if err := msg.DecodeBody(); err != nil {
		return n, err
	}

	ts, ok := parseTimestamping(oob[:oobn])
	msg.HWTimestamp = ptp.HWTimestamp{Value: ts, Valid: ok}
	msg.HostTimestamp = time.Now()
	return n, nil
}

func headerSizeFor(n int) int {
	if n < 34 {
		return n
	}
	return 34
}

// readTXTimestamp polls the socket's MSG_ERRQUEUE for the SCM_TIMESTAMPING
// control message a hardware-timestamping NIC attaches to a looped-back
// transmitted frame. Transport calls must never block, so a missing
// timestamp is reported as ok=false rather than waited for.
func (r *RawSocket) readTXTimestamp() (time.Time, bool, error) {
	buf := make([]byte, 1500)
	oob := make([]byte, 256)
	n, oobn, _, _, err := unix.Recvmsg(r.fd, buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("transport: tx timestamp poll: %w", err)
	}
	_ = n
	ts, ok := parseTimestamping(oob[:oobn])
	return ts, ok, nil
}

// parseTimestamping extracts the hardware (falling back to software)
// timestamp from a cmsg buffer containing SCM_TIMESTAMPING ancillary data.
func parseTimestamping(oob []byte) (time.Time, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}, false
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SO_TIMESTAMPING {
			continue
		}
		if len(m.Data) < sizeofScmTimestamping {
			continue
		}
		st := (*scmTimestamping)(unsafe.Pointer(&m.Data[0]))
		if st.Hardware.Sec != 0 || st.Hardware.Nsec != 0 {
			return time.Unix(int64(st.Hardware.Sec), int64(st.Hardware.Nsec)), true
		}
		if st.Software.Sec != 0 || st.Software.Nsec != 0 {
			return time.Unix(int64(st.Software.Sec), int64(st.Software.Nsec)), true
		}
	}
	return time.Time{}, false
}
