// tc-forwarder is the transparent-clock forwarding daemon: it opens a PTP
// socket per configured interface, registers every descriptor with a single
// epoll instance, and runs the event loop that feeds ready descriptors into
// each port's Event/Dispatch pair.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/linuxptp-tc/tcd/clock"
	"github.com/linuxptp-tc/tcd/diag"
	"github.com/linuxptp-tc/tcd/metrics"
	"github.com/linuxptp-tc/tcd/port"
	"github.com/linuxptp-tc/tcd/ptp"
	"github.com/linuxptp-tc/tcd/rtnl"
	"github.com/linuxptp-tc/tcd/tc"
	"github.com/linuxptp-tc/tcd/transport"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	ifaces        flagx.StringArray
	promPort      = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")
	delayInterval = flag.Duration("pdelay.interval", time.Second, "Peer delay request interval")
	softwareTS    = flag.Bool("software-timestamping", false, "Use software timestamps instead of hardware")
	rxOffset      = flag.Duration("rx-timestamp-offset", 0, "Constant to subtract from software RX timestamps")
	txOffset      = flag.Duration("tx-timestamp-offset", 0, "Constant to add to TX timestamps")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Var(&ifaces, "iface", "Interface to forward on. May be repeated; at least two are required.")
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")

	if len(ifaces) < 2 {
		log.Fatal("a transparent clock needs at least two -iface arguments")
	}

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	var diagSrv diag.Server = diag.NullServer()
	if *diag.Filename != "" {
		diagSrv = diag.New(*diag.Filename)
		rtx.Must(diagSrv.Listen(), "Could not listen on %q", *diag.Filename)
		go diagSrv.Serve(ctx)
	}

	go catchSignals()

	d := newDaemon(diagSrv)
	for i, name := range ifaces {
		// Port numbers start at 1; 0 is reserved for the UDS management
		// port and never forwards.
		rtx.Must(d.addPort(uint16(i+1), name), "Could not open port on %q", name)
	}

	d.run(ctx)

	freed := tc.Cleanup()
	log.Printf("shut down, freed %d pooled descriptors", freed)
}

func catchSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	cancel()
}

// fdKey routes an epoll-ready descriptor back to its port and slot.
type fdKey struct {
	port *port.Port
	idx  port.FDIndex
}

// daemon owns the clock, the epoll instance, and the fd routing table.
type daemon struct {
	clk     *clock.Clock
	engine  *tc.Engine
	diagSrv diag.Server
	epfd    int
	fds     map[int]fdKey
	linkC   chan linkChange
}

type linkChange struct {
	p  *port.Port
	up bool
}

func newDaemon(diagSrv diag.Server) *daemon {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	rtx.Must(err, "Could not create epoll instance")
	clk := clock.New()
	d := &daemon{
		clk:     clk,
		engine:  tc.NewEngine(clk),
		diagSrv: diagSrv,
		epfd:    epfd,
		fds:     make(map[int]fdKey),
		linkC:   make(chan linkChange, 16),
	}
	d.engine.SetMetrics(metrics.Sink{})
	return d
}

func (d *daemon) addPort(number uint16, ifaceName string) error {
	sockFd, err := openPTPSocket(ifaceName)
	if err != nil {
		return err
	}
	trp := transport.NewRawSocket(sockFd)

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return err
	}

	watcher, err := rtnl.NewWatcher(ifaceName)
	if err != nil {
		return err
	}

	tsMode := port.TimestampingHardware
	if *softwareTS {
		tsMode = port.TimestampingSoftware
	}
	p := port.New(port.Config{
		Number:            number,
		Transport:         trp,
		Engine:            d.engine,
		Timers:            &timerfdTimers{fd: timerFd, interval: *delayInterval},
		LinkStatus:        watcher,
		DelayRequest:      func() error { return sendPDelayReq(trp, number) },
		TxTimestampOffset: *txOffset,
		RxTimestampOffset: *rxOffset,
		Timestamping:      tsMode,
		OnFault: func(portNum uint16, cleared bool, at time.Time) {
			kind := diag.FaultDetected
			if cleared {
				kind = diag.FaultCleared
			} else {
				metrics.Fault(portNum)
			}
			d.diagSrv.Report(portNum, kind, at)
		},
	})
	d.clk.AddPort(p)

	d.register(sockFd, fdKey{p, port.FDMessage})
	d.register(timerFd, fdKey{p, port.FDDelayTimer})
	go watchLink(watcher, p, d.linkC)

	// Bring the port up. The LISTENING transition arms the peer delay
	// timer; a link that is already down faults the port immediately.
	if watcher.Up() {
		p.Dispatch(port.EventFaultCleared, 0)
	} else {
		p.Dispatch(port.EventFaultDetected, 0)
	}
	return nil
}

func (d *daemon) register(fd int, key fdKey) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	rtx.Must(unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev), "Could not register fd %d", fd)
	d.fds[fd] = key
}

// watchLink polls the watcher's last-observed state and forwards
// transitions to the event loop, which replays them through the port's
// RTNL descriptor slot so that all state mutation stays on the loop.
func watchLink(w *rtnl.Watcher, p *port.Port, c chan<- linkChange) {
	last := w.Up()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for range tick.C {
		up := w.Up()
		if up != last {
			last = up
			c <- linkChange{p: p, up: up}
		}
	}
}

func (d *daemon) run(ctx context.Context) {
	events := make([]unix.EpollEvent, 64)
	for ctx.Err() == nil {
		n, err := unix.EpollWait(d.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			rtx.Must(err, "epoll_wait failed")
		}
		for {
			select {
			case lc := <-d.linkC:
				ev := lc.p.Event(port.FDRTNL, -1)
				lc.p.Dispatch(ev, 0)
				continue
			default:
			}
			break
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			key, ok := d.fds[fd]
			if !ok {
				continue
			}
			if key.idx == port.FDDelayTimer {
				drainTimerfd(fd)
			}
			ev := key.port.Event(key.idx, fd)
			key.port.Dispatch(ev, 0)
		}
	}
}

func drainTimerfd(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

// timerfdTimers arms the per-port peer-delay timer on a kernel timerfd.
type timerfdTimers struct {
	fd       int
	interval time.Duration
}

func (t *timerfdTimers) ArmDelayTimer() {
	sec := int64(t.interval / time.Second)
	nsec := int64(t.interval % time.Second)
	spec := unix.ItimerSpec{Value: unix.Timespec{Sec: sec, Nsec: nsec}}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		log.Printf("could not arm delay timer: %v", err)
	}
}

func (t *timerfdTimers) ClearAnnounceTimer() {
	// A P2P transparent clock never arms the announce timer; there is
	// nothing to clear on this timerfd.
}

const ptpEtherType = 0x88F7

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// openPTPSocket opens a non-blocking AF_PACKET socket bound to the named
// interface with SO_TIMESTAMPING enabled for both hardware and software
// capture.
func openPTPSocket(ifaceName string) (int, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		int(htons(ptpEtherType)))
	if err != nil {
		return -1, err
	}
	sll := &unix.SockaddrLinklayer{Protocol: htons(ptpEtherType), Ifindex: iface.Index}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return -1, err
	}
	flags := unix.SOF_TIMESTAMPING_RX_HARDWARE | unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE | unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_TX_SOFTWARE | unix.SOF_TIMESTAMPING_SOFTWARE
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

var pdelaySeq uint16

// sendPDelayReq originates one peer-delay request on the port's transport.
// The response handling belongs to the peer-delay measurement pipeline.
func sendPDelayReq(trp transport.Transport, portNumber uint16) error {
	pdelaySeq++
	msg := ptp.NewMessage()
	defer msg.Release()
	msg.Type = ptp.TypePDelayReq
	msg.Version = 2
	msg.MessageLength = 54
	msg.Body = make([]byte, 20) // originTimestamp + reserved
	msg.SequenceID = pdelaySeq
	msg.SourcePortIdentity = ptp.PortIdentity{PortNumber: portNumber}
	msg.LogMessageInterval = 0x7f
	if err := msg.PreSend(); err != nil {
		return err
	}
	_, err := trp.Send(msg, true)
	return err
}
