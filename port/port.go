// Package port implements the peer-to-peer (P2P) port event dispatch that
// drives the transparent-clock forwarding engine: it demultiplexes
// file-descriptor-ready notifications into PTP message handling and state
// machine transitions.
package port

import (
	"errors"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/linuxptp-tc/tcd/ptp"
	"github.com/linuxptp-tc/tcd/tc"
	"github.com/linuxptp-tc/tcd/transport"
)

// FDIndex names the slot in a port's file descriptor array the event loop
// observed as ready.
type FDIndex int

// Well-known descriptor slots. Every index other than these names a
// transport message socket.
const (
	FDAnnounceTimer FDIndex = iota
	FDSyncRxTimer
	FDQualificationTimer
	FDMannoTimer
	FDSyncTxTimer
	FDDelayTimer
	FDRTNL
	FDMessage
)

// FsmEvent is the result Event hands to Dispatch.
type FsmEvent int

const (
	EventNone FsmEvent = iota
	EventFaultDetected
	EventFaultCleared
)

func (e FsmEvent) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventFaultDetected:
		return "FAULT_DETECTED"
	case EventFaultCleared:
		return "FAULT_CLEARED"
	default:
		return "UNKNOWN"
	}
}

// Timestamping selects whether a port's captured timestamps are hardware
// or software in origin; only software timestamps get the RX offset
// applied on receive.
type Timestamping int

const (
	TimestampingHardware Timestamping = iota
	TimestampingSoftware
)

// Timers abstracts the kernel-timerfd-backed per-port timers the port
// layer arms and clears. The daemon's event loop wiring supplies the
// concrete implementation.
type Timers interface {
	ArmDelayTimer()
	ClearAnnounceTimer()
}

// LinkStatus abstracts the RTNL link-status readout for a port.
type LinkStatus interface {
	Up() bool
}

// Config bundles a Port's fixed collaborators and settings at construction
// time.
type Config struct {
	Number             uint16
	Transport          transport.Transport
	Engine             *tc.Engine
	Timers             Timers
	LinkStatus         LinkStatus
	DelayRequest       func() error
	TxTimestampOffset  time.Duration
	RxTimestampOffset  time.Duration
	Timestamping       Timestamping
	// UnicastWarnLimit bounds how often the "cannot handle unicast
	// messages" warning is logged; zero selects a conservative default.
	UnicastWarnLimit rate.Limit
	// OnFault, if set, is called whenever FAULT_DETECTED or FAULT_CLEARED
	// causes a state transition in Dispatch (into FAULTY, or from
	// INITIALIZING, FAULTY or DISABLED into LISTENING),
	// letting the daemon wiring fan a transition out to metrics and the
	// diagnostic socket without this package depending on either.
	OnFault func(port uint16, cleared bool, at time.Time)
}

// Port is the P2P forwarding port: it satisfies tc.Port (so the
// forwarding engine can treat it as an egress) and exposes Event/Dispatch
// to the daemon's event loop.
type Port struct {
	number            uint16
	state             tc.State
	transport         transport.Transport
	engine            *tc.Engine
	timers            Timers
	linkStatus        LinkStatus
	delayRequest      func() error
	txTimestampOffset time.Duration
	rxTimestampOffset time.Duration
	timestamping      Timestamping
	queue             *tc.Queue
	unicastLimiter    *rate.Limiter
	onFault           func(port uint16, cleared bool, at time.Time)
}

// New creates a Port in the INITIALIZING state.
func New(cfg Config) *Port {
	limit := cfg.UnicastWarnLimit
	if limit == 0 {
		limit = rate.Every(10 * time.Second)
	}
	return &Port{
		number:            cfg.Number,
		state:             tc.StateInitializing,
		transport:         cfg.Transport,
		engine:            cfg.Engine,
		timers:            cfg.Timers,
		linkStatus:        cfg.LinkStatus,
		delayRequest:      cfg.DelayRequest,
		txTimestampOffset: cfg.TxTimestampOffset,
		rxTimestampOffset: cfg.RxTimestampOffset,
		timestamping:      cfg.Timestamping,
		queue:             tc.NewQueue(),
		unicastLimiter:    rate.NewLimiter(limit, 1),
		onFault:           cfg.OnFault,
	}
}

// Number, State, Transport, TxTimestampOffset and Queue satisfy tc.Port.
func (p *Port) Number() uint16                      { return p.number }
func (p *Port) State() tc.State                     { return p.state }
func (p *Port) Transport() transport.Transport      { return p.transport }
func (p *Port) TxTimestampOffset() time.Duration    { return p.txTimestampOffset }
func (p *Port) Queue() *tc.Queue                    { return p.queue }

// Fault dispatches a FAULT_DETECTED event to this port's own state
// machine. The forwarding engine calls this directly on a per-egress send
// failure; it does not wait for the owning port's next event-loop tick.
func (p *Port) Fault() {
	p.Dispatch(EventFaultDetected, 0)
}

// Event handles a ready file descriptor named by fdIndex and returns the
// FsmEvent to feed into Dispatch. fd is the raw descriptor number and is
// only consulted when fdIndex names a message socket (anything other than
// the well-known timer/RTNL slots); the daemon's event loop owns the
// actual fda table this indexes into.
func (p *Port) Event(fdIndex FDIndex, fd int) FsmEvent {
	switch fdIndex {
	case FDAnnounceTimer, FDSyncRxTimer, FDQualificationTimer, FDMannoTimer, FDSyncTxTimer:
		log.Printf("port %d: unexpected timer expiration", p.number)
		return EventNone
	case FDDelayTimer:
		log.Printf("port %d: delay timeout", p.number)
		if p.timers != nil {
			p.timers.ArmDelayTimer()
		}
		p.engine.Prune(p)
		if p.sendDelayRequestEligible() {
			if err := p.delayRequest(); err != nil {
				return EventFaultDetected
			}
		}
		return EventNone
	case FDRTNL:
		log.Printf("port %d: received link status notification", p.number)
		if p.linkStatus != nil && p.linkStatus.Up() {
			return EventFaultCleared
		}
		return EventFaultDetected
	}
	return p.recvMessage(fd)
}

// sendDelayRequestEligible gates peer-delay requests on port state. The
// gate is narrower than tc.Blocked: a PASSIVE port still measures peer
// delay even though it never forwards.
func (p *Port) sendDelayRequestEligible() bool {
	switch p.state {
	case tc.StateInitializing, tc.StateFaulty, tc.StateDisabled:
		return false
	default:
		return p.delayRequest != nil
	}
}

func (p *Port) recvMessage(fd int) FsmEvent {
	msg := ptp.NewMessage()
	n, err := p.transport.Recv(fd, msg)
	if err != nil || n <= 0 {
		log.Printf("port %d: recv message failed", p.number)
		msg.Release()
		return EventFaultDetected
	}
	if err := msg.PostRecv(n); err != nil {
		switch {
		case errors.Is(err, ptp.ErrBadMessage):
			log.Printf("port %d: bad message", p.number)
		case errors.Is(err, ptp.ErrNoTimestamp):
			log.Printf("port %d: received %s without timestamp", p.number, msg.Type)
		default:
			log.Printf("port %d: ignoring message", p.number)
		}
		msg.Release()
		return EventNone
	}

	if msg.HWTimestamp.Valid && p.timestamping == TimestampingSoftware {
		msg.HWTimestamp.Value = msg.HWTimestamp.Value.Add(-p.rxTimestampOffset)
	}

	if msg.IsUnicast() {
		if p.unicastLimiter.Allow() {
			log.Printf("port %d: cannot handle unicast messages!", p.number)
		}
		msg.Release()
		return EventNone
	}

	event := EventNone
	switch msg.Type {
	case ptp.TypeSync:
		if err := p.engine.FwdEvent(p, msg); err != nil {
			event = EventFaultDetected
		}
	case ptp.TypeDelayReq, ptp.TypeDelayResp:
		// Not meaningful for a P2P transparent clock; dropped silently.
	case ptp.TypePDelayReq, ptp.TypePDelayResp, ptp.TypePDelayRespFollowUp:
		// Peer-delay measurement pipeline, out of scope for this core.
	case ptp.TypeFollowUp:
		if err := p.engine.FwdFolup(p, msg); err != nil {
			event = EventFaultDetected
		}
	case ptp.TypeAnnounce, ptp.TypeSignaling, ptp.TypeManagement:
		if err := p.engine.Forward(p, msg); err != nil {
			event = EventFaultDetected
		}
	}
	msg.Release()
	return event
}

// Dispatch applies event to the port's state machine and, if a transition
// actually occurred, runs that transition's side effects.
func (p *Port) Dispatch(event FsmEvent, mdiff int) {
	if !p.updateState(event, mdiff) {
		return
	}
	if p.onFault != nil && (event == EventFaultDetected || event == EventFaultCleared) {
		p.onFault(p.number, event == EventFaultCleared, time.Now())
	}
	switch p.state {
	case tc.StateFaulty, tc.StateDisabled:
		p.disable()
	case tc.StateListening:
		if p.timers != nil {
			p.timers.ClearAnnounceTimer()
		}
		if p.number != 0 {
			if p.timers != nil {
				p.timers.ArmDelayTimer()
			}
		}
	}
}

// updateState is a minimal state-transition function covering the
// fault/clear transitions Dispatch's side effects depend on. A transparent
// clock never runs best-master-clock selection, so this models only enough
// of the machine to drive disable and LISTENING entry deterministically.
func (p *Port) updateState(event FsmEvent, mdiff int) bool {
	_ = mdiff
	old := p.state
	switch event {
	case EventFaultDetected:
		p.state = tc.StateFaulty
	case EventFaultCleared:
		switch p.state {
		case tc.StateInitializing, tc.StateFaulty, tc.StateDisabled:
			p.state = tc.StateListening
		}
	case EventNone:
		return false
	}
	return p.state != old
}

func (p *Port) disable() {
	p.engine.Flush(p)
}
