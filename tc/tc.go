// Package tc implements the transparent-clock message-pairing and
// forwarding engine: it propagates PTP traffic across a clock's sibling
// ports and, for two-step event messages, pairs each hardware-timestamped
// SYNC with its FOLLOW_UP to emit exactly one corrected FOLLOW_UP per
// (ingress port, source port identity, sequence ID, egress port) tuple.
package tc

import (
	"container/list"
	"fmt"
	"log"
	"time"

	"github.com/linuxptp-tc/tcd/clock"
	"github.com/linuxptp-tc/tcd/ptp"
	"github.com/linuxptp-tc/tcd/tmv"
	"github.com/linuxptp-tc/tcd/transport"
)

// State mirrors the subset of PTP port states the forwarding engine needs
// to decide TC eligibility.
type State int

// Port states. Only DISABLED/FAULTY/INITIALIZING/PASSIVE block TC output;
// every other state is eligible.
const (
	StateInitializing State = iota
	StateFaulty
	StateDisabled
	StateListening
	StatePreMaster
	StateMaster
	StatePassive
	StateUncalibrated
	StateSlave
	StateGrandMaster
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateFaulty:
		return "FAULTY"
	case StateDisabled:
		return "DISABLED"
	case StateListening:
		return "LISTENING"
	case StatePreMaster:
		return "PRE_MASTER"
	case StateMaster:
		return "MASTER"
	case StatePassive:
		return "PASSIVE"
	case StateUncalibrated:
		return "UNCALIBRATED"
	case StateSlave:
		return "SLAVE"
	case StateGrandMaster:
		return "GRAND_MASTER"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Blocked reports whether a port is ineligible for TC output: the UDS
// management port (number 0), or any port in
// {INITIALIZING, FAULTY, DISABLED, PASSIVE}.
func Blocked(portNumber uint16, s State) bool {
	if portNumber == 0 {
		return true
	}
	switch s {
	case StateInitializing, StateFaulty, StateDisabled, StatePassive:
		return true
	}
	return false
}

// Port is the subset of port state the forwarding engine reads and acts
// on. port.Port implements this alongside clock.Port and the richer P2P
// dispatch surface.
type Port interface {
	clock.Port
	State() State
	Transport() transport.Transport
	TxTimestampOffset() time.Duration
	Queue() *Queue
	// Fault notifies the port's state machine of a FAULT_DETECTED event.
	Fault()
}

// Metrics receives forwarding-engine event counts. A nil Metrics is
// replaced by a no-op implementation; the metrics package supplies the
// Prometheus-backed one.
type Metrics interface {
	FollowUpSent()
	Parked()
	Matched()
	Pruned(n int)
	PoolSize(n int)
	Residence(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) FollowUpSent()            {}
func (noopMetrics) Parked()                  {}
func (noopMetrics) Matched()                 {}
func (noopMetrics) Pruned(int)               {}
func (noopMetrics) PoolSize(int)             {}
func (noopMetrics) Residence(time.Duration)  {}

// Txd is a pending TX descriptor: an unmatched SYNC or FOLLOW_UP parked on
// an egress port's queue awaiting its pair.
type Txd struct {
	msg         *ptp.Message
	residence   tmv.TMV
	ingressPort uint16
}

// Message returns the parked message. The returned pointer is owned by the
// queue; callers must not release it.
func (t *Txd) Message() *ptp.Message { return t.msg }

// Residence returns the residence time recorded when this descriptor was
// parked (meaningful only for a parked SYNC; zero for a parked FOLLOW_UP).
func (t *Txd) Residence() tmv.TMV { return t.residence }

// IngressPort returns the port number the descriptor's message arrived on.
func (t *Txd) IngressPort() uint16 { return t.ingressPort }

// pool is the process-wide Txd free list. The event loop is single
// threaded, so no lock guards it.
var pool struct {
	free      []*Txd
	allocated int
}

func allocTxd() *Txd {
	if n := len(pool.free); n > 0 {
		t := pool.free[n-1]
		pool.free = pool.free[:n-1]
		return t
	}
	pool.allocated++
	return &Txd{}
}

func releaseTxd(t *Txd) {
	t.msg = nil
	t.residence = tmv.Zero()
	t.ingressPort = 0
	pool.free = append(pool.free, t)
}

// Cleanup drains the shared Txd pool at process shutdown. It returns the
// number of descriptors freed.
func Cleanup() int {
	n := len(pool.free)
	pool.free = nil
	pool.allocated = 0
	return n
}

// PoolAllocated reports the count of descriptors allocated by the shared
// pool since the last Cleanup (not yet returned to the free list plus
// those that are), for tests and diagnostics.
func PoolAllocated() int { return pool.allocated }

// Queue is an egress port's pending TX descriptor list: insertion-ordered
// FIFO with O(1) head removal and O(n) by-content search.
type Queue struct {
	l *list.List
}

// NewQueue creates an empty pending queue.
func NewQueue() *Queue {
	return &Queue{l: list.New()}
}

// Len reports the number of parked descriptors.
func (q *Queue) Len() int { return q.l.Len() }

// Snapshot copies out every parked descriptor in queue order, for tests
// and diagnostics, without exposing the underlying list.
func (q *Queue) Snapshot() []Txd {
	out := make([]Txd, 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*Txd))
	}
	return out
}

type matchKind int

const (
	matchNone matchKind = iota
	matchMismatch
	matchSyncFup
	matchFupSync
)

// find scans q in insertion order for a descriptor sharing msg's ingress
// port, sequence ID and source port identity with a complementary type
// (a parked SYNC against an incoming FOLLOW_UP, or vice versa). The first
// such hit wins; identifier matches of the wrong type (TC_MISMATCH) are
// skipped rather than terminating the scan.
func find(q *Queue, msg *ptp.Message, ingressPort uint16) (*list.Element, matchKind) {
	for e := q.l.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Txd)
		if t.ingressPort != ingressPort {
			continue
		}
		if t.msg.SequenceID != msg.SequenceID {
			continue
		}
		if !t.msg.SourcePortIdentity.Equal(msg.SourcePortIdentity) {
			continue
		}
		switch {
		case t.msg.Type == ptp.TypeSync && msg.Type == ptp.TypeFollowUp:
			return e, matchSyncFup
		case t.msg.Type == ptp.TypeFollowUp && msg.Type == ptp.TypeSync:
			return e, matchFupSync
		default:
			continue
		}
	}
	return nil, matchNone
}

// Engine is the TC forwarding core bound to a single clock's sibling
// ports.
type Engine struct {
	clk     *clock.Clock
	metrics Metrics
}

// NewEngine creates a forwarding engine over clk's ports.
func NewEngine(clk *clock.Clock) *Engine {
	return &Engine{clk: clk, metrics: noopMetrics{}}
}

// SetMetrics installs a Metrics sink; passing nil restores the no-op sink.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

// siblings returns q's sibling egress ports on the same clock, widened
// back from clock.Port to the engine's richer Port interface.
func (e *Engine) siblings(q Port) []Port {
	raw := e.clk.Siblings(q)
	out := make([]Port, 0, len(raw))
	for _, p := range raw {
		if tp, ok := p.(Port); ok {
			out = append(out, tp)
		}
	}
	return out
}

// Forward propagates a general (non-event) message - ANNOUNCE, SIGNALING,
// MANAGEMENT - from ingress port q to every eligible sibling egress. A
// send failure on one egress faults only that port; the rest still get
// the message.
func (e *Engine) Forward(q Port, msg *ptp.Message) error {
	if err := msg.PreSend(); err != nil {
		return err
	}
	for _, p := range e.siblings(q) {
		if Blocked(p.Number(), p.State()) {
			continue
		}
		n, err := p.Transport().Send(msg, false)
		if err != nil || n <= 0 {
			p.Fault()
			continue
		}
	}
	return nil
}

// FwdEvent forwards a SYNC, capturing a hardware TX timestamp per egress
// and completing (or parking) the pairing against that egress's pending
// FOLLOW_UP queue.
func (e *Engine) FwdEvent(q Port, msg *ptp.Message) error {
	msg.HostTimestamp = time.Now()
	if err := msg.PreSend(); err != nil {
		return err
	}
	ingress := tmv.FromTime(msg.HWTimestamp.Value)
	for _, p := range e.siblings(q) {
		if Blocked(p.Number(), p.State()) {
			continue
		}
		n, err := p.Transport().Send(msg, true)
		if err != nil || n <= 0 || !msg.HWTimestamp.Valid {
			p.Fault()
			continue
		}
		tx := tmv.FromTime(msg.HWTimestamp.Value.Add(p.TxTimestampOffset()))
		residence := tmv.Sub(tx, ingress)
		if err := e.Complete(q, p, msg, residence); err != nil {
			log.Printf("tc: complete on port %d: %v", p.Number(), err)
		}
	}
	return nil
}

// FwdFolup forwards a FOLLOW_UP: it rewrites the on-wire precise origin
// timestamp from the message's parsed PDU timestamp, then completes (or
// parks) the pairing on every eligible egress with a zero residence
// (the residence is supplied by the matching SYNC leg, if any).
func (e *Engine) FwdFolup(q Port, msg *ptp.Message) error {
	msg.ApplyFollowUpTimestamp()
	msg.HostTimestamp = time.Now()
	if err := msg.PreSend(); err != nil {
		return err
	}
	for _, p := range e.siblings(q) {
		if Blocked(p.Number(), p.State()) {
			continue
		}
		if err := e.Complete(q, p, msg, tmv.Zero()); err != nil {
			log.Printf("tc: complete on port %d: %v", p.Number(), err)
		}
	}
	return nil
}

// Complete is the matching step shared by FwdEvent and FwdFolup: it
// searches p's pending queue for msg's pair. On a match it accumulates
// residence into the FOLLOW_UP's correction field, transmits it, and
// retires the descriptor. On no match it parks a new descriptor holding a
// retained reference to msg.
func (e *Engine) Complete(q, p Port, msg *ptp.Message, residence tmv.TMV) error {
	queue := p.Queue()
	elem, kind := find(queue, msg, q.Number())
	if kind == matchNone {
		t := allocTxd()
		msg.Retain()
		t.msg = msg
		t.residence = residence
		t.ingressPort = q.Number()
		queue.l.PushBack(t)
		e.metrics.Parked()
		e.metrics.PoolSize(len(pool.free))
		return nil
	}

	t := elem.Value.(*Txd)
	queue.l.Remove(elem)

	var fup *ptp.Message
	var res tmv.TMV
	if kind == matchSyncFup {
		fup = msg
		res = t.residence
	} else {
		fup = t.msg
		res = residence
	}

	fup.CorrectionField += tmv.ToTimeInterval(res)
	e.metrics.Residence(res.Duration())

	n, err := p.Transport().Send(fup, false)
	if err != nil || n <= 0 {
		p.Fault()
	} else {
		e.metrics.FollowUpSent()
	}

	t.msg.Release()
	releaseTxd(t)
	e.metrics.Matched()
	return nil
}

// Prune removes descriptors from the head of p's pending queue whose
// message is more than one second old by host time, stopping at the
// first non-expired entry (the queue is age-ordered: insertion is
// tail-append and host timestamps are monotonic non-decreasing at
// insertion time). It returns the number of descriptors removed.
func (e *Engine) Prune(p Port) int {
	queue := p.Queue()
	now := time.Now()
	removed := 0
	for {
		front := queue.l.Front()
		if front == nil {
			break
		}
		t := front.Value.(*Txd)
		if now.Sub(t.msg.HostTimestamp) < time.Second {
			break
		}
		queue.l.Remove(front)
		t.msg.Release()
		releaseTxd(t)
		removed++
	}
	if removed > 0 {
		e.metrics.Pruned(removed)
	}
	return removed
}

// Flush releases every descriptor parked on p's queue. Port disable calls
// this so no parked message outlives its port.
func (e *Engine) Flush(p Port) {
	queue := p.Queue()
	for front := queue.l.Front(); front != nil; front = queue.l.Front() {
		t := front.Value.(*Txd)
		queue.l.Remove(front)
		t.msg.Release()
		releaseTxd(t)
	}
}
