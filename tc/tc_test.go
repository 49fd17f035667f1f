package tc

import (
	"errors"
	"testing"
	"time"

	"github.com/linuxptp-tc/tcd/clock"
	"github.com/linuxptp-tc/tcd/ptp"
	"github.com/linuxptp-tc/tcd/transport"
)

// fakeTransport records every Send call and can be scripted to fail.
type fakeTransport struct {
	sent []*ptp.Message
	fail bool
	hwts time.Time
}

func (f *fakeTransport) Send(msg *ptp.Message, event bool) (int, error) {
	if f.fail {
		return 0, nil
	}
	if event {
		msg.HWTimestamp = ptp.HWTimestamp{Value: f.hwts, Valid: true}
	}
	f.sent = append(f.sent, msg)
	return 1, nil
}

func (f *fakeTransport) Recv(fd int, msg *ptp.Message) (int, error) {
	return 0, errors.New("not used")
}

var _ transport.Transport = (*fakeTransport)(nil)

// testPort is a minimal tc.Port for engine tests.
type testPort struct {
	number  uint16
	state   State
	trp     *fakeTransport
	q       *Queue
	faulted int
}

func newTestPort(n uint16, s State) *testPort {
	return &testPort{number: n, state: s, trp: &fakeTransport{}, q: NewQueue()}
}

func (p *testPort) Number() uint16                     { return p.number }
func (p *testPort) State() State                        { return p.state }
func (p *testPort) Transport() transport.Transport       { return p.trp }
func (p *testPort) TxTimestampOffset() time.Duration    { return 0 }
func (p *testPort) Queue() *Queue                       { return p.q }
func (p *testPort) Fault()                              { p.faulted++ }

func newEngine(ports ...*testPort) (*Engine, *clock.Clock) {
	clk := clock.New()
	for _, p := range ports {
		clk.AddPort(p)
	}
	return NewEngine(clk), clk
}

func syncMsg(seq uint16, srcID uint64, hwRx time.Time) *ptp.Message {
	m := ptp.NewMessage()
	m.Type = ptp.TypeSync
	m.SequenceID = seq
	m.SourcePortIdentity = ptp.PortIdentity{ClockIdentity: srcID, PortNumber: 1}
	m.HWTimestamp = ptp.HWTimestamp{Value: hwRx, Valid: true}
	return m
}

func folupMsg(seq uint16, srcID uint64, correction int64) *ptp.Message {
	m := ptp.NewMessage()
	m.Type = ptp.TypeFollowUp
	m.SequenceID = seq
	m.SourcePortIdentity = ptp.PortIdentity{ClockIdentity: srcID, PortNumber: 1}
	m.CorrectionField = correction
	return m
}

func TestSimpleSyncThenFollowUp(t *testing.T) {
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StateMaster)
	e, _ := newEngine(q1, q2)

	base := time.Unix(1000, 1000)       // rx hw ts: 1000ns into the second
	q2.trp.hwts = time.Unix(1000, 1400) // tx hw ts: 1400ns into the second -> residence 400ns

	sync := syncMsg(42, 0xA, base)
	if err := e.FwdEvent(q1, sync); err != nil {
		t.Fatalf("FwdEvent: %v", err)
	}
	if q2.q.Len() != 1 {
		t.Fatalf("expected 1 parked descriptor on q2, got %d", q2.q.Len())
	}

	folup := folupMsg(42, 0xA, 0x0000_0000_0000_0100)
	if err := e.FwdFolup(q1, folup); err != nil {
		t.Fatalf("FwdFolup: %v", err)
	}
	if q2.q.Len() != 0 {
		t.Fatalf("expected descriptor retired, got %d remaining", q2.q.Len())
	}
	// q2 transmits the SYNC, then the corrected FOLLOW_UP.
	if len(q2.trp.sent) != 2 {
		t.Fatalf("expected SYNC and corrected FOLLOW_UP sent, got %d sends", len(q2.trp.sent))
	}
	got := q2.trp.sent[1].CorrectionField
	want := int64(0x0000_0000_0190_0100)
	if got != want {
		t.Errorf("correction = %#x, want %#x", got, want)
	}
}

func TestReorderedFollowUpThenSync(t *testing.T) {
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StateMaster)
	e, _ := newEngine(q1, q2)

	folup := folupMsg(7, 0xB, 0)
	if err := e.FwdFolup(q1, folup); err != nil {
		t.Fatalf("FwdFolup: %v", err)
	}
	if q2.q.Len() != 1 {
		t.Fatalf("expected FOLLOW_UP parked, got len=%d", q2.q.Len())
	}

	base := time.Unix(2000, 0)
	q2.trp.hwts = time.Unix(2000, 250)
	sync := syncMsg(7, 0xB, base)
	if err := e.FwdEvent(q1, sync); err != nil {
		t.Fatalf("FwdEvent: %v", err)
	}
	if q2.q.Len() != 0 {
		t.Fatalf("expected descriptor retired after SYNC arrival, got %d", q2.q.Len())
	}
	// q2 transmits the SYNC, then the corrected parked FOLLOW_UP.
	if len(q2.trp.sent) != 2 {
		t.Fatalf("expected SYNC and corrected parked FOLLOW_UP sent, got %d sends", len(q2.trp.sent))
	}
	if q2.trp.sent[1].Type != ptp.TypeFollowUp {
		t.Fatalf("expected the second sent message to be the parked FOLLOW_UP, got %v", q2.trp.sent[1].Type)
	}
	want := int64(250) << 16
	if q2.trp.sent[1].CorrectionField != want {
		t.Errorf("correction = %#x, want %#x", q2.trp.sent[1].CorrectionField, want)
	}
}

func TestBlockedEgress(t *testing.T) {
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StatePassive)
	q3 := newTestPort(3, StateMaster)
	q3.trp.hwts = time.Unix(5000, 10)
	e, _ := newEngine(q1, q2, q3)

	sync := syncMsg(1, 0xC, time.Unix(5000, 0))
	if err := e.FwdEvent(q1, sync); err != nil {
		t.Fatalf("FwdEvent: %v", err)
	}
	if len(q2.trp.sent) != 0 {
		t.Errorf("passive port should not have received TX, got %d", len(q2.trp.sent))
	}
	if len(q3.trp.sent) != 1 {
		t.Errorf("master port should have received TX, got %d", len(q3.trp.sent))
	}
}

func TestSendFailureFaultsOnlyThatEgress(t *testing.T) {
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StateMaster)
	q2.trp.fail = true
	q3 := newTestPort(3, StateMaster)
	q3.trp.hwts = time.Unix(9000, 5)
	e, _ := newEngine(q1, q2, q3)

	sync := syncMsg(9, 0xD, time.Unix(9000, 0))
	if err := e.FwdEvent(q1, sync); err != nil {
		t.Fatalf("FwdEvent: %v", err)
	}
	if q2.faulted != 1 {
		t.Errorf("expected q2 faulted once, got %d", q2.faulted)
	}
	if q3.faulted != 0 {
		t.Errorf("expected q3 not faulted, got %d", q3.faulted)
	}
	if len(q3.trp.sent) != 1 {
		t.Errorf("expected q3 to still receive the SYNC, got %d sends", len(q3.trp.sent))
	}
}

func TestPoolRecyclingBoundsAllocations(t *testing.T) {
	Cleanup()
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StateMaster)
	e, _ := newEngine(q1, q2)

	for i := 0; i < 1000; i++ {
		seq := uint16(i)
		q2.trp.hwts = time.Unix(int64(i), 100)
		sync := syncMsg(seq, 0xE, time.Unix(int64(i), 0))
		if err := e.FwdEvent(q1, sync); err != nil {
			t.Fatalf("FwdEvent[%d]: %v", i, err)
		}
		folup := folupMsg(seq, 0xE, 0)
		if err := e.FwdFolup(q1, folup); err != nil {
			t.Fatalf("FwdFolup[%d]: %v", i, err)
		}
	}
	if q2.q.Len() != 0 {
		t.Fatalf("expected queue drained, got %d remaining", q2.q.Len())
	}
	if PoolAllocated() > 4 {
		t.Errorf("expected bounded allocation count, got %d", PoolAllocated())
	}
	freed := Cleanup()
	if freed == 0 {
		t.Errorf("expected cleanup to free recycled descriptors")
	}
}

func TestPruneAging(t *testing.T) {
	Cleanup()
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StateMaster)
	e, _ := newEngine(q1, q2)

	base := time.Now().Add(-2 * time.Second)
	park := func(seq uint16, age time.Duration) {
		m := ptp.NewMessage()
		m.Type = ptp.TypeFollowUp
		m.SequenceID = seq
		m.SourcePortIdentity = ptp.PortIdentity{ClockIdentity: 0xF, PortNumber: 1}
		m.HostTimestamp = base.Add(age)
		if err := e.Complete(q1, q2, m, 0); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	park(1, 0)
	park(2, 100*time.Millisecond)
	park(3, 1500*time.Millisecond)

	// Simulate "now" by directly checking ages relative to base+1200ms
	// using a synthetic prune that reasons off real wall time: shift the
	// parked host timestamps into the past so prune's time.Now() call
	// sees the intended deltas.
	shift := time.Now().Sub(base) - 1200*time.Millisecond
	for e := q2.q.l.Front(); e != nil; e = e.Next() {
		txd := e.Value.(*Txd)
		txd.msg.HostTimestamp = txd.msg.HostTimestamp.Add(shift)
	}

	removed := e.Prune(q2)
	if removed != 2 {
		t.Fatalf("expected 2 descriptors pruned, got %d (remaining=%d)", removed, q2.q.Len())
	}
	if q2.q.Len() != 1 {
		t.Fatalf("expected 1 descriptor remaining, got %d", q2.q.Len())
	}
	rest := q2.q.Snapshot()
	if rest[0].Message().SequenceID != 3 {
		t.Errorf("expected surviving descriptor to be seq 3, got %d", rest[0].Message().SequenceID)
	}
}

func TestFlushReleasesAllDescriptors(t *testing.T) {
	Cleanup()
	q1 := newTestPort(1, StateSlave)
	q2 := newTestPort(2, StateMaster)
	e, _ := newEngine(q1, q2)

	for i := 0; i < 3; i++ {
		m := ptp.NewMessage()
		m.Type = ptp.TypeFollowUp
		m.SequenceID = uint16(i)
		m.SourcePortIdentity = ptp.PortIdentity{ClockIdentity: 0x10, PortNumber: 1}
		m.HostTimestamp = time.Now()
		if err := e.Complete(q1, q2, m, 0); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	e.Flush(q2)
	if q2.q.Len() != 0 {
		t.Fatalf("expected empty queue after flush, got %d", q2.q.Len())
	}
}

func TestForwardGeneralMessageBlockedUDSPort(t *testing.T) {
	q0 := newTestPort(0, StateListening) // UDS port
	q1 := newTestPort(1, StateSlave)
	e, _ := newEngine(q0, q1)

	msg := ptp.NewMessage()
	msg.Type = ptp.TypeAnnounce
	if err := e.Forward(q1, msg); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(q0.trp.sent) != 0 {
		t.Errorf("UDS port must never receive TC-forwarded traffic, got %d sends", len(q0.trp.sent))
	}
}
