package clock

import "testing"

type fakePort uint16

func (f fakePort) Number() uint16 { return uint16(f) }

func TestSiblingsSkipsSelf(t *testing.T) {
	c := New()
	c.AddPort(fakePort(1))
	c.AddPort(fakePort(2))
	c.AddPort(fakePort(3))

	sibs := c.Siblings(fakePort(2))
	if len(sibs) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(sibs))
	}
	if sibs[0].Number() != 1 || sibs[1].Number() != 3 {
		t.Errorf("siblings = %d,%d; want 1,3", sibs[0].Number(), sibs[1].Number())
	}
}

func TestSiblingsPreservesRegistrationOrder(t *testing.T) {
	c := New()
	for _, n := range []uint16{5, 1, 9, 3} {
		c.AddPort(fakePort(n))
	}
	sibs := c.Siblings(fakePort(9))
	want := []uint16{5, 1, 3}
	for i, p := range sibs {
		if p.Number() != want[i] {
			t.Errorf("siblings[%d] = %d, want %d", i, p.Number(), want[i])
		}
	}
}

func TestPortsEmptyClock(t *testing.T) {
	c := New()
	if len(c.Ports()) != 0 {
		t.Errorf("fresh clock should have no ports")
	}
	if len(c.Siblings(fakePort(1))) != 0 {
		t.Errorf("fresh clock should have no siblings for any port")
	}
}
