package filter

import (
	"testing"

	"github.com/linuxptp-tc/tcd/tmv"
)

func TestNewEWMAInvalidLength(t *testing.T) {
	if _, err := NewEWMA(0); err != ErrInvalidLength {
		t.Fatalf("NewEWMA(0) error = %v, want ErrInvalidLength", err)
	}
	if _, err := NewEWMA(-1); err != ErrInvalidLength {
		t.Fatalf("NewEWMA(-1) error = %v, want ErrInvalidLength", err)
	}
}

func TestSingleSampleEqualsValue(t *testing.T) {
	f, err := NewEWMA(8)
	if err != nil {
		t.Fatal(err)
	}
	got := f.Sample(tmv.TMV(12345))
	if got != 12345 {
		t.Errorf("first sample = %d, want 12345", got)
	}
}

func TestConstantInputReachesSteadyState(t *testing.T) {
	f, err := NewEWMA(4)
	if err != nil {
		t.Fatal(err)
	}
	const v = tmv.TMV(777)
	var last tmv.TMV
	for i := 0; i < 20; i++ {
		last = f.Sample(v)
	}
	if last != v {
		t.Errorf("steady state sum = %d, want %d", last, v)
	}
}

func TestRampIn(t *testing.T) {
	f, err := NewEWMA(3)
	if err != nil {
		t.Fatal(err)
	}
	// k=1: d=1, sum = 0 + (10-0)/1 = 10
	if got := f.Sample(10); got != 10 {
		t.Fatalf("sample 1 = %d, want 10", got)
	}
	// k=2: d=2, sum = 10 + (20-10)/2 = 15
	if got := f.Sample(20); got != 15 {
		t.Fatalf("sample 2 = %d, want 15", got)
	}
	// k=3: d=3, sum = 15 + (30-15)/3 = 20
	if got := f.Sample(30); got != 20 {
		t.Fatalf("sample 3 = %d, want 20", got)
	}
	// k=4: d=min(3,4)=3, sum = 20 + (0-20)/3 = 20 + (-6) = 14
	if got := f.Sample(0); got != 14 {
		t.Fatalf("sample 4 = %d, want 14", got)
	}
}

func TestReset(t *testing.T) {
	f, _ := NewEWMA(5)
	f.Sample(100)
	f.Sample(200)
	f.Reset()
	if got := f.Sample(42); got != 42 {
		t.Errorf("sample after reset = %d, want 42", got)
	}
}

func TestPreservesSign(t *testing.T) {
	f, _ := NewEWMA(2)
	f.Sample(tmv.TMV(-100))
	got := f.Sample(tmv.TMV(-300))
	if got >= 0 {
		t.Errorf("expected negative running value, got %d", got)
	}
}
