// Package filter implements the first-order smoothers used to condition
// delay samples before they feed the (out-of-scope) peer-delay pipeline.
// The only concrete implementation required by the TC core is EWMA.
package filter

import (
	"errors"

	"github.com/linuxptp-tc/tcd/tmv"
)

// ErrInvalidLength is returned by NewEWMA when length is less than 1.
var ErrInvalidLength = errors.New("filter: length must be >= 1")

// Filter is the small capability interface a sample smoother must
// satisfy, for callers that manage filters polymorphically.
type Filter interface {
	// Sample feeds v into the filter and returns the updated running value.
	Sample(v tmv.TMV) tmv.TMV
	// Reset returns the filter to its just-created state.
	Reset()
}

// EWMA is a first-order exponential moving average with a ramp-in: the
// effective divisor for the k-th sample is min(k, divisor), so the filter
// behaves as a plain arithmetic average for the first `divisor` samples and
// as an EWMA with coefficient 1/divisor afterward.
type EWMA struct {
	divisor int
	count   int
	sum     tmv.TMV
}

// NewEWMA creates an EWMA filter with the given effective window length.
// length must be >= 1.
func NewEWMA(length int) (*EWMA, error) {
	if length < 1 {
		return nil, ErrInvalidLength
	}
	return &EWMA{divisor: length}, nil
}

// Sample updates the running average with v and returns the new sum.
func (m *EWMA) Sample(v tmv.TMV) tmv.TMV {
	m.count++
	d := m.divisor
	if m.count < d {
		d = m.count
	}
	diff := tmv.Sub(v, m.sum)
	m.sum = tmv.Add(m.sum, tmv.Div(diff, d))
	return m.sum
}

// Reset clears the accumulated state.
func (m *EWMA) Reset() {
	m.sum = tmv.Zero()
	m.count = 0
}

// Destroy releases any resources held by the filter. EWMA holds none; the
// method completes the create/sample/reset/destroy lifecycle.
func (m *EWMA) Destroy() {}
