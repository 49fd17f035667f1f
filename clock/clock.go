// Package clock models the minimal clock-level state the TC core needs:
// the ordered set of sibling ports to fan traffic out to. Everything else a
// real PTP clock does (BMCA, servo, grandmaster selection) lives outside
// this daemon and is not modeled here.
package clock

// Port is the subset of port state the clock needs to iterate siblings. The
// tc and port packages implement this interface on their own Port type;
// Clock only needs to enumerate and identify them.
type Port interface {
	Number() uint16
}

// Clock owns an ordered list of sibling ports. Forwarding fans out over
// this list in registration order.
type Clock struct {
	ports []Port
}

// New creates an empty Clock.
func New() *Clock {
	return &Clock{}
}

// AddPort appends a port to the clock's sibling list. Order matches
// registration order.
func (c *Clock) AddPort(p Port) {
	c.ports = append(c.ports, p)
}

// Ports returns the clock's ports in registration order. The slice is
// owned by Clock and must not be mutated by callers.
func (c *Clock) Ports() []Port {
	return c.ports
}

// Siblings returns every port on the clock other than q, in registration
// order.
func (c *Clock) Siblings(q Port) []Port {
	out := make([]Port, 0, len(c.ports))
	for _, p := range c.ports {
		if p.Number() == q.Number() {
			continue
		}
		out = append(out, p)
	}
	return out
}
