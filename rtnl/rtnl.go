// Package rtnl watches interface link status over RTNETLINK, feeding the
// up/down notifications a port.Port's FDRTNL descriptor reacts to. It
// wraps vishvananda/netlink's link subscription API.
package rtnl

import (
	"fmt"
	"sync/atomic"

	"github.com/vishvananda/netlink"
)

// Watcher tracks a single interface's operational state, updated
// asynchronously from a background netlink subscription, and read
// synchronously by the port event loop via Up().
type Watcher struct {
	ifindex int
	up      int32 // atomic bool; updates arrive off the event-loop goroutine
	done    chan struct{}
}

// NewWatcher resolves ifaceName to an interface index and begins
// subscribing to its link updates. The initial state is read
// synchronously so Up() is meaningful before the first update arrives.
func NewWatcher(ifaceName string) (*Watcher, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("rtnl: resolve %q: %w", ifaceName, err)
	}
	w := &Watcher{ifindex: link.Attrs().Index, done: make(chan struct{})}
	w.setUp(link.Attrs().OperState == netlink.OperUp)

	updates := make(chan netlink.LinkUpdate)
	if err := netlink.LinkSubscribe(updates, w.done); err != nil {
		close(w.done)
		return nil, fmt.Errorf("rtnl: subscribe: %w", err)
	}
	go w.run(updates)
	return w, nil
}

func (w *Watcher) run(updates <-chan netlink.LinkUpdate) {
	for u := range updates {
		if u.Link == nil || u.Link.Attrs().Index != w.ifindex {
			continue
		}
		w.setUp(u.Link.Attrs().OperState == netlink.OperUp)
	}
}

func (w *Watcher) setUp(up bool) {
	var v int32
	if up {
		v = 1
	}
	atomic.StoreInt32(&w.up, v)
}

// Up reports the most recently observed operational state, satisfying
// port.LinkStatus.
func (w *Watcher) Up() bool {
	return atomic.LoadInt32(&w.up) == 1
}

// Close stops the subscription goroutine.
func (w *Watcher) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
