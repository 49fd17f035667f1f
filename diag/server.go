// Package diag serves a JSONL feed of port fault events over a Unix
// domain socket, so an external supervisor can watch
// FAULT_DETECTED/FAULT_CLEARED transitions without polling logs.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// Kind names the fault transition being reported.
type Kind int

const (
	// FaultDetected is reported when a port's state machine observes
	// FAULT_DETECTED.
	FaultDetected Kind = iota
	// FaultCleared is reported when a port's state machine observes
	// FAULT_CLEARED.
	FaultCleared
)

func (k Kind) String() string {
	switch k {
	case FaultDetected:
		return "FAULT_DETECTED"
	case FaultCleared:
		return "FAULT_CLEARED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders Kind by name rather than by ordinal, so clients
// don't need this package's constants to interpret the feed.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts the names MarshalJSON produces.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "FAULT_DETECTED":
		*k = FaultDetected
	case "FAULT_CLEARED":
		*k = FaultCleared
	default:
		return fmt.Errorf("diag: unknown fault kind %q", s)
	}
	return nil
}

// FaultEvent is one line of the JSONL feed.
type FaultEvent struct {
	Port      uint16    `json:"port"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Server broadcasts FaultEvents to every connected client.
type Server interface {
	Listen() error
	Serve(context.Context) error
	Report(port uint16, kind Kind, timestamp time.Time)
}

type server struct {
	eventC       chan *FaultEvent
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

// New creates a Server that will listen on the given Unix domain socket
// path once Listen is called.
func New(filename string) Server {
	return &server{
		filename: filename,
		eventC:   make(chan *FaultEvent, 100),
		clients:  make(map[net.Conn]struct{}),
	}
}

func (s *server) addClient(c net.Conn) {
	log.Println("diag: new client", c.RemoteAddr())
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, data); err != nil {
			log.Println("diag: write to client failed, removing:", err)
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		if event == nil {
			continue
		}
		b, err := json.Marshal(event)
		if err != nil {
			log.Printf("diag: bad event %+v: %v", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen binds the Unix domain socket. Connections will not succeed until
// Serve is also called.
func (s *server) Listen() error {
	s.servingWG.Add(1)
	os.Remove(s.filename)
	var err error
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve accepts clients until ctx is canceled.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.notifyClients(ctx)

	s.servingWG.Add(1)
	go func() {
		<-ctx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for ctx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			continue
		}
		s.addClient(conn)
	}
	return err
}

// Report enqueues a fault event for broadcast to connected clients.
func (s *server) Report(port uint16, kind Kind, timestamp time.Time) {
	s.eventC <- &FaultEvent{Port: port, Kind: kind, Timestamp: timestamp}
}

type nullServer struct{}

func (nullServer) Listen() error                            { return nil }
func (nullServer) Serve(context.Context) error              { return nil }
func (nullServer) Report(uint16, Kind, time.Time)           {}

// NullServer returns a Server that discards every event, for daemon
// configurations that don't want the diagnostic feed.
func NullServer() Server {
	return nullServer{}
}
