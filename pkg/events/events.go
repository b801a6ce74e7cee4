package events

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/log"
)

// lingerOnShutdown bounds how long the router drains in-flight frames
// before closing its sockets.
const lingerOnShutdown = 50 * time.Millisecond

// Router is the network-facing ingress worker (C6). It binds a TCP
// listener at the configured ingress address and proxies every frame
// it receives, byte-for-byte, onto a Unix domain socket bus that
// dispatchers dial into. It shares no memory with anything else in
// the process; the only interface it exposes is the bus path.
type Router struct {
	ingressAddr string
	busPath     string

	logger zerolog.Logger

	mu       sync.Mutex
	busConns map[net.Conn]struct{}

	ingressLn net.Listener
	busLn     net.Listener

	wg sync.WaitGroup
}

// NewRouter constructs a Router bound to ingressAddr (TCP) that will
// proxy frames onto a Unix socket at busPath.
func NewRouter(ingressAddr, busPath string) *Router {
	return &Router{
		ingressAddr: ingressAddr,
		busPath:     busPath,
		logger:      log.WithComponent("event-router"),
		busConns:    make(map[net.Conn]struct{}),
	}
}

// Start binds both sockets and begins accepting connections. It
// returns once both listeners are up; acceptance runs in background
// goroutines.
func (r *Router) Start() error {
	ln, err := net.Listen("tcp", r.ingressAddr)
	if err != nil {
		return fmt.Errorf("events: bind ingress: %w", err)
	}
	r.ingressLn = ln

	busLn, err := net.Listen("unix", r.busPath)
	if err != nil {
		ln.Close()
		return fmt.Errorf("events: bind bus: %w", err)
	}
	r.busLn = busLn

	r.wg.Add(2)
	go r.acceptIngress()
	go r.acceptBus()
	return nil
}

func (r *Router) acceptIngress() {
	defer r.wg.Done()
	for {
		conn, err := r.ingressLn.Accept()
		if err != nil {
			return
		}
		go r.serveIngress(conn)
	}
}

func (r *Router) serveIngress(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := readFramed(conn)
		if err != nil {
			return
		}
		r.broadcast(payload)
	}
}

func (r *Router) acceptBus() {
	defer r.wg.Done()
	for {
		conn, err := r.busLn.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.busConns[conn] = struct{}{}
		r.mu.Unlock()
	}
}

func (r *Router) broadcast(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.busConns {
		if err := writeFramed(conn, payload); err != nil {
			delete(r.busConns, conn)
			conn.Close()
		}
	}
}

// Shutdown drains briefly, then closes both sockets. Terminal errors
// during operation are not surfaced here; the caller's supervisor
// decides whether to restart the router.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.ingressLn != nil {
		r.ingressLn.Close()
	}
	if r.busLn != nil {
		r.busLn.Close()
	}

	select {
	case <-time.After(lingerOnShutdown):
	case <-ctx.Done():
	}

	r.mu.Lock()
	for conn := range r.busConns {
		conn.Close()
	}
	r.busConns = make(map[net.Conn]struct{})
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
