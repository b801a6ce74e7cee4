package events

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/metrics"
)

// HandlerFunc is invoked once per matching frame with the frame's
// agent id and raw args blob (decode with DecodeArgs).
type HandlerFunc func(agentID string, args []byte)

// Handler is one entry in an event name's ordered handler chain.
// Immediate handlers run to completion before the next queued frame
// for that event name is processed; Async handlers are launched as
// independent goroutines and are not waited on.
type Handler struct {
	Immediate bool
	Fn        HandlerFunc
}

type queuedFrame struct {
	agentID  string
	args     []byte
	handlers []Handler
}

// Dispatcher is the event subscriber + multiplexer (C7). It dials a
// Router's bus socket, decodes each frame, and fans it out to the
// handler chain registered for that frame's event name.
//
// Handlers for a given event name observe frames in the order the
// dispatcher received them (FIFO per event name) because each name
// gets its own ordered worker goroutine. No ordering is guaranteed
// across different event names.
type Dispatcher struct {
	busPath string
	logger  zerolog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	queues   map[string]chan queuedFrame

	unknownCount int64

	conn net.Conn
}

// NewDispatcher constructs a Dispatcher that will dial the Unix socket
// at busPath once Run is called.
func NewDispatcher(busPath string) *Dispatcher {
	return &Dispatcher{
		busPath:  busPath,
		logger:   log.WithComponent("event-dispatcher"),
		handlers: make(map[string][]Handler),
		queues:   make(map[string]chan queuedFrame),
	}
}

// AddHandler registers h at the end of eventName's handler chain.
// Registration order is preserved (insertion order).
func (d *Dispatcher) AddHandler(eventName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], h)
	d.ensureWorkerLocked(eventName)
}

func (d *Dispatcher) ensureWorkerLocked(eventName string) {
	if _, ok := d.queues[eventName]; ok {
		return
	}
	q := make(chan queuedFrame, 256)
	d.queues[eventName] = q
	go d.worker(eventName, q)
}

// UnknownCount returns the number of frames dropped because no
// handler was registered for their event name.
func (d *Dispatcher) UnknownCount() int64 {
	return atomic.LoadInt64(&d.unknownCount)
}

// Run dials the bus and processes frames until ctx is cancelled or the
// connection is closed. On cancellation it closes the socket and
// returns cleanly without processing further frames; handlers already
// scheduled continue under their own goroutines.
func (d *Dispatcher) Run(ctx context.Context) error {
	conn, err := net.Dial("unix", d.busPath)
	if err != nil {
		return fmt.Errorf("events: dial bus: %w", err)
	}
	d.conn = conn

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		payload, err := readFramed(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return nil
		}
		frame, err := decodeFrame(payload)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dropping malformed event frame")
			continue
		}
		d.dispatch(frame)
	}
}

func (d *Dispatcher) dispatch(frame EventFrame) {
	d.mu.Lock()
	handlers, ok := d.handlers[frame.EventName]
	if !ok {
		d.mu.Unlock()
		atomic.AddInt64(&d.unknownCount, 1)
		metrics.EventsUnknownTotal.Inc()
		return
	}
	// Snapshot so later AddHandler calls don't race with a chain
	// already in flight for this frame.
	snapshot := make([]Handler, len(handlers))
	copy(snapshot, handlers)
	q := d.queues[frame.EventName]
	d.mu.Unlock()

	metrics.EventsDispatchedTotal.WithLabelValues(frame.EventName).Inc()
	q <- queuedFrame{agentID: frame.AgentID, args: frame.Args, handlers: snapshot}
}

func (d *Dispatcher) worker(eventName string, q chan queuedFrame) {
	for qf := range q {
		for _, h := range qf.handlers {
			if h.Immediate {
				d.safeCall(eventName, h.Fn, qf.agentID, qf.args)
			} else {
				go d.safeCall(eventName, h.Fn, qf.agentID, qf.args)
			}
		}
	}
}

func (d *Dispatcher) safeCall(eventName string, fn HandlerFunc, agentID string, args []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event_name", eventName).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn(agentID, args)
}
