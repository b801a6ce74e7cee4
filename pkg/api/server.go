package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/lifecycle"
	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/metrics"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/wire"
)

// socketInfoBody is the JSON record CREATE's SUCCESS reply carries, per
// spec §4.3 step 6. StdinSock is always null: the manager's wire
// protocol never allocates a client-facing stdin channel.
type socketInfoBody struct {
	AgentSock  string  `json:"agent_sock"`
	StdinSock  *string `json:"stdin_sock"`
	StdoutSock string  `json:"stdout_sock"`
	StderrSock string  `json:"stderr_sock"`
}

// Server is the Manager RPC endpoint (C8). It binds a net.Listener at
// the configured address and serves one goroutine per connection,
// processing that connection's requests strictly in order (spec's §5
// per-connection serial ordering); separate connections run
// concurrently.
type Server struct {
	addr        string
	coordinator *lifecycle.Coordinator

	logger zerolog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer constructs a Server bound to addr, delegating CREATE and
// DESTROY to coordinator.
func NewServer(addr string, coordinator *lifecycle.Coordinator) *Server {
	return &Server{
		addr:        addr,
		coordinator: coordinator,
		logger:      log.WithComponent("api"),
	}
}

// Start binds the listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: bind: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.accept()
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		payload, err := wire.ReadFramed(conn)
		if err != nil {
			return
		}

		resp := s.handle(context.Background(), payload)

		if err := wire.WriteFramed(conn, wire.EncodeManagerResponse(resp)); err != nil {
			return
		}
	}
}

// handle decodes one request frame and dispatches it to PING, CREATE,
// or DESTROY. A decode failure yields INVALID_INPUT; an unexpected
// internal error yields FAILURE with an opaque body.
func (s *Server) handle(ctx context.Context, payload []byte) wire.ManagerResponse {
	req, err := wire.DecodeManagerRequest(payload)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("UNKNOWN", replyLabel(wire.ReplyInvalidInput)).Inc()
		return wire.ManagerResponse{Reply: wire.ReplyInvalidInput, Body: []byte("malformed request")}
	}

	action := actionLabel(req.Action)
	timer := metrics.NewTimer()
	resp := s.dispatch(ctx, req)
	timer.ObserveDurationVec(metrics.APIRequestDuration, action)
	metrics.APIRequestsTotal.WithLabelValues(action, replyLabel(resp.Reply)).Inc()
	return resp
}

func (s *Server) dispatch(ctx context.Context, req wire.ManagerRequest) wire.ManagerResponse {
	switch req.Action {
	case wire.ActionPing:
		return wire.ManagerResponse{Reply: wire.ReplyPong, Body: req.Body}

	case wire.ActionCreate:
		return s.handleCreate(ctx, req)

	case wire.ActionDestroy:
		return s.handleDestroy(ctx, req)

	default:
		return wire.ManagerResponse{Reply: wire.ReplyInvalidInput, Body: []byte("unknown action")}
	}
}

func actionLabel(a wire.ManagerAction) string {
	switch a {
	case wire.ActionPing:
		return "PING"
	case wire.ActionCreate:
		return "CREATE"
	case wire.ActionDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

func replyLabel(r wire.ManagerReply) string {
	switch r {
	case wire.ReplyPong:
		return "PONG"
	case wire.ReplySuccess:
		return "SUCCESS"
	case wire.ReplyInvalidInput:
		return "INVALID_INPUT"
	case wire.ReplyFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

func (s *Server) handleCreate(ctx context.Context, req wire.ManagerRequest) wire.ManagerResponse {
	id, endpoints, err := s.coordinator.Create(ctx, string(req.Body))
	if err != nil {
		s.logger.Error().Err(err).Msg("create failed")
		return wire.ManagerResponse{Reply: wire.ReplyFailure, Body: []byte(err.Error())}
	}

	body, err := json.Marshal(socketInfoBody{
		AgentSock:  endpoints.AgentSock,
		StdinSock:  nil,
		StdoutSock: endpoints.StdoutSock,
		StderrSock: endpoints.StderrSock,
	})
	if err != nil {
		return wire.ManagerResponse{Reply: wire.ReplyFailure, Body: []byte("failed to encode socket info")}
	}

	return wire.ManagerResponse{Reply: wire.ReplySuccess, KernelID: id, Body: body}
}

func (s *Server) handleDestroy(ctx context.Context, req wire.ManagerRequest) wire.ManagerResponse {
	err := s.coordinator.Destroy(ctx, req.KernelID)
	switch {
	case err == nil:
		return wire.ManagerResponse{Reply: wire.ReplySuccess, KernelID: req.KernelID}
	case errors.Is(err, lifecycle.ErrNoSuchKernel), errors.Is(err, registry.ErrKernelNotFound):
		return wire.ManagerResponse{Reply: wire.ReplyInvalidInput, Body: []byte("No such kernel.")}
	default:
		s.logger.Error().Err(err).Str("kernel_id", req.KernelID).Msg("destroy failed")
		return wire.ManagerResponse{Reply: wire.ReplyFailure, Body: []byte(err.Error())}
	}
}

// Shutdown closes the listener and waits for the accept goroutine and
// in-flight connections to finish, up to ctx's deadline. If the
// deadline passes first it returns ctx.Err(); connections still open
// at that point are not closed by Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
