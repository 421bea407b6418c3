package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vesselvm/vessel/internal/model"
	"github.com/vesselvm/vessel/internal/protocol"
)

// maxConcurrentConns bounds connections served at once. Beyond it, accepted
// connections wait for a slot; RPC dispatch itself serializes the real work.
const maxConcurrentConns = 10

// Server accepts client connections on the rendezvous socket and serves
// framed request/response pairs on each, all sharing one Service.
type Server struct {
	listener net.Listener
	svc      *Service
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewServer wraps an already-bound listener.
func NewServer(l net.Listener, svc *Service, logger *slog.Logger) *Server {
	return &Server{
		listener: l,
		svc:      svc,
		logger:   logger,
		sem:      semaphore.NewWeighted(maxConcurrentConns),
	}
}

// Serve accepts connections until the listener is closed or ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// serveConn reads framed requests off one connection until EOF, answering each
// in order.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	for {
		var req protocol.Request
		if err := protocol.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("read request frame", "error", err)
			}
			return
		}

		resp := s.handle(ctx, &req)
		if err := protocol.WriteFrame(conn, &resp); err != nil {
			s.logger.Warn("write response frame", "error", err)
			return
		}
	}
}

// handle dispatches one request to the service and renders the response.
func (s *Server) handle(ctx context.Context, req *protocol.Request) protocol.Response {
	reqID := req.ID
	if reqID == "" {
		reqID = model.NewRequestID()
	}
	resp := protocol.Response{ID: reqID}
	start := time.Now()

	var err error
	switch req.Method {
	case protocol.MethodCreate:
		if req.Create == nil {
			err = protocol.ErrInvalidRequest
			break
		}
		err = s.svc.Create(ctx, req.ContainerID, *req.Create)
	case protocol.MethodStart:
		err = s.svc.Start(ctx, req.ContainerID)
	case protocol.MethodKill:
		err = s.svc.Kill(ctx, req.ContainerID)
	case protocol.MethodDelete:
		err = s.svc.Delete(ctx, req.ContainerID)
	case protocol.MethodState:
		resp.State, err = s.svc.State(ctx, req.ContainerID)
	case protocol.MethodConnect:
		err = s.svc.Connect(ctx, req.ContainerID, req.Port)
	case protocol.MethodEvents:
		resp.Events, err = s.svc.Events(ctx, req.ContainerID)
	default:
		err = protocol.ErrInvalidRequest
	}

	outcome := "ok"
	if err != nil {
		resp.Error = protocol.ToWireError(err)
		outcome = resp.Error.Code
	}
	rpcRequestsTotal.WithLabelValues(string(req.Method), outcome).Inc()

	s.logger.Info("request",
		"method", string(req.Method),
		"container_id", req.ContainerID,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)
	return resp
}
