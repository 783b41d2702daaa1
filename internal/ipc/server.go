// Package ipc exposes daemon control over JSON-RPC on a Unix domain
// socket: status, shelf sync, stage pause and resume, manual retry, and
// queue cleanup.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"bindery/internal/daemon"
	"bindery/internal/logging"
	"bindery/internal/queue"
)

// Server accepts control connections for a running daemon.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the control server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName("Bindery", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve() {
	s.logger.Debug("control socket listening", slog.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", slog.Any("error", err))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("remove socket", slog.String("socket", s.path), slog.Any("error", err))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Running = s.daemon.Running()
	resp.Database = s.daemon.Store().Path()

	counts, err := s.daemon.Store().StatusCounts(s.ctx)
	if err != nil {
		return err
	}
	resp.StatusCounts = make(map[string]int, len(counts))
	for status, n := range counts {
		resp.StatusCounts[string(status)] = n
	}
	resp.Backlog = counts.Backlog()

	taskCounts, err := s.daemon.Store().TaskCounts(s.ctx)
	if err != nil {
		return err
	}
	resp.TaskCounts = make(map[string]int, len(taskCounts))
	for status, n := range taskCounts {
		resp.TaskCounts[string(status)] = n
	}

	resp.PausedStages = make(map[string]string)
	for stage, reason := range s.daemon.Pauses().Snapshot() {
		resp.PausedStages[string(stage)] = reason
	}

	if snap, ok := s.daemon.Monitor().Last(); ok {
		resp.ErrorRate = snap.ErrorRate
		resp.CompletedHour = snap.CompletedLast
	}
	return nil
}

func (s *service) Sync(_ SyncRequest, resp *SyncResponse) error {
	added, err := s.daemon.Sync(s.ctx)
	if err != nil {
		return err
	}
	resp.Added = added
	return nil
}

func (s *service) Pause(req PauseRequest, resp *PauseResponse) error {
	stage, ok := queue.ParseStage(req.Stage)
	if !ok {
		return fmt.Errorf("unknown stage %q", req.Stage)
	}
	reason := req.Reason
	if reason == "" {
		reason = "paused by operator"
	}
	s.daemon.Pauses().Pause(stage, reason)
	s.logger.Info("stage paused by operator", slog.String("stage", string(stage)))
	resp.Stage = string(stage)
	return nil
}

func (s *service) Resume(req ResumeRequest, resp *ResumeResponse) error {
	stage, ok := queue.ParseStage(req.Stage)
	if !ok {
		return fmt.Errorf("unknown stage %q", req.Stage)
	}
	requeued, err := s.daemon.Scheduler().ResumeStage(s.ctx, stage)
	if err != nil {
		return err
	}
	resp.Stage = string(stage)
	resp.Requeued = requeued
	return nil
}

// Retry moves failed books back into the pipeline: permanent failures
// restart from the beginning, stage failures re-enter their stage's queue.
func (s *service) Retry(req RetryRequest, resp *RetryResponse) error {
	for _, id := range req.BookIDs {
		book, err := s.daemon.Store().BookByID(s.ctx, id)
		if err != nil {
			return err
		}
		var target queue.Status
		switch {
		case book == nil:
			resp.Skipped = append(resp.Skipped, id)
			continue
		case book.Status == queue.StatusFailedPermanent:
			target = queue.StatusNew
		case book.Status == queue.StatusDownloadFailed:
			target = queue.StatusDownloadQueued
		case book.Status == queue.StatusUploadFailed:
			target = queue.StatusUploadQueued
		default:
			resp.Skipped = append(resp.Skipped, id)
			continue
		}
		if err := s.daemon.State().TransitionStatus(s.ctx, id, target, "manual retry", "", 0, 0); err != nil {
			return err
		}
		resp.Retried++
	}
	return nil
}

func (s *service) ClearCompleted(_ ClearCompletedRequest, resp *ClearCompletedResponse) error {
	removed, err := s.daemon.Store().ClearCompleted(s.ctx)
	if err != nil {
		return err
	}
	resp.Removed = removed
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	if err := s.daemon.Notifier().TestNotification(s.ctx); err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Sent = true
	return nil
}
