package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"mixvpn"
	"mixvpn/internal/destination"
	"mixvpn/internal/engine"
	"mixvpn/internal/eventbus"
)

// Engine is the capability the control server drives commands into. Satisfied
// by *engine.Engine; an interface here only so tests can substitute a
// smaller fake without constructing a real session/tunnel stack.
type Engine interface {
	Submit(ctx context.Context, cmd mixvpn.Command) (mixvpn.EngineState, error)
	Snapshot() mixvpn.EngineState
}

var _ Engine = (*engine.Engine)(nil)

// Server serves the control socket: one goroutine per connection, commands
// dispatched into Engine.Submit, Status --follow served from the shared
// event bus. Grounded on api/server.go's ListenAndServe shape (stale-socket
// removal, context-cancel-triggers-shutdown), swapped from gRPC framing to
// the length-prefixed JSON codec this package implements directly.
type Server struct {
	eng   Engine
	dests *destination.Store
	bus   *eventbus.Bus

	// mutating serialises Connect/Disconnect across every connection; a
	// second mutating command arriving while one is in flight gets Busy
	// rather than queueing behind it.
	mutating sync.Mutex

	// Refresh, if set, runs before a Refresh command reaches the engine —
	// cmd/mixd wires this to re-read the identity file and the destination
	// table off disk (DESIGN.md Open Question #2). A nil Refresh leaves
	// Refresh a pure no-op/status-snapshot command.
	Refresh func(ctx context.Context) error
}

// New creates a Server.
func New(eng Engine, dests *destination.Store, bus *eventbus.Bus) *Server {
	return &Server{eng: eng, dests: dests, bus: bus}
}

// ListenAndServe listens on the unix socket at path (mode 0660) and serves
// connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				_ = os.Remove(path)
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("control connection read error", "err", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = s.reply(conn, Response{Error: &ErrorReply{Code: ErrCodeBadFrame, Message: err.Error()}})
			return
		}

		if req.Command.Kind == mixvpn.CommandStatus && req.Command.Follow {
			s.follow(ctx, conn)
			return
		}

		resp := s.dispatch(ctx, req.Command)
		if err := s.reply(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd mixvpn.Command) Response {
	if isMutating(cmd.Kind) {
		if !s.mutating.TryLock() {
			return Response{Error: &ErrorReply{Code: ErrCodeBusy, Message: "another mutating command is in flight"}}
		}
		defer s.mutating.Unlock()
	}

	if cmd.Kind == mixvpn.CommandRefresh && s.Refresh != nil {
		if err := s.Refresh(ctx); err != nil {
			return Response{Error: &ErrorReply{Code: ErrCodeEngine, Message: err.Error()}}
		}
	}

	st, err := s.eng.Submit(ctx, cmd)
	if err != nil {
		return Response{Error: &ErrorReply{Code: ErrCodeEngine, Message: err.Error()}}
	}
	return Response{Status: s.statusReply(st)}
}

// follow serves `Status --follow`: an initial snapshot, then one frame per
// StatusChanged event until the client disconnects or ctx is cancelled.
func (s *Server) follow(ctx context.Context, conn net.Conn) {
	sub := s.bus.Subscribe(8)
	defer sub.Unsubscribe()

	if err := s.reply(conn, Response{Status: s.statusReply(s.eng.Snapshot())}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind != mixvpn.EventStatusChanged || ev.State == nil {
				continue
			}
			if err := s.reply(conn, Response{Status: s.statusReply(*ev.State)}); err != nil {
				return
			}
		}
	}
}

func (s *Server) statusReply(st mixvpn.EngineState) *StatusReply {
	return &StatusReply{State: st, Destinations: s.dests.List()}
}

func (s *Server) reply(conn net.Conn, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal control response: %w", err)
	}
	return WriteFrame(conn, payload)
}

func isMutating(kind mixvpn.CommandKind) bool {
	switch kind {
	case mixvpn.CommandConnect, mixvpn.CommandDisconnect:
		return true
	default:
		return false
	}
}
