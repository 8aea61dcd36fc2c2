package control

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/gamecore/internal/gameloop"
)

// StatusSource reports the game loop status. *gameloop.Driver satisfies it.
type StatusSource interface {
	Status() gameloop.Status
}

// Server implements ControlServer by queueing commands for the game loop.
// The loop applies at most one command per tick.
type Server struct {
	commands chan<- gameloop.Command
	source   StatusSource
	logger   *zap.Logger
}

var _ ControlServer = (*Server)(nil)

// NewServer creates a Server.
//
// Precondition: commands, source and logger must be non-nil.
// Postcondition: Returns a Server ready for RegisterControlServer.
func NewServer(commands chan<- gameloop.Command, source StatusSource, logger *zap.Logger) *Server {
	return &Server{
		commands: commands,
		source:   source,
		logger:   logger,
	}
}

// Load implements ControlServer.
func (s *Server) Load(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return s.enqueue(gameloop.CommandLoad)
}

// Play implements ControlServer.
func (s *Server) Play(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return s.enqueue(gameloop.CommandPlay)
}

// Reset implements ControlServer.
func (s *Server) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return s.enqueue(gameloop.CommandReset)
}

// Status implements ControlServer.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.source.Status()
	out, err := structpb.NewStruct(map[string]any{
		"server_id":   st.ServerID,
		"state":       st.State.String(),
		"ticks":       float64(st.Ticks),
		"skipped":     float64(st.Skipped),
		"connections": float64(st.Connections),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding status: %v", err)
	}
	return out, nil
}

// enqueue never blocks the RPC on the game loop.
func (s *Server) enqueue(cmd gameloop.Command) (*emptypb.Empty, error) {
	select {
	case s.commands <- cmd:
		s.logger.Info("control command queued", zap.Stringer("command", cmd))
		return &emptypb.Empty{}, nil
	default:
		s.logger.Warn("control command rejected, queue full", zap.Stringer("command", cmd))
		return nil, status.Errorf(codes.ResourceExhausted, "command queue full, %s not queued", cmd)
	}
}
