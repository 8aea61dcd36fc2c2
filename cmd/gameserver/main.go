// Package main provides the game server binary: a fixed-rate game loop
// serving UDP and WebSocket clients, with an optional gRPC control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/gamecore/internal/config"
	"github.com/cory-johannsen/gamecore/internal/control"
	"github.com/cory-johannsen/gamecore/internal/gameloop"
	"github.com/cory-johannsen/gamecore/internal/observability"
	"github.com/cory-johannsen/gamecore/internal/scripting"
	"github.com/cory-johannsen/gamecore/internal/server"
	"github.com/cory-johannsen/gamecore/internal/transport"
	"github.com/cory-johannsen/gamecore/internal/transport/udp"
	"github.com/cory-johannsen/gamecore/internal/transport/ws"
)

// flagKeys maps command-line flags onto the configuration keys they override.
var flagKeys = map[string]string{
	"id":   "server.id",
	"host": "server.host",
	"port": "server.port",
	"tps":  "server.tps",
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults and GAMECORE_* environment")
	flag.String("id", "", "server identifier (default: random UUID)")
	flag.String("host", "0.0.0.0", "bind address for every listener")
	flag.Int("port", 7777, "listen port for transports without their own port")
	flag.Int("tps", 128, "target ticks per second")
	flag.Parse()

	v, err := config.NewViper(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	// Only flags given on the command line override file and environment values.
	flag.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.(flag.Getter).Get())
		}
	})

	cfg, err := config.LoadFromViper(v)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.ID)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if err := serve(context.Background(), cfg, logger, start); err != nil {
		logger.Error("game server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// serve builds the transports, application, game loop, and control plane
// from cfg and runs them until ctx is cancelled, a signal arrives, or a
// service fails. Everything it opened is released before it returns.
//
// Postcondition: Returns the first service failure, or nil on a clean shutdown.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, start time.Time) error {
	logger.Info("starting game server",
		zap.String("host", cfg.Server.Host),
		zap.Int("tps", cfg.Server.TPS),
		zap.Stringer("log_level", observability.LevelOf(logger)),
	)

	transports, err := listenTransports(cfg, logger)
	if err != nil {
		return err
	}

	app, closeApp, err := buildApplication(cfg, logger)
	if err != nil {
		closeTransports(transports, logger)
		return err
	}
	defer closeApp()

	commands := make(chan gameloop.Command, 8)
	driver, err := gameloop.New(gameloop.Options{
		ServerID:    cfg.Server.ID,
		TPS:         cfg.Server.TPS,
		Transports:  transports,
		Application: app,
		Commands:    commands,
		AutoStart:   cfg.Server.AutoStart,
		Logger:      logger.Named("gameloop"),
	})
	if err != nil {
		closeTransports(transports, logger)
		return fmt.Errorf("creating game loop: %w", err)
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("gameloop", &server.FuncService{
		StartFn: driver.Run,
	})

	if cfg.Control.Enabled {
		grpcServer := grpc.NewServer()
		control.RegisterControlServer(grpcServer, control.NewServer(commands, driver, logger.Named("control")))

		lifecycle.Add("control", &server.FuncService{
			StartFn: func(context.Context) error {
				lis, err := net.Listen("tcp", cfg.Control.Addr())
				if err != nil {
					return fmt.Errorf("listening on %s: %w", cfg.Control.Addr(), err)
				}
				logger.Info("control server listening",
					zap.String("addr", lis.Addr().String()),
				)
				return grpcServer.Serve(lis)
			},
			StopFn: func() {
				grpcServer.GracefulStop()
			},
		})
	} else if !cfg.Server.AutoStart {
		logger.Warn("auto_start is off and the control plane is disabled; the game loop will stay idle")
	}

	logger.Info("game server initialized",
		zap.Int("transports", len(transports)),
		zap.Bool("control", cfg.Control.Enabled),
		zap.Duration("startup", time.Since(start)),
	)

	return lifecycle.Run(ctx)
}

// listenTransports binds every enabled transport. On failure the transports
// already bound are closed.
func listenTransports(cfg config.Config, logger *zap.Logger) ([]transport.Transport, error) {
	var transports []transport.Transport

	if cfg.UDP.Enabled {
		tr, err := udp.Listen(cfg.UDPAddr(), udp.Config{
			MaxDatagramSize: cfg.UDP.MaxDatagramSize,
			SendRetries:     cfg.UDP.SendRetries,
		}, logger.Named("udp"))
		if err != nil {
			return nil, fmt.Errorf("starting udp transport: %w", err)
		}
		transports = append(transports, tr)
	}

	if cfg.WebSocket.Enabled {
		w := cfg.WebSocket
		tr, err := ws.Listen(cfg.WebSocketAddr(), ws.Config{
			Path:             w.Path,
			SendQueue:        w.SendQueue,
			InboundQueue:     w.InboundQueue,
			MaxPending:       w.MaxPending,
			MaxMessageSize:   w.MaxMessageSize,
			FlushAttempts:    w.FlushAttempts,
			WriteTimeout:     w.WriteTimeout,
			HandshakeTimeout: w.HandshakeTimeout,
			AcceptBacklog:    w.AcceptBacklog,
		}, logger.Named("websocket"))
		if err != nil {
			closeTransports(transports, logger)
			return nil, fmt.Errorf("starting websocket transport: %w", err)
		}
		transports = append(transports, tr)
	}

	return transports, nil
}

func closeTransports(transports []transport.Transport, logger *zap.Logger) {
	for _, tr := range transports {
		if err := tr.Close(); err != nil {
			logger.Warn("closing transport", zap.Error(err))
		}
	}
}

// buildApplication loads the Lua application when script.path is set and
// falls back to echo otherwise.
func buildApplication(cfg config.Config, logger *zap.Logger) (gameloop.Application, func(), error) {
	if cfg.Script.Path == "" {
		logger.Info("no script configured, echoing messages")
		return gameloop.Echo{}, func() {}, nil
	}

	scriptStart := time.Now()
	app, err := scripting.LoadApplication(cfg.Script.Path, cfg.Script.InstructionLimit, logger.Named("lua"))
	if err != nil {
		return nil, nil, fmt.Errorf("loading script: %w", err)
	}
	logger.Info("script loaded",
		zap.String("path", cfg.Script.Path),
		zap.Duration("elapsed", time.Since(scriptStart)),
	)
	return app, app.Close, nil
}
