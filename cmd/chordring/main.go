package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chordring: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defaults := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to a YAML config file")
	host := flag.String("host", defaults.Host, "IPv4 address to bind to")
	port := flag.Int("port", defaults.Port, "Port for the ring transport")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for the HTTP API (0 disables it)")
	bootstrap := flag.String("bootstrap", "", "Seed node address (host:port) to join an existing ring")
	token := flag.String("token", "", "Shared token required on node-to-node calls")
	successors := flag.Int("successors", defaults.SuccessorListSize, "Successor list size (replication factor)")
	snapshot := flag.String("snapshot", "", "File to restore the store from and save it to on shutdown")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	flag.Parse()

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// explicit flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "bootstrap":
			cfg.Bootstrap = *bootstrap
		case "token":
			cfg.AuthToken = *token
		case "successors":
			cfg.SuccessorListSize = *successors
		case "snapshot":
			cfg.SnapshotPath = *snapshot
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	pkg.SetGlobal(logger)

	logger.Info().
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Int("successors", cfg.SuccessorListSize).
		Msg("Starting chordring node")

	grpcTransport := transport.NewGRPCTransport(logger, cfg.RPCTimeout, cfg.AuthToken)

	node, err := chord.NewChordNode(cfg, logger, grpcTransport)
	if err != nil {
		grpcTransport.Close()
		return fmt.Errorf("failed to create node: %w", err)
	}

	grpcServer, err := transport.NewGRPCServer(node, cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		cleanup(logger, nil, nil, node, grpcTransport)
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if err := grpcServer.Start(); err != nil {
		cleanup(logger, nil, nil, node, grpcTransport)
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(&api.Config{
			Host:           cfg.Host,
			Port:           cfg.HTTPPort,
			RequestTimeout: 4 * cfg.RPCTimeout,
		}, node, logger)
		if err != nil {
			cleanup(logger, nil, grpcServer, node, grpcTransport)
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		node.SetBroadcaster(httpServer.Hub())

		if err := httpServer.Start(); err != nil {
			cleanup(logger, nil, grpcServer, node, grpcTransport)
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
	}

	if cfg.Bootstrap == "" {
		err = node.Create()
	} else {
		err = joinRing(node, cfg)
	}
	if err != nil {
		cleanup(logger, httpServer, grpcServer, node, grpcTransport)
		return err
	}

	if err := node.Start(); err != nil {
		cleanup(logger, httpServer, grpcServer, node, grpcTransport)
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	logger.Info().
		Str("node_id", node.ID().String()).
		Msg("chordring node is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(logger, httpServer, grpcServer, node, grpcTransport)

	logger.Info().Msg("chordring node shutdown complete")
	return nil
}

func joinRing(node *chord.ChordNode, cfg *config.Config) error {
	seed, err := wire.ParseAddress(cfg.Bootstrap)
	if err != nil {
		return fmt.Errorf("invalid bootstrap address: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.RPCTimeout)
	defer cancel()

	if err := node.Join(ctx, seed); err != nil {
		return fmt.Errorf("failed to join ring via %s: %w", seed, err)
	}
	return nil
}

// cleanup stops the components in reverse start order. Any of them may be nil.
func cleanup(logger *pkg.Logger, httpServer *api.Server, grpcServer *transport.GRPCServer, node *chord.ChordNode, tr *transport.GRPCTransport) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
		cancel()
	}

	if grpcServer != nil {
		if err := grpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	if node != nil {
		if err := node.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Error shutting down node")
		}
	}

	if tr != nil {
		if err := tr.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing transport")
		}
	}
}
