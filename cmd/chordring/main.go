package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chordring",
		Short: "Run a node of a Chord ring",
		Long: "chordring runs one ring member. Without --bootstrap it creates a new ring; " +
			"with it the node joins the ring the bootstrap peer belongs to.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Close()

			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Error().Err(err).Msg("Node stopped with error")
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	lc := pkg.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		lc.File.Enable = true
		lc.File.Path = cfg.LogFile
	}
	return pkg.New(lc)
}

// run serves the node until ctx is cancelled or a termination signal arrives,
// then leaves the ring and stops every server.
func run(ctx context.Context, cfg *config.Config, logger *pkg.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Int("capacity", cfg.Capacity).
		Msg("Starting ring node")

	m := metrics.New()
	client := transport.NewGRPCClient(logger, cfg.RPCTimeout)

	node, err := chord.NewNode(cfg, logger, chord.WithRemote(client), chord.WithMetrics(m))
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create node: %w", err)
	}

	// The API server registers the node's broadcaster, so it exists before any
	// inbound call can emit an event.
	var apiServer *api.Server
	if cfg.HTTPPort != 0 {
		apiServer, err = api.NewServer(node, cfg.HTTPPort, logger, m)
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
	}

	grpcServer, err := transport.NewGRPCServer(node, cfg.Address(), logger, m)
	if err == nil {
		err = grpcServer.Start()
	}
	if err != nil {
		if apiServer != nil {
			apiServer.Hub().Stop()
		}
		client.Close()
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if apiServer != nil {
		g.Go(apiServer.ListenAndServe)
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(node, grpcServer, client, apiServer, cfg, logger)
	})

	err = enterRing(gctx, node, cfg, logger)
	if err == nil {
		err = node.Start()
	}
	if err != nil {
		stop()
	} else {
		logger.Info().Str("node_id", node.ID().Text(16)).Msg("Node is ready")
	}

	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// enterRing creates a ring or joins the configured bootstrap. When the join
// fails, either because the bootstrap stays unreachable for the whole retry
// budget or because it runs a ring of another capacity, the node starts its own
// ring. An id collision and a malformed bootstrap address are returned.
func enterRing(ctx context.Context, node *chord.Node, cfg *config.Config, logger *pkg.Logger) error {
	if cfg.Bootstrap == "" {
		node.Create()
		return nil
	}

	err := joinWithRetry(ctx, node, cfg.Bootstrap, cfg.JoinRetryTimeout, logger)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil,
		errors.Is(err, chord.ErrIdentifierCollision),
		errors.Is(err, errBadBootstrap):
		return fmt.Errorf("failed to join ring via %s: %w", cfg.Bootstrap, err)
	default:
		logger.Warn().
			Err(err).
			Str("bootstrap", cfg.Bootstrap).
			Msg("Could not join, creating a new ring")
		node.Create()
		return nil
	}
}

func shutdown(node *chord.Node, grpcServer *transport.GRPCServer, client *transport.GRPCClient, apiServer *api.Server, cfg *config.Config, logger *pkg.Logger) error {
	logger.Info().Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LeaveTimeout+5*time.Second)
	defer cancel()

	var errs []error
	if err := node.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Leave did not reach every neighbour")
	}

	grpcServer.Stop()

	if apiServer != nil {
		if err := apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := client.Close(); err != nil {
		errs = append(errs, err)
	}

	logger.Info().Msg("Shutdown complete")
	return errors.Join(errs...)
}
