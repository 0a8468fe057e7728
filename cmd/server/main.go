package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/tick-sync-engine/internal/config"
	"github.com/example/tick-sync-engine/internal/demo"
	"github.com/example/tick-sync-engine/internal/entity"
	"github.com/example/tick-sync-engine/internal/journal"
	"github.com/example/tick-sync-engine/internal/observability"
	"github.com/example/tick-sync-engine/internal/presence"
	"github.com/example/tick-sync-engine/internal/session"
	"github.com/example/tick-sync-engine/internal/snapshot"
	"github.com/example/tick-sync-engine/internal/transport"
	"github.com/example/tick-sync-engine/internal/types"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
	}

	j := journal.New(resources.Postgres)
	if err := j.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare journal schema")
	}
	roster := presence.NewService(resources.Redis, logger)
	roster.Watch(ctx, types.SessionID(cfg.SessionID), func(ev presence.Event) {
		logger.Debug().
			Str("kind", string(ev.Kind)).
			Int32("peer", int32(ev.Record.Peer)).
			Int64("rtt_ms", ev.Record.RTTMillis).
			Msg("roster event")
	})

	table, err := demo.Table()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sendtable")
	}
	world, err := demo.NewWorld(demo.Config{
		DefaultCapacity:  cfg.HistoryDefaultCapacity,
		StalenessDelay:   types.Tick(cfg.StalenessDelay),
		MaxExtrapolation: types.Tick(cfg.MaxExtrapolation),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build world")
	}

	gateway := transport.NewGateway(logger, transport.GatewayConfig{})
	sessionID := types.SessionID(cfg.SessionID)

	srv, err := session.NewServer(session.ServerConfig{
		Session:             sessionID,
		TickRate:            cfg.TickRate,
		SendRate:            cfg.ServerSendRate,
		PredictionMaxFrames: cfg.PredictionMaxFrames,
		Fault: transport.FaultConfig{
			LatencyMin:  cfg.SimulatedLatencyMin,
			LatencyMax:  cfg.SimulatedLatencyMax,
			LossPercent: cfg.SimulatedLossPercent,
			Seed:        cfg.SimulatedFaultSeed,
		},
	}, gateway, table, j, roster, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build session server")
	}

	for _, e := range world.Entities() {
		if err := srv.RegisterEntity(e); err != nil {
			logger.Fatal().Err(err).Msg("failed to register entity")
		}
	}

	srv.OnStep(func(tick types.Tick) {
		world.Step(demo.StepContext{
			Tick:     tick,
			Consumed: srv.ConsumedInput,
			Stale:    srv.InputStale,
			Depth:    srv.TimeDepthFor,
		})
	})
	srv.OnPeerEvent(func(ev transport.PeerEvent) {
		if !ev.Joined {
			return
		}
		if _, ok := world.AssignSlot(ev.Peer); !ok {
			logger.Warn().Int32("peer", int32(ev.Peer)).Msg("no free tank slot; peer joins as observer")
		}
	})

	if err := recoverState(ctx, srv, world, j, resources.Object, cfg.ObjectBucket, sessionID, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to recover session state")
	}

	snapshotWorker := snapshot.NewWorker(srv, j, resources.Object, cfg.ObjectBucket, cfg.SnapshotInterval, logger)
	snapshotWorker.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Str("session", cfg.SessionID).Msg("server dependencies initialized")

	_ = srv.Run(ctx)
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	gateway.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// noAck is the replay-time input resolver: recovery has no live peer
// acknowledgements, so every frame takes the plain overwrite path.
type noAck struct{}

func (noAck) TickForInput(types.InputID) (types.Tick, bool) { return 0, false }

var _ entity.InputTickResolver = noAck{}

// recoverState rebuilds the world from the newest snapshot plus the journal
// tail past it, then checkpoints the replayed position so the next restart
// starts from there.
func recoverState(ctx context.Context, srv *session.Server, world *demo.World, j *journal.Journal, object *minio.Client, bucket string, sessionID types.SessionID, logger zerolog.Logger) error {
	payload, ok, err := snapshot.Latest(ctx, object, bucket, sessionID)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	var fromSeq int64
	if ok {
		if err := srv.RestoreSnapshot(payload); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		fromSeq = payload.JournalSeq
	}

	checkpointSeq, _, err := j.LastCheckpoint(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if checkpointSeq > fromSeq {
		fromSeq = checkpointSeq
	}

	byID := make(map[types.EntityID]*entity.SyncedEntity)
	for _, e := range world.Entities() {
		byID[e.ID()] = e
	}

	var replayed int
	var lastSeq int64
	var lastTick types.Tick
	err = j.Replay(ctx, sessionID, fromSeq, func(rec journal.Record) error {
		lastSeq = rec.Seq
		if rec.Tick > lastTick {
			lastTick = rec.Tick
		}
		if rec.Kind != journal.KindStateFrame {
			return nil
		}
		e, ok := byID[rec.Entity]
		if !ok {
			logger.Warn().Str("entity", string(rec.Entity)).Msg("journal names unknown entity; skipping")
			return nil
		}
		if err := e.ApplyFrame(rec.Payload, noAck{}); err != nil {
			return fmt.Errorf("replay frame for %s at seq %d: %w", rec.Entity, rec.Seq, err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	if lastSeq > fromSeq {
		srv.AdvanceRecovery(lastTick, lastSeq)
		if err := j.RecordCheckpoint(ctx, sessionID, lastSeq, lastTick); err != nil {
			logger.Error().Err(err).Msg("checkpoint after replay failed")
		}
	}
	if ok || replayed > 0 {
		logger.Info().Int("frames", replayed).Int64("from_seq", fromSeq).Msg("session state recovered")
	}
	return nil
}
