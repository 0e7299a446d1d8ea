// Command medianode starts one SFU node: it loads NodeConfig, joins the
// cluster overlay, brings up the connector/recorder persistence sinks and
// the gateway placement store, starts the node's worker pool, and serves
// the operator console and health endpoints. Request-level signaling
// (WHIP/WHEP/RPC) is the external surface spec §6 places out of this
// process's scope; this binary only owns the long-running node lifecycle.
// Adapted from the teacher's cmd/server/main.go wiring order.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/sfunode/internal/cluster"
	"github.com/observer/sfunode/internal/cluster/memoryoverlay"
	"github.com/observer/sfunode/internal/cluster/redisoverlay"
	"github.com/observer/sfunode/internal/config"
	"github.com/observer/sfunode/internal/connector"
	"github.com/observer/sfunode/internal/console"
	"github.com/observer/sfunode/internal/gateway"
	"github.com/observer/sfunode/internal/media"
	"github.com/observer/sfunode/internal/media/wire"
	"github.com/observer/sfunode/internal/recorder"
	"github.com/observer/sfunode/internal/runtime"
	"github.com/observer/sfunode/internal/server"
	"github.com/observer/sfunode/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// nodePresenceMapID is a cluster-wide, well-known KV map (outside any
// room's RoomHash/RoomHash+1 pair, per media.H's collision-avoiding segment
// separator) that every node announces itself into, keyed by its own
// NodeID, so a gateway sharing the same overlay can discover live nodes
// without a separate service registry.
var nodePresenceMapID = media.H("__node_presence__")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("node_id", cfg.Node.NodeID, "zone_id", cfg.Node.ZoneID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	overlay, closeOverlay, err := newOverlay(cfg, logger)
	if err != nil {
		slog.Error("failed to join cluster overlay", "error", err)
		os.Exit(1)
	}
	defer closeOverlay()
	logger.Info("joined cluster overlay", "type", cfg.OverlayType)

	db, err := connector.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to connector database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := connector.EnsureSchema(ctx, db, "internal/connector/migrations"); err != nil {
		slog.Error("failed to ensure connector schema", "error", err)
		os.Exit(1)
	}
	// sessionRepo is acquired here (fail-fast: a bad DATABASE_URL must abort
	// startup, not the first session) and handed to the request-level
	// session-creation surface, which spec §6 places outside this binary.
	sessionRepo := connector.NewSessionRepository(db)
	logger.Info("connector ready")

	var recordSink recorder.Sink
	if cfg.RecordingEnabled {
		s3sink, err := recorder.NewS3Sink(cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3Bucket)
		if err != nil {
			slog.Error("failed to initialize recorder sink", "error", err)
			os.Exit(1)
		}
		recordSink = s3sink
		logger.Info("recorder sink initialized", "bucket", cfg.S3Bucket)
	} else {
		logger.Info("recording disabled")
	}
	// recordSink, like sessionRepo, is constructed here for the same
	// fail-fast reason and is otherwise owned by the (out-of-scope)
	// session-creation surface, which opens a recorder.Session per recorded
	// endpoint and calls Append/Close against it.
	_ = sessionRepo
	_ = recordSink

	gatewayStore := gateway.NewStore()

	workers := make([]*runtime.Worker, cfg.Node.WorkerCount)
	for i := range workers {
		workers[i] = runtime.NewWorker()
	}
	dispatcher := runtime.NewDispatcher(workers)
	udpRouter := runtime.NewUDPRouter()

	var udpConn net.PacketConn
	if len(cfg.Node.BindAddrs) > 0 {
		udpConn, err = net.ListenPacket("udp", cfg.Node.BindAddrs[0])
		if err != nil {
			slog.Error("failed to bind UDP listener", "addr", cfg.Node.BindAddrs[0], "error", err)
			os.Exit(1)
		}
		defer udpConn.Close()
		logger.Info("UDP listener bound", "addr", udpConn.LocalAddr().String())
	}

	consoleHub := console.NewHub(logger.With("component", "console"))
	consoleHandler := console.NewHandler(consoleHub, logger)
	consoleLimiter := server.NewRateLimiter(600)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The gateway ping sweep, the worker tick loop, the telemetry
	// broadcaster and, when a UDP listener is bound, the UDP ingest loop are
	// independent background loops sharing one lifecycle; errgroup ties
	// their goroutines to shutdownCtx so a single cancel (signal or a loop
	// erroring out) unwinds them all together.
	group, groupCtx := errgroup.WithContext(shutdownCtx)
	group.Go(func() error {
		return tickLoop(groupCtx, 200*time.Millisecond, func(now time.Time) {
			gatewayStore.Sweep(now)
		})
	})
	group.Go(func() error {
		return tickLoop(groupCtx, 20*time.Millisecond, func(now time.Time) {
			nowMs := now.UnixMilli()
			for _, w := range workers {
				w.OnTick(nowMs)
				for {
					if _, ok := w.PopOutput(); !ok {
						break
					}
				}
			}
		})
	})
	group.Go(func() error {
		return tickLoop(groupCtx, time.Second, func(now time.Time) {
			leastLoaded := dispatcher.LeastLoadedWorker()
			telemetry.Global.Set("dispatcher_least_loaded_worker", int64(leastLoaded))

			payload := wire.NewEncoder().
				PutUint32(cfg.Node.ZoneID).
				PutUint64(uint64(workers[leastLoaded].Load() * 100)).
				PutUint64(uint64(now.UnixMilli())).
				Bytes()
			announceCtx, announceCancel := context.WithTimeout(groupCtx, 2*time.Second)
			if err := overlay.Set(announceCtx, nodePresenceMapID, uint64(cfg.Node.NodeID), payload); err != nil {
				logger.Warn("failed to announce node presence", "error", err)
			}
			announceCancel()

			consoleHub.Broadcast(console.Snapshot{
				NodeID:   cfg.Node.NodeID,
				TsMs:     now.UnixMilli(),
				Counters: telemetry.Global.Snapshot(),
			})
		})
	})
	if udpConn != nil {
		group.Go(func() error {
			return udpIngestLoop(groupCtx, udpConn, udpRouter, dispatcher)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			_ = udpConn.Close()
			return nil
		})
	}

	deps := &server.Dependencies{
		DB:             db,
		ConsoleHandler: consoleHandler,
		ConsoleLimiter: consoleLimiter,
		Logger:         logger,
	}
	srv := server.New(cfg, deps)

	go func() {
		logger.Info("starting server", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	if err := group.Wait(); err != nil {
		logger.Error("background loop exited with error", "error", err)
	}
	logger.Info("server stopped")
}

// newOverlay picks the cluster.Overlay backend named by cfg.OverlayType.
func newOverlay(cfg *config.Config, logger *slog.Logger) (cluster.Overlay, func(), error) {
	switch cfg.OverlayType {
	case "redis":
		backend, err := redisoverlay.New(cfg.RedisURL, logger.With("component", "cluster"))
		if err != nil {
			return nil, nil, err
		}
		session := backend.NewSession()
		return session, func() { _ = session.Close(); _ = backend.Close() }, nil
	default:
		backend := memoryoverlay.New()
		session := backend.NewSession()
		return session, func() { _ = session.Close() }, nil
	}
}

// udpIngestLoop demultiplexes inbound datagrams through router and records
// which worker would own each routed packet, per spec §4.1 and §4.9. No
// endpoint registers a ufrag in this binary (that is the out-of-scope
// session-creation surface's job), so every packet is expected to land in
// udp_packets_unmatched until that surface starts calling router.AddUfrag;
// this loop exists so the demux and worker-routing wiring is live and
// observable from startup rather than only unit-tested in isolation.
func udpIngestLoop(ctx context.Context, conn net.PacketConn, router *runtime.UDPRouter, dispatcher *runtime.Dispatcher) error {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		telemetry.Global.Add("udp_packets_received", 1)
		owner, ok := router.Route(addr, buf[:n])
		if !ok {
			telemetry.Global.Add("udp_packets_unmatched", 1)
			continue
		}
		telemetry.Global.Add("udp_packets_routed", 1)
		telemetry.Global.Set("last_routed_worker", int64(dispatcher.RouteConnID(owner)))
	}
}

// tickLoop runs fn every interval until ctx is cancelled.
func tickLoop(ctx context.Context, interval time.Duration, fn func(now time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			fn(t)
		}
	}
}
