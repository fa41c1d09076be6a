// Package host assembles the venue server: the HTTP listener with its
// WebSocket upgrade path, the liveness ticker, mDNS advertisement, and the
// graceful shutdown sequence.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pandemicaudio/venuehost/internals/config"
	"github.com/pandemicaudio/venuehost/internals/discovery"
	"github.com/pandemicaudio/venuehost/internals/dispatch"
	"github.com/pandemicaudio/venuehost/internals/endpoint"
	"github.com/pandemicaudio/venuehost/internals/ident"
	"github.com/pandemicaudio/venuehost/internals/library"
	"github.com/pandemicaudio/venuehost/internals/registry"
	"github.com/pandemicaudio/venuehost/internals/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// LAN-only deployment; clients connect by discovered address, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Host struct {
	cfg        *config.Config
	lib        library.HostLibrary
	reg        *registry.Registry
	engine     *transfer.Engine
	dispatcher *dispatch.Dispatcher
	advertiser discovery.Advertiser

	httpServer *http.Server
	startedAt  time.Time
	logger     *zap.Logger
}

func New(cfg *config.Config, lib library.HostLibrary, advertiser discovery.Advertiser, logger *zap.Logger) *Host {
	reg := registry.New(lib, cfg.Relay.MaxFileBytes(), logger)
	engine := transfer.NewEngine(transfer.Options{
		ChunkSize:       cfg.Relay.ChunkSize,
		InterChunkYield: cfg.Relay.InterChunkYield,
		TerminalGrace:   cfg.Relay.TerminalGrace,
	}, logger)
	dispatcher := dispatch.New(reg, engine, lib, dispatch.Options{
		HostID:          ident.NewHostID(),
		HostName:        cfg.Discovery.ServiceName,
		MaxFileMB:       cfg.Relay.MaxFileMB,
		RateLimitPerSec: cfg.Relay.RateLimitPerSec,
		RateLimitBurst:  cfg.Relay.RateLimitBurst,
	}, logger)

	return &Host{
		cfg:        cfg,
		lib:        lib,
		reg:        reg,
		engine:     engine,
		dispatcher: dispatcher,
		advertiser: advertiser,
		logger:     logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (h *Host) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Server.Host, h.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	h.httpServer = &http.Server{Handler: mux}
	h.startedAt = time.Now()

	if err := h.advertiser.Start(); err != nil {
		listener.Close()
		return fmt.Errorf("host: start advertiser: %w", err)
	}

	h.logger.Info("Venue host listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("room", h.cfg.Room.Name),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := h.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		h.livenessLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		h.shutdown()
		return nil
	})

	return g.Wait()
}

func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	ep := endpoint.New(conn, endpoint.Options{
		ReadLimit:    h.cfg.Relay.MaxFrameBytes(),
		WriteTimeout: h.cfg.Server.WriteTimeout,
		PongTimeout:  h.cfg.Server.PongTimeout,
		PingInterval: h.cfg.Server.PingInterval,
	}, h.logger)
	h.dispatcher.HandleConnection(ep)

	go ep.WritePump()
	go ep.ReadPump()
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"room":            h.cfg.Room.Name,
		"peers":           h.reg.PeerCount(),
		"sharedFiles":     h.reg.SharedFileCount(),
		"activeTransfers": h.engine.Count(),
		"uptimeSec":       int(time.Since(h.startedAt).Seconds()),
	})
}

// livenessLoop evicts peers whose heartbeats lapsed, reaps stale transfers,
// and rescans the host library so files dropped into the directory show up
// without a restart. Eviction closes the endpoint so cleanup reuses the
// normal disconnect path.
func (h *Host) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Room.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.dispatcher.EvictStale(h.cfg.Room.HeartbeatTimeout.Milliseconds()); n > 0 {
				h.logger.Info("Evicted stale peers", zap.Int("count", n))
			}
			h.engine.SweepStale(h.cfg.Relay.TransferTTL)

			if refresher, ok := h.lib.(interface{ Refresh() error }); ok {
				if err := refresher.Refresh(); err != nil {
					h.logger.Warn("Host library rescan failed", zap.Error(err))
				}
			}
		}
	}
}

func (h *Host) shutdown() {
	h.logger.Info("Shutting down venue host")
	h.advertiser.Stop()

	sctx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout)
	defer cancel()
	h.httpServer.Shutdown(sctx)

	h.engine.StopAll()
	for _, ep := range h.reg.AllEndpoints() {
		ep.Close()
	}
}
