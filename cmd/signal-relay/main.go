package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/parleyrtc/signal-relay/internal/config"
	"github.com/parleyrtc/signal-relay/internal/events"
	"github.com/parleyrtc/signal-relay/internal/httpserver"
	"github.com/parleyrtc/signal-relay/internal/metrics"
	"github.com/parleyrtc/signal-relay/internal/room"
	"github.com/parleyrtc/signal-relay/internal/session"
	"github.com/parleyrtc/signal-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signal-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_sessions", cfg.MaxSessions,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"empty_room_ttl", cfg.EmptyRoomTTL,
		"events_feed_enabled", cfg.EventsAMQPURL != "",
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	var feed events.Publisher = events.Noop{}
	if cfg.EventsAMQPURL != "" {
		amqpFeed, err := events.NewAMQPPublisher(cfg.EventsAMQPURL, cfg.EventsAMQPQueue)
		if err != nil {
			logger.Error("failed to connect room-event feed", "err", err)
			os.Exit(2)
		}
		defer amqpFeed.Close()
		feed = amqpFeed
		logger.Info("room-event feed connected", "queue", cfg.EventsAMQPQueue)
	}

	var roomOpts []room.Option
	if cfg.EmptyRoomTTL > 0 {
		roomOpts = append(roomOpts, room.WithEmptyRoomTTL(cfg.EmptyRoomTTL))
	}
	rooms := room.NewDirectory(roomOpts...)
	registry := session.NewRegistry(cfg.MaxSessions, m)
	router := signaling.NewRouter(rooms, registry, feed, m, logger)
	ws := signaling.NewWebSocketServer(cfg, registry, router, m, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Handlers{
		Signaling: ws,
		Metrics:   m.Handler(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EmptyRoomTTL > 0 {
		go sweepEmptyRooms(ctx, rooms, m, cfg.RoomSweepInterval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// sweepEmptyRooms periodically evicts rooms that have sat empty past the
// configured TTL.
func sweepEmptyRooms(ctx context.Context, rooms *room.Directory, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := rooms.Sweep(); evicted > 0 {
				m.RoomsEvicted.Add(float64(evicted))
				logger.Debug("evicted empty rooms", "count", evicted)
			}
		}
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
