package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hmdev/channelmesh/internal/channel"
	"github.com/hmdev/channelmesh/internal/config"
	"github.com/hmdev/channelmesh/internal/delivery"
	"github.com/hmdev/channelmesh/internal/durable"
	"github.com/hmdev/channelmesh/internal/ephemeral"
	"github.com/hmdev/channelmesh/internal/events"
	"github.com/hmdev/channelmesh/internal/housekeeping"
	"github.com/hmdev/channelmesh/internal/logging"
	"github.com/hmdev/channelmesh/internal/notify"
	"github.com/hmdev/channelmesh/internal/session"
	"github.com/hmdev/channelmesh/internal/store"
	"github.com/hmdev/channelmesh/internal/stream"
	"github.com/hmdev/channelmesh/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("ChannelMesh " + version)
	fmt.Println("=============================================")
	fmt.Printf("MESH_HTTP_PORT=%s\n", cfg.HTTPPort)
	fmt.Printf("MESH_STREAM_PORT=%s\n", cfg.StreamPort)
	fmt.Printf("MESH_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("MESH_LONG_POLL_MS=%d\n", cfg.LongPoll.Milliseconds())
	fmt.Printf("MESH_EPHEMERAL_TTL_MS=%d\n", cfg.EphemeralTTL.Milliseconds())
	fmt.Printf("MESH_SESSION_IDLE_TTL_MS=%d\n", cfg.SessionIdleTTL.Milliseconds())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.New()

	channels := channel.NewRegistry(db, bus, log.Logger, cfg.ChannelDefaultAge.Milliseconds())
	if err := channels.Load(); err != nil {
		log.Error("failed to load channel registry", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(bus, log.Logger)
	dlog := durable.NewBoltLog(db, bus, log.Logger)
	cache := ephemeral.New(cfg.EphemeralTTL, 0, bus)

	broker := delivery.New(delivery.Dependencies{
		Config:   cfg,
		Channels: channels,
		Sessions: sessions,
		Log:      dlog,
		Cache:    cache,
		Store:    db,
		Logger:   log.Logger,
	})

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "", "", "", 0))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, parseHeaders(cfg.NotifyWebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	}
	go notify.NewWatcher(bus, notify.NewMulti(log, notifiers...)).Run(ctx)

	keeper := housekeeping.New(housekeeping.Dependencies{
		Config:   cfg,
		Channels: channels,
		Sessions: sessions,
		Cache:    cache,
		Log:      dlog,
		Broker:   broker,
		Logger:   log.Logger,
	})
	if err := keeper.Start(); err != nil {
		log.Error("failed to start housekeeping", "error", err)
		os.Exit(1)
	}

	httpSrv := web.NewServer(web.Dependencies{
		Broker:   broker,
		LongPoll: cfg.LongPoll,
		Log:      log.Logger,
	})
	go func() {
		addr := net.JoinHostPort("", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	streamSrv := stream.NewServer(stream.Dependencies{
		Broker: broker,
		Log:    log.Logger,
	})
	go func() {
		addr := net.JoinHostPort("", cfg.StreamPort)
		if err := streamSrv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("stream server error", "error", err)
			cancel()
		}
	}()

	log.Info("channelmesh started", "version", version)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	if err := streamSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("stream shutdown error", "error", err)
	}
	select {
	case <-keeper.Stop().Done():
	case <-shutdownCtx.Done():
	}

	log.Info("channelmesh shutdown complete")
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
