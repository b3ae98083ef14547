package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"

	"main/internal/chat"
	"main/internal/inventory"
	"main/internal/location"
	"main/internal/presence"
	"main/internal/realtime"
	"main/internal/transport"
	"main/pkg/conn"
)

func main() {
	wsURL := flag.String("url", "wss://localhost:8443/realtime", "Realtime gateway WebSocket URL")
	token := flag.String("token", "", "Bearer token for the gateway handshake")
	userID := flag.String("user", "demo-user", "Local user identifier")
	redisAddr := flag.String("redis", "", "Use a Redis pub/sub bus instead of WebSocket (host:port)")
	pgDSN := flag.String("pg-dsn", "", "PostgreSQL DSN for the chat archive (optional)")
	conversation := flag.String("conversation", "", "Conversation to join (optional)")
	delivery := flag.String("delivery", "", "Delivery to follow for live location (optional)")
	product := flag.String("product", "", "Product to watch for low stock (optional)")
	lowStock := flag.Float64("low-stock", 10, "Low stock alert threshold")
	profileAddr := flag.String("profile", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "realtime-client",
			ServerAddress:   *profileAddr,
			Tags:            map[string]string{"user": *userID},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start: %+v", err)
			os.Exit(1)
		}
		defer func() { _ = profiler.Stop() }()
	}

	dialer, err := buildDialer(*wsURL, *token, *redisAddr)
	if err != nil {
		logs.Errorf("build dialer: %+v", err)
		os.Exit(1)
	}

	mgr, err := realtime.New(dialer)
	if err != nil {
		logs.Errorf("build manager: %+v", err)
		os.Exit(1)
	}

	mgr.OnStateChange(func(prev, next realtime.ConnectionState) {
		logs.Infof("connection %s -> %s", prev, next)
	})
	mgr.OnQualityChange(func(q realtime.ConnectionQuality) {
		logs.Infof("connection quality: %s", q)
	})
	mgr.OnError(func(err error) {
		logs.Warnf("connection: %+v", err)
	})

	mgr.Connect()
	defer mgr.Disconnect()

	tracker := presence.NewTracker(mgr, *userID, presence.Option{DeviceInfo: "cli"})
	if err := tracker.Start(); err != nil {
		logs.Errorf("start presence: %+v", err)
		os.Exit(1)
	}
	defer tracker.Stop()

	if *conversation != "" {
		if err := joinConversation(ctx, mgr, *userID, *conversation, *pgDSN); err != nil {
			logs.Errorf("join conversation %s: %+v", *conversation, err)
			os.Exit(1)
		}
	}

	if *delivery != "" {
		loc := location.NewTracker(mgr)
		watch, err := loc.Track(*delivery, func(u location.Update) {
			if u.Marker != "" {
				logs.Infof("[%s] %s at %.5f,%.5f", *delivery, u.Marker, u.Lat, u.Lng)
				return
			}
			logs.Infof("[%s] at %.5f,%.5f (%.0f km/h)", *delivery, u.Lat, u.Lng, u.SpeedKmh)
		})
		if err != nil {
			logs.Errorf("track delivery %s: %+v", *delivery, err)
			os.Exit(1)
		}
		defer watch.Stop()
	}

	if *product != "" {
		inv := inventory.NewWatcher(mgr)
		watch, err := inv.Watch(*product, *lowStock, func(a inventory.Alert) {
			logs.Warnf("low stock on %s: %s left (threshold %.1f)",
				a.ProductID, a.Available.String(), a.Threshold)
		})
		if err != nil {
			logs.Errorf("watch product %s: %+v", *product, err)
			os.Exit(1)
		}
		defer watch.Stop()
	}

	logs.Infof("client up as %s, ctrl-c to stop", *userID)
	<-ctx.Done()
	logs.Info("shutting down")
}

func buildDialer(wsURL, token, redisAddr string) (realtime.Dialer, error) {
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return transport.NewRedisBus(client, "realtime:"), nil
	}
	return &transport.WSDialer{
		URL:    wsURL,
		Tokens: transport.StaticToken(token),
	}, nil
}

func joinConversation(ctx context.Context, mgr *realtime.Manager, userID, conversationID, pgDSN string) error {
	var archive chat.Archive
	if pgDSN != "" {
		client, err := conn.New(conn.Option{ConnString: pgDSN})
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			return err
		}
		archive, err = chat.NewPostgresArchive(client)
		if err != nil {
			return err
		}
	}

	svc := chat.NewService(mgr, userID, archive)
	conv, err := svc.Join(conversationID, func(m chat.Message) {
		logs.Infof("[%s] %s: %s", m.ConversationID, m.SenderID, m.Body)
	})
	if err != nil {
		return err
	}
	conv.OnStatusChange(func(m chat.Message) {
		logs.Infof("[%s] message %s is %s", m.ConversationID, shortID(m.ID), m.Status)
	})

	if archive != nil {
		history, err := conv.History(ctx, 20)
		if err != nil {
			return err
		}
		for _, m := range history {
			logs.Infof("[%s] (history) %s: %s", m.ConversationID, m.SenderID, m.Body)
		}
	}
	return nil
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
