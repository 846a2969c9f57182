package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/stickyrelay/internal/bridge"
	"github.com/agentworkforce/stickyrelay/internal/httpapi"
	"github.com/agentworkforce/stickyrelay/internal/relay"
	"github.com/agentworkforce/stickyrelay/internal/spool"
)

func main() {
	addr := envOrDefault("STICKYRELAY_ADDR", ":8080")
	appOrigin := envOrDefault("STICKYRELAY_APP_ORIGIN", "http://127.0.0.1:3000/index.html")
	matchMode, err := relay.ParseMatchMode(os.Getenv("STICKYRELAY_APP_MATCH"))
	if err != nil {
		log.Fatalf("invalid STICKYRELAY_APP_MATCH: %v", err)
	}

	store, err := relay.BuildSnapshotStoreFromDSN(pendingDSNFromEnv())
	if err != nil {
		log.Fatalf("failed to initialize pending store: %v", err)
	}
	queue, err := relay.NewPendingQueue(store, intEnv("STICKYRELAY_PENDING_CAPACITY", relay.DefaultPendingCapacity))
	if err != nil {
		log.Fatalf("failed to load pending notes: %v", err)
	}
	logger := log.Default()

	var service *relay.Service
	hub := bridge.NewHub(bridge.HubOptions{
		OriginPatterns: originPatterns(appOrigin),
		OnConnect: func(tab relay.TabID) {
			service.AppConnected(tab)
		},
		Logger: logger,
	})
	service, err = relay.NewService(relay.ServiceOptions{
		Locator:         relay.NewTabLocator(appOrigin, matchMode),
		Queue:           queue,
		Transport:       hub,
		DeliveryTimeout: durationEnv("STICKYRELAY_DELIVERY_TIMEOUT", relay.DefaultDeliveryTimeout),
		Logger:          logger,
		OnPendingChange: func(depth int) {
			log.Printf("pending notes: %d", depth)
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize relay: %v", err)
	}
	server := httpapi.NewServerWithConfig(service, hub, httpapi.ServerConfig{
		Token:           strings.TrimSpace(os.Getenv("STICKYRELAY_TOKEN")),
		TabEventSecret:  os.Getenv("STICKYRELAY_TAB_EVENT_SECRET"),
		TabEventMaxSkew: durationEnv("STICKYRELAY_TAB_EVENT_MAX_SKEW", 5*time.Minute),
		RateLimitMax:    intEnv("STICKYRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("STICKYRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("STICKYRELAY_MAX_BODY_BYTES", 0),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	spoolDone := make(chan struct{})
	if dir := strings.TrimSpace(os.Getenv("STICKYRELAY_SPOOL_DIR")); dir != "" {
		capture, err := spool.New(spool.Options{Dir: dir, Submitter: service, Logger: logger})
		if err != nil {
			log.Fatalf("failed to initialize spool: %v", err)
		}
		go func() {
			defer close(spoolDone)
			if err := capture.Run(rootCtx); err != nil {
				log.Printf("spool stopped: %v", err)
			}
		}()
		log.Printf("watching spool directory %s", dir)
	} else {
		close(spoolDone)
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("stickyrelay listening on %s (application %s, %d notes pending)", addr, appOrigin, queue.Depth())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server failed: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	<-spoolDone
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Printf("relay shutdown: %v", err)
	}
	log.Printf("stickyrelay stopped")
}

// pendingDSNFromEnv picks the pending store: an explicit DSN wins, otherwise
// a JSON snapshot under the data directory.
func pendingDSNFromEnv() string {
	if dsn := strings.TrimSpace(os.Getenv("STICKYRELAY_PENDING_DSN")); dsn != "" {
		return dsn
	}
	dataDir := envOrDefault("STICKYRELAY_DATA_DIR", ".stickyrelay")
	return "file://" + filepath.Join(dataDir, "pending.json")
}

// originPatterns returns the browser origin hosts allowed to open the
// application bridge.
func originPatterns(appOrigin string) []string {
	parsed, err := url.Parse(strings.TrimSpace(appOrigin))
	if err != nil || parsed.Host == "" {
		return nil
	}
	return []string{parsed.Host}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
