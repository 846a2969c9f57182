package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/stickyrelay/internal/bridge"
	"github.com/agentworkforce/stickyrelay/internal/inbox"
	"github.com/agentworkforce/stickyrelay/internal/relay"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("STICKYRELAY_BASE_URL", "http://127.0.0.1:8080"), "relay base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("STICKYRELAY_TOKEN")), "bearer token")
	tabEventSecret := flag.String("tab-event-secret", os.Getenv("STICKYRELAY_TAB_EVENT_SECRET"), "HMAC secret for tab events")
	tab := flag.Int("tab", intEnv("STICKYRELAY_INBOX_TAB", 1), "tab id this application instance answers for")
	appURL := flag.String("app-url", envOrDefault("STICKYRELAY_APP_ORIGIN", "http://127.0.0.1:3000/index.html"), "application URL reported when announcing the tab")
	dir := flag.String("dir", envOrDefault("STICKYRELAY_INBOX_DIR", ".stickyrelay/inbox"), "directory notes are written to")
	announce := flag.Bool("announce", true, "report tab open and close events to the relay")
	retry := flag.Duration("retry", durationEnv("STICKYRELAY_INBOX_RETRY", 2*time.Second), "reconnect interval")
	retryJitter := flag.Float64("retry-jitter", floatEnv("STICKYRELAY_INBOX_RETRY_JITTER", 0.2), "reconnect interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("STICKYRELAY_INBOX_TIMEOUT", 15*time.Second), "per-request timeout")
	flag.Parse()

	if *tab < 0 {
		log.Fatalf("tab must be non-negative")
	}
	if *retry <= 0 {
		*retry = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*retryJitter = clampJitterRatio(*retryJitter)

	box, err := inbox.New(*dir, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize inbox: %v", err)
	}
	client := inbox.NewHTTPClient(*baseURL, *token, *tabEventSecret, &http.Client{Timeout: *timeout})
	tabID := relay.TabID(*tab)

	rootCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	session := func() {
		dialCtx, cancel := context.WithTimeout(rootCtx, *timeout)
		conn, err := bridge.Dial(dialCtx, bridge.ClientOptions{
			BaseURL: client.BaseURL(),
			TabID:   tabID,
			Token:   *token,
			Handler: box.Store,
			Logger:  log.Default(),
		})
		cancel()
		if err != nil {
			log.Printf("connect to relay failed: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("connected to relay as tab %d, writing notes to %s", tabID, box.Dir())
		if *announce {
			announceCtx, cancel := context.WithTimeout(rootCtx, *timeout)
			result, err := client.TabUpdated(announceCtx, tabID, *appURL)
			cancel()
			if err != nil {
				log.Printf("announce tab %d failed: %v", tabID, err)
			} else if !result.AppOpen {
				log.Printf("relay does not treat %s as the application", *appURL)
			}
		}
		if err := conn.Run(rootCtx); err != nil {
			log.Printf("relay connection ended: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		session()
		if rootCtx.Err() != nil {
			break
		}
		timer := time.NewTimer(jitteredIntervalWithSample(*retry, *retryJitter, rng.Float64()))
		select {
		case <-rootCtx.Done():
		case <-timer.C:
		}
		timer.Stop()
		if rootCtx.Err() != nil {
			break
		}
	}

	if *announce {
		closeCtx, cancel := context.WithTimeout(context.Background(), *timeout)
		if _, err := client.TabRemoved(closeCtx, tabID); err != nil {
			log.Printf("report tab %d closed failed: %v", tabID, err)
		}
		cancel()
	}
	log.Printf("inbox stopping: %v", rootCtx.Err())
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
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

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
