package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/humtech/tsoam-notify/internal/feedagent"
	"github.com/humtech/tsoam-notify/internal/notify"
)

func main() {
	serverURL := os.Getenv("NOTIFY_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://127.0.0.1:8080"
	}
	token := os.Getenv("NOTIFY_AGENT_TOKEN")
	userID := os.Getenv("NOTIFY_AGENT_USER")
	if userID == "" {
		log.Fatal("NOTIFY_AGENT_USER is required")
	}

	client := feedagent.NewClient(serverURL, token, nil)
	agent, err := feedagent.New(feedagent.Options{
		Client:       client,
		UserID:       userID,
		PollInterval: durationEnv("NOTIFY_AGENT_POLL_INTERVAL", 10*time.Second),
		OnUpdate: func(feed []notify.Notification) {
			unread := 0
			for _, item := range feed {
				if item.ReadState != notify.ReadStateRead {
					unread++
				}
			}
			log.Printf("feed updated: %d items, %d unread", len(feed), unread)
			for i, item := range feed {
				if i >= intEnv("NOTIFY_AGENT_SHOW", 5) {
					break
				}
				log.Printf("  [%s] %s: %s", item.ReadState, item.Kind, item.Title)
			}
		},
	})
	if err != nil {
		log.Fatalf("failed to build agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("notify-agent watching %s for user %s", serverURL, userID)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent failed: %v", err)
	}
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
