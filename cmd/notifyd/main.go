package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/humtech/tsoam-notify/internal/httpapi"
	"github.com/humtech/tsoam-notify/internal/notify"
)

func main() {
	addr := os.Getenv("NOTIFY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	store, err := buildRecordStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize record store: %v", err)
	}
	if store == nil {
		store = notify.NewMemoryRecordStore()
	}
	defer store.Close()

	bus := notify.NewLocalBus()
	if fileStore, ok := store.(*notify.JSONFileRecordStore); ok {
		watcher, watchErr := notify.NewStorageWatcher(fileStore.Path, bus)
		if watchErr != nil {
			log.Fatalf("failed to start storage watcher: %v", watchErr)
		}
		defer watcher.Close()
	}

	engine := notify.NewEngine(notify.EngineOptions{
		Store:        store,
		Bus:          bus,
		Messaging:    buildMessagingClientFromEnv(),
		FeedCap:      intEnv("NOTIFY_FEED_CAP", 0),
		MaxReplyBody: intEnv("NOTIFY_MAX_REPLY_BODY", 0),
	})
	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("NOTIFY_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("NOTIFY_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("NOTIFY_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("NOTIFY_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("NOTIFY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("NOTIFY_MAX_BODY_BYTES", 0),
	})

	log.Printf("notifyd listening on %s (store=%s)", addr, store.Describe())
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
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

func buildRecordStoreFromEnv() (notify.RecordStore, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	storeDSN := strings.TrimSpace(os.Getenv("NOTIFY_STORE_DSN"))
	storeFile := strings.TrimSpace(os.Getenv("NOTIFY_STORE_FILE"))
	switch {
	case storeDSN != "":
		return notify.BuildRecordStoreFromDSN(storeDSN)
	case storeFile != "":
		return notify.BuildRecordStoreFromDSN(storeFile)
	case profileDSN != "":
		return notify.BuildRecordStoreFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFY_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("NOTIFY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".tsoam-notify"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("NOTIFY_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("NOTIFY_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("NOTIFY_PRODUCTION_DSN or NOTIFY_POSTGRES_DSN is required when NOTIFY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "records.json"), nil
	default:
		return "", fmt.Errorf("unsupported NOTIFY_BACKEND_PROFILE: %s", profile)
	}
}

func buildMessagingClientFromEnv() notify.MessagingClient {
	baseURL := strings.TrimSpace(os.Getenv("NOTIFY_MESSAGING_URL"))
	if baseURL == "" {
		return nil
	}
	token := strings.TrimSpace(os.Getenv("NOTIFY_MESSAGING_TOKEN"))
	var tokenProvider notify.MessagingTokenProvider
	if token != "" {
		tokenProvider = func(context.Context) (string, error) { return token, nil }
	}
	return notify.NewHTTPMessagingClient(notify.HTTPMessagingClientOptions{
		BaseURL:       baseURL,
		TokenProvider: tokenProvider,
		UserAgent:     "tsoam-notifyd",
	})
}
