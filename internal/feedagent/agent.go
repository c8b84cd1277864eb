package feedagent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/humtech/tsoam-notify/internal/notify"
)

// Agent is a remote open context: it subscribes to the server's watch
// endpoint and re-fetches the visible feed on every signal, the same
// "signal means re-read, never apply" discipline local contexts follow.
// While the websocket is down it degrades to polling.
type Agent struct {
	client       *Client
	userID       string
	onUpdate     func([]notify.Notification)
	pollInterval time.Duration
}

type Options struct {
	Client       *Client
	UserID       string
	OnUpdate     func([]notify.Notification)
	PollInterval time.Duration
}

func New(opts Options) (*Agent, error) {
	if opts.Client == nil || strings.TrimSpace(opts.UserID) == "" {
		return nil, notify.ErrInvalidInput
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	onUpdate := opts.OnUpdate
	if onUpdate == nil {
		onUpdate = func([]notify.Notification) {}
	}
	return &Agent{
		client:       opts.Client,
		userID:       strings.TrimSpace(opts.UserID),
		onUpdate:     onUpdate,
		pollInterval: pollInterval,
	}, nil
}

// Run blocks until the context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.refresh(ctx)
	for {
		if err := a.watchOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("feedagent: watch disconnected: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.pollInterval):
		}
		// Poll once before redialing so a dead watch endpoint still
		// converges, just slower.
		a.refresh(ctx)
	}
}

func (a *Agent) watchOnce(ctx context.Context) error {
	watchURL, err := a.watchURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if a.client.Token() != "" {
		header.Set("Authorization", "Bearer "+a.client.Token())
	}
	conn, _, err := websocket.Dial(ctx, watchURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var sig notify.Signal
		if err := wsjson.Read(ctx, conn, &sig); err != nil {
			return err
		}
		a.refresh(ctx)
	}
}

func (a *Agent) refresh(ctx context.Context) {
	feed, err := a.client.Feed(ctx, a.userID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("feedagent: feed fetch failed: %v", err)
		}
		return
	}
	a.onUpdate(feed)
}

func (a *Agent) watchURL() (string, error) {
	parsed, err := url.Parse(a.client.BaseURL())
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme: %s", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + fmt.Sprintf("/v1/users/%s/feed/watch", url.PathEscape(a.userID))
	return parsed.String(), nil
}
