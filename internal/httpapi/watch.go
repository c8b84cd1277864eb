package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/humtech/tsoam-notify/internal/notify"
)

// handleWatch streams bus signals to a remote context over a websocket.
// Frames carry only {reason, count}; the receiver re-reads the feed
// endpoint rather than trusting the frame as state, so a dropped or
// coalesced frame costs nothing but latency.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch terminated")

	ctx := r.Context()
	signals := make(chan notify.Signal, 16)
	cancel := s.engine.Bus().Subscribe(func(sig notify.Signal) {
		select {
		case signals <- sig:
		default:
			// Slow consumer: drop the frame, the next one still forces
			// a full re-read.
		}
	})
	defer cancel()

	// Opening frame so the client knows the subscription is live and can
	// do its initial hydration fetch.
	if err := writeSignal(ctx, conn, notify.Signal{Reason: "subscribed"}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case sig := <-signals:
			if err := writeSignal(ctx, conn, sig); err != nil {
				return
			}
		}
	}
}

func writeSignal(ctx context.Context, conn *websocket.Conn, sig notify.Signal) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, sig)
}
