package notify

import "sync"

// Signal is the minimal cross-context payload: a reason tag and a count
// hint. Receivers must treat it purely as "go re-read the store", never
// as a delta to apply.
type Signal struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

const (
	SignalArrive  = "arrive"
	SignalRead    = "read"
	SignalDelete  = "delete"
	SignalReply   = "reply"
	SignalReceipt = "receipt"
	SignalStorage = "storage"
)

// Bus propagates state-changed signals to every subscriber in a
// context. The engine publishes after each local write; a transport
// (storage watcher, websocket fan-out) republishes remote changes
// through the same bus so both paths share one handler.
type Bus interface {
	Publish(sig Signal)
	Subscribe(fn func(Signal)) (cancel func())
}

type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Signal)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[int]func(Signal){}}
}

// Publish dispatches synchronously, outside the subscription lock so a
// handler may subscribe or unsubscribe while being invoked.
func (b *LocalBus) Publish(sig Signal) {
	b.mu.Lock()
	handlers := make([]func(Signal), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(sig)
	}
}

func (b *LocalBus) Subscribe(fn func(Signal)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
