package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types sent on the change feed.
const (
	EventHello  = "hello"
	EventChange = "change"
	EventSave   = "save"
	EventRevert = "revert"
	EventReload = "reload"
)

// Event describes something that happened to an open map.
type Event struct {
	Type     string `json:"type"`
	Map      string `json:"map"`
	Op       string `json:"op,omitempty"`
	ID       uint64 `json:"id,omitempty"`
	Modified bool   `json:"modified"`
	Count    int    `json:"count"`
	Error    string `json:"error,omitempty"`
}

// subscriber queue length; a client that falls this far behind is dropped
const feedQueue = 32

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Feed fans map events out to websocket subscribers.
type Feed struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}

	upgrader websocket.Upgrader

	// pongWait bounds how long a connection may stay silent; pings go out
	// every pingPeriod so idle clients answer well within it.
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewFeed(log *slog.Logger) *Feed {
	return &Feed{
		log:  log,
		subs: make(map[string]map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			// the editor is a local tool
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// Subscribe registers for events on map name. The returned function
// unsubscribes and closes the channel.
func (f *Feed) Subscribe(name string) (<-chan Event, func()) {
	ch := make(chan Event, feedQueue)
	f.mu.Lock()
	if f.subs[name] == nil {
		f.subs[name] = make(map[chan Event]struct{})
	}
	f.subs[name][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[name][ch]; ok {
				delete(f.subs[name], ch)
				close(ch)
			}
			if len(f.subs[name]) == 0 {
				delete(f.subs, name)
			}
		})
	}
}

// Publish sends ev to every subscriber of ev.Map without blocking. Slow
// subscribers are disconnected.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[ev.Map] {
		select {
		case ch <- ev:
		default:
			f.log.Warn("dropping slow feed subscriber", "map", ev.Map)
			delete(f.subs[ev.Map], ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of listeners on map name.
func (f *Feed) Subscribers(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[name])
}

// Serve upgrades the request and streams events for map name, starting
// with hello. It returns when the client goes away.
func (f *Feed) Serve(w http.ResponseWriter, r *http.Request, name string, hello Event) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := f.Subscribe(name)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := writeEvent(conn, hello); err != nil {
		return
	}

	// Writer goroutine; it owns every write after hello, pings included.
	go func() {
		ping := time.NewTicker(f.pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					cancel()
					return
				}
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
						time.Now().Add(time.Second))
					cancel()
					return
				}
				if err := writeEvent(conn, ev); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop; clients only send pongs, pings and close frames.
	_ = conn.SetReadDeadline(time.Now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.pongWait))
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
