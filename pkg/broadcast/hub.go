// Package broadcast fans generation results out to every connected viewer.
//
// Each viewer owns a bounded send queue drained by its own writer goroutine, so a slow or
// dead viewer never holds up the publisher or the other viewers: when its queue is full
// or a write fails, that viewer alone is dropped. Nothing is replayed to late joiners.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendBuffer   = 32
	DefaultWriteTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Viewer struct {
	ID   string
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (v *Viewer) enqueue(data []byte) bool {
	select {
	case <-v.done:
		return true
	default:
	}
	select {
	case v.send <- data:
		return true
	default:
		return false
	}
}

func (v *Viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

type Hub struct {
	mu      sync.RWMutex
	viewers map[*Viewer]struct{}
	// pubMu keeps per-viewer delivery order equal to publish order.
	pubMu sync.Mutex

	sendBuffer   int
	writeTimeout time.Duration
	hello        func(*Viewer) *Event
}

type Option func(*Hub)

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithWriteTimeout sets the per-write deadline; zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithHello sets the event sent to each new viewer, and only to it. A nil func or a nil
// returned event sends nothing.
func WithHello(f func(*Viewer) *Event) Option {
	return func(h *Hub) { h.hello = f }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		viewers:      map[*Viewer]struct{}{},
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers conn as a viewer and starts its writer.
func (h *Hub) Subscribe(conn Conn) *Viewer {
	v := &Viewer{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	if h.hello != nil {
		if ev := h.hello(v); ev != nil {
			if b, err := json.Marshal(ev); err == nil {
				v.send <- b
			}
		}
	}

	h.mu.Lock()
	h.viewers[v] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()

	log.Debug().Str("component", "broadcast").Str("viewer_id", v.ID).Int("viewers", n).Msg("viewer subscribed")
	go h.writeLoop(v)
	return v
}

// Unsubscribe removes v and closes its connection. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(v *Viewer) {
	if v == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.viewers[v]
	delete(h.viewers, v)
	h.mu.Unlock()
	v.close()
	if ok {
		log.Debug().Str("component", "broadcast").Str("viewer_id", v.ID).Msg("viewer unsubscribed")
	}
}

// Publish delivers ev to every viewer connected right now.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal broadcast event")
	}
	h.Broadcast(b)
	return nil
}

func (h *Hub) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	var dropped []*Viewer

	h.pubMu.Lock()
	h.mu.RLock()
	for v := range h.viewers {
		if !v.enqueue(data) {
			dropped = append(dropped, v)
		}
	}
	h.mu.RUnlock()
	h.pubMu.Unlock()

	for _, v := range dropped {
		log.Warn().Str("component", "broadcast").Str("viewer_id", v.ID).Msg("viewer send buffer full, dropping viewer")
		h.Unsubscribe(v)
	}
}

// SendTo queues ev for a single viewer.
func (h *Hub) SendTo(v *Viewer, ev Event) error {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal broadcast event")
	}
	if !v.enqueue(b) {
		log.Warn().Str("component", "broadcast").Str("viewer_id", v.ID).Msg("viewer send buffer full, dropping viewer")
		h.Unsubscribe(v)
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	viewers := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
		delete(h.viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		v.close()
	}
}

func (h *Hub) writeLoop(v *Viewer) {
	for {
		select {
		case <-v.done:
			return
		case data := <-v.send:
			if h.writeTimeout > 0 {
				_ = v.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "broadcast").Str("viewer_id", v.ID).Msg("ws write failed, dropping viewer")
				h.Unsubscribe(v)
				return
			}
		}
	}
}
