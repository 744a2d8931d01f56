// Package sse streams viewport and index events to HTTP clients as
// Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event is one SSE message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type noteEventReq struct {
	kind string
	id   string
}

// Broker fans events out to SSE clients. It implements viewport.Emitter.
//
// Concurrency model: a single internal event loop owns the clients, the
// coalescing state of throttled event types and the index throttle
// timestamp. Public methods talk to the loop through channels.
type Broker struct {
	interval  time.Duration
	throttled map[string]bool

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	noteEventCh   chan noteEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker. Events whose type is listed in throttled are
// coalesced: at most one per interval reaches clients, carrying the latest
// data.
func NewBroker(interval time.Duration, throttled ...string) *Broker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	set := make(map[string]bool, len(throttled))
	for _, t := range throttled {
		set[t] = true
	}

	b := &Broker{
		interval:      interval,
		throttled:     set,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		noteEventCh:   make(chan noteEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	last := make(map[string]time.Time)
	held := make(map[string]Event)
	var lastIndex time.Time
	var flushTimer *time.Timer
	var flushCh <-chan time.Time
	var flushAt time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}
	schedule := func(d time.Duration) {
		at := time.Now().Add(d)
		if len(held) > 0 && !flushAt.IsZero() && !at.Before(flushAt) {
			return
		}
		flushAt = at
		if flushTimer == nil {
			flushTimer = time.NewTimer(d)
			flushCh = flushTimer.C
			return
		}
		flushTimer.Reset(d)
	}

	for {
		select {
		case <-b.stopCh:
			if flushTimer != nil {
				flushTimer.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			if !b.throttled[event.Type] {
				broadcast(event)
				continue
			}
			now := time.Now()
			if wait := b.interval - now.Sub(last[event.Type]); wait > 0 {
				if _, pending := held[event.Type]; !pending {
					schedule(wait)
				}
				held[event.Type] = event
				continue
			}
			delete(held, event.Type)
			last[event.Type] = now
			broadcast(event)

		case <-flushCh:
			flushAt = time.Time{}
			now := time.Now()
			var next time.Duration
			for typ, ev := range held {
				if wait := b.interval - now.Sub(last[typ]); wait > 0 {
					if next == 0 || wait < next {
						next = wait
					}
					continue
				}
				last[typ] = now
				broadcast(ev)
				delete(held, typ)
			}
			if next > 0 {
				schedule(next)
			}

		case req := <-b.noteEventCh:
			data := map[string]string{"id": req.id}
			switch req.kind {
			case "created":
				broadcast(Event{Type: "note.created", Data: data})
			case "updated":
				broadcast(Event{Type: "note.updated", Data: data})
			case "deleted":
				broadcast(Event{Type: "note.deleted", Data: data})
			}

			now := time.Now()
			if now.Sub(lastIndex) >= b.interval {
				lastIndex = now
				broadcast(Event{Type: "index.updated", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// Emit publishes a viewport event. It never blocks the viewport owner for
// longer than a full publish queue takes to drain.
func (b *Broker) Emit(_ context.Context, event string, data any) {
	b.Publish(Event{Type: event, Data: data})
}

// PublishNoteEvent publishes a note index change and a throttled
// index.updated event.
func (b *Broker) PublishNoteEvent(kind, id string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.noteEventCh <- noteEventReq{kind: kind, id: id}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
