// Package eventmux fans crossing events out to live subscribers.
//
// Each subscriber gets its own buffered channel of JSON lines. Publishing
// never blocks the frame loop: a subscriber whose buffer is full misses the
// message.
package eventmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/pipeline"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Message is one line of the live stream.
type Message struct {
	Type      string         `json:"type"` // "crossing" or "finished"
	Frame     int64          `json:"frame"`
	Timestamp time.Time      `json:"ts"`
	TrackID   int            `json:"track_id,omitempty"`
	Label     string         `json:"label,omitempty"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

// Mux distributes published lines to every current subscriber.
type Mux struct {
	buffer       int
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closed       bool
	dropped      int64
}

// New returns a Mux whose subscriber channels hold buffer lines. A
// non-positive buffer selects DefaultBuffer.
func New(buffer int) *Mux {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Mux{
		buffer:      buffer,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new channel. After Close the returned channel is
// already closed.
func (m *Mux) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string, m.buffer)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closed {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber. Unknown ids are ignored.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Subscribers returns the number of current subscribers.
func (m *Mux) Subscribers() int {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	return len(m.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (m *Mux) Dropped() int64 {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	return m.dropped
}

// Publish sends line to every subscriber without blocking.
func (m *Mux) Publish(line string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closed {
		return
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- line:
		default:
			// skip full subscribers so the frame loop is never blocked
			m.dropped++
		}
	}
}

// PublishMessage encodes msg as a single JSON line and publishes it.
func (m *Mux) PublishMessage(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	m.Publish(string(b))
	return nil
}

// RecordFrame publishes one message per crossing in the frame.
func (m *Mux) RecordFrame(ctx context.Context, fr pipeline.FrameResult) error {
	if len(fr.Events) == 0 {
		return nil
	}
	// fr.Counters already includes every event of the frame; rewind it so
	// each message carries the running total at that event.
	cur := fr.Counters.Apply(nil)
	for _, e := range fr.Events {
		cur.ByLabel[e.Label]--
		cur.Total--
	}
	for _, e := range fr.Events {
		cur = cur.Apply([]crossing.Event{e})
		msg := Message{
			Type:      "crossing",
			Frame:     fr.Frame.Index,
			Timestamp: fr.Frame.Timestamp,
			TrackID:   e.TrackID,
			Label:     e.Label,
			Counts:    cur.ByLabel,
			Total:     cur.Total,
		}
		if err := m.PublishMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// Finish publishes the final counts.
func (m *Mux) Finish(ctx context.Context, res pipeline.Result) error {
	monitoring.Debugf("eventmux: run finished, %d dropped deliveries", m.Dropped())
	return m.PublishMessage(Message{
		Type:   "finished",
		Frame:  res.Frames,
		Counts: res.Counters.Clone().ByLabel,
		Total:  res.Counters.Total,
	})
}

// Close closes all subscriber channels. Later publishes are discarded.
func (m *Mux) Close() error {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.closed = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return nil
}

// AttachAdminRoutes attaches the live tail to the debug mux served at
// /debug/. These routes are accessible only over localhost/via Tailscale.
func (m *Mux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("crossings", "live crossing events (SSE at /debug/tail)", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, tailPage)
	})

	// Server-Sent Events stream of crossing messages.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

const tailPage = `<!DOCTYPE html>
<html><head><title>lanecount crossings</title></head>
<body>
<h1>Crossings</h1>
<pre id="log"></pre>
<script>
const log = document.getElementById("log");
const es = new EventSource("/debug/tail");
es.onmessage = (ev) => { log.textContent = ev.data + "\n" + log.textContent; };
</script>
</body></html>
`
