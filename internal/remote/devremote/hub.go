package devremote

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
)

// subscriberBuffer bounds how far a slow websocket reader may lag before
// the hub disconnects it. Dropped subscribers recover through the next
// full changed-since pull, so disconnecting is safe.
const subscriberBuffer = 64

type subscriber struct {
	kind models.Kind
	ch   chan remote.Delta
}

// hub fans deltas out to the websocket subscribers of each collection.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe(kind models.Kind) *subscriber {
	sub := &subscriber{kind: kind, ch: make(chan remote.Delta, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// broadcast delivers d to every subscriber of kind, dropping those whose
// buffers are full.
func (h *hub) broadcast(kind models.Kind, d remote.Delta) {
	h.mu.Lock()
	var stalled []*subscriber
	for sub := range h.subs {
		if sub.kind != kind {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	// The dev store serves local tooling; accept any origin like the
	// CORS wrapper does for the REST routes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWatch upgrades /v1/watch?collection={kind} to a websocket and
// streams that collection's deltas as JSON messages.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(r.URL.Query().Get("collection"))
	if !kind.Valid() {
		httpError(w, http.StatusBadRequest, "unknown collection")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := s.hub.subscribe(kind)
	defer s.hub.unsubscribe(sub)
	defer conn.Close()

	// Drain control frames and detect the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case d, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(d); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
