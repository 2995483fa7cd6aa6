package httpapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/amorelay/internal/amocrm"
)

const (
	defaultNoteBuffer  = 32
	noteWriteTimeout   = 5 * time.Second
	noteStreamPingTick = 30 * time.Second
)

// NoteHub fans posted notes out to live stream subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the note.
type NoteHub struct {
	mu      sync.Mutex
	buffer  int
	subs    map[chan amocrm.Note]struct{}
	dropped atomic.Uint64
}

func NewNoteHub(buffer int) *NoteHub {
	if buffer <= 0 {
		buffer = defaultNoteBuffer
	}
	return &NoteHub{
		buffer: buffer,
		subs:   map[chan amocrm.Note]struct{}{},
	}
}

func (h *NoteHub) PublishNote(note amocrm.Note) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- note:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new listener. The returned cancel func must be called
// once; it unregisters and closes the channel.
func (h *NoteHub) Subscribe() (<-chan amocrm.Note, func()) {
	ch := make(chan amocrm.Note, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *NoteHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *NoteHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (s *Server) handleNoteStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.notes == nil {
		writeError(w, http.StatusNotFound, "not_found", "note stream disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("note stream upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	notes, cancel := s.notes.Subscribe()
	defer cancel()

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(noteStreamPingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, noteWriteTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		case note, ok := <-notes:
			if !ok {
				return
			}
			writeCtx, done := context.WithTimeout(ctx, noteWriteTimeout)
			err := wsjson.Write(writeCtx, conn, note)
			done()
			if err != nil {
				s.logger.Printf("note stream write failed: %v", err)
				return
			}
		}
	}
}
