package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"chatsched/internal/notify"
)

const (
	streamBuffer  = 64
	writeDeadline = 5 * time.Second
)

// stream pushes a status snapshot and then every bus event to one browser.
// Inbound frames are ignored.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	log := s.log.With().Str("client_id", id).Logger()
	log.Info().Msg("ws client connected")

	events, unsubscribe := s.bus.Subscribe(streamBuffer)
	defer func() {
		unsubscribe()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		log.Info().Msg("ws client disconnected")
	}()

	ctx := conn.CloseRead(r.Context())
	initial := notify.Event{ID: uuid.NewString(), Type: notify.TypeStatus, Time: time.Now(), Data: s.snapshot()}
	if err := write(ctx, conn, initial); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := write(ctx, conn, e); err != nil {
				log.Debug().Err(err).Str("type", e.Type).Msg("ws write failed")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, e notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
