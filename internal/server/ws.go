package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/broadcast"
)

// subscriberBuffer is the per-connection backlog before old updates drop.
const subscriberBuffer = 64

// stream upgrades the request and forwards sub's messages until the client
// goes away. first, if non-nil, is sent before any update. With untilDone
// the stream ends after the first terminal job message. stream owns sub.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sub *broadcast.Subscription, first *broadcast.Message, untilDone bool) {
	handler := func(ws *websocket.Conn) {
		defer ws.Close()
		defer sub.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			var discard string
			for {
				if err := websocket.Message.Receive(ws, &discard); err != nil {
					return
				}
			}
		}()

		if first != nil {
			if err := websocket.JSON.Send(ws, first); err != nil {
				return
			}
			if untilDone && first.Terminal() {
				return
			}
		}
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case m := <-sub.C():
				if err := websocket.JSON.Send(ws, m); err != nil {
					s.log.Debug("websocket send failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
					return
				}
				if untilDone && m.Kind == broadcast.KindJob && m.Terminal() {
					return
				}
			}
		}
	}
	// Non-browser clients send no Origin header.
	srv := websocket.Server{
		Handler:   handler,
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
	srv.ServeHTTP(w, r)
	// A failed handshake never runs the handler.
	sub.Close()
}

// GET /ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.bus.Subscribe(broadcast.Global, subscriberBuffer), nil, false)
}

// GET /ws/jobs/{id}
//
// The subscription is taken before the snapshot is read so no change falls
// between the two.
func (s *Server) handleWSJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub := s.bus.Subscribe(broadcast.JobTopic(id), subscriberBuffer)
	j, err := s.engine.Job(id)
	if err != nil {
		sub.Close()
		writeError(w, err, nil)
		return
	}
	first := broadcast.JobMessage(j)
	s.stream(w, r, sub, &first, true)
}

// GET /ws/batches/{id}
func (s *Server) handleWSBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub := s.bus.Subscribe(broadcast.BatchTopic(id), subscriberBuffer)
	v, err := s.engine.Batch(id)
	if err != nil {
		sub.Close()
		writeError(w, err, nil)
		return
	}
	first := broadcast.BatchMessage(v.Batch, &v.Progress)
	s.stream(w, r, sub, &first, false)
}
