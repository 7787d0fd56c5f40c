package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/net/websocket"

	"github.com/kalambet/genie/internal/events"
)

// streamBuffer is how many events a slow websocket client may lag behind
// before the hub starts dropping its events.
const streamBuffer = 64

// streamHandler pushes live events as JSON text frames. The client_id query
// parameter narrows the stream to one client's jobs. With job_id the stream
// carries only that job, starting with its persisted events after seq since,
// so a client that missed events can reconnect and catch up. Clients only
// read; anything they send is discarded, and a read error ends the stream.
func streamHandler(stream EventStream, history EventHistory) http.Handler {
	return websocket.Server{
		// Authentication already happened on the upgrade request.
		Handshake: func(_ *websocket.Config, r *http.Request) error {
			_, err := streamSince(r)
			return err
		},
		Handler: func(ws *websocket.Conn) {
			q := ws.Request().URL.Query()
			clientID, jobID := q.Get("client_id"), q.Get("job_id")
			last, _ := streamSince(ws.Request())

			// Subscribe before reading history so nothing falls between the two.
			sub := stream.Subscribe(clientID, streamBuffer)
			defer stream.Unsubscribe(sub)

			send := func(e events.Event) bool {
				if err := websocket.JSON.Send(ws, e); err != nil {
					slog.Debug("stream send failed", "client_id", clientID, "error", err)
					return false
				}
				return true
			}

			if jobID != "" && history != nil {
				past, err := history.History(ws.Request().Context(), jobID)
				if err != nil {
					slog.Warn("stream replay failed", "job_id", jobID, "error", err)
					return
				}
				for _, e := range past {
					if e.Seq <= last || (clientID != "" && e.ClientID != clientID) {
						continue
					}
					if !send(e) {
						return
					}
					last = e.Seq
				}
			}

			gone := make(chan struct{})
			go func() {
				defer close(gone)
				var discard string
				for websocket.Message.Receive(ws, &discard) == nil {
				}
			}()

			for {
				select {
				case e, ok := <-sub.C:
					if !ok {
						return
					}
					if jobID != "" {
						if e.JobID != jobID || e.Seq <= last {
							continue
						}
						last = e.Seq
					}
					if !send(e) {
						return
					}
				case <-gone:
					return
				}
			}
		},
	}
}

// streamSince parses the since query parameter, which needs a job_id.
func streamSince(r *http.Request) (int, error) {
	q := r.URL.Query()
	raw := q.Get("since")
	if raw == "" {
		return 0, nil
	}
	if q.Get("job_id") == "" {
		return 0, errors.New("since requires job_id")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("since must be a non-negative event seq")
	}
	return n, nil
}
