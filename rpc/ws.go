package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"lendledger/events"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams journalled ledger events over a websocket. A cursor
// query parameter replays the retained backlog after that sequence before the
// stream goes live.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil || s.node.Journal() == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog, err := s.node.Journal().Subscribe(cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, entry := range backlog {
		if err := writeJournalEntry(ctx, conn, entry); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return err
			}
		}
	}
}

func writeJournalEntry(ctx context.Context, conn *websocket.Conn, entry events.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
