package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"dealescrow/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams domain events. A cursor query parameter resumes after
// the given sequence number while it is still in the hub history.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.stream == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	dealFilter := strings.TrimSpace(r.URL.Query().Get("deal"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, dealFilter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor, dealFilter string) error {
	updates, cancel, backlog := s.stream.Subscribe(ctx, cursor)
	defer cancel()

	for _, record := range backlog {
		if !matchesDeal(record, dealFilter) {
			continue
		}
		if err := writeEventRecord(ctx, conn, record); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return nil
			}
			if !matchesDeal(record, dealFilter) {
				continue
			}
			if err := writeEventRecord(ctx, conn, record); err != nil {
				return err
			}
		}
	}
}

func matchesDeal(record events.Record, dealFilter string) bool {
	return dealFilter == "" || strings.EqualFold(record.Attributes["id"], dealFilter)
}

func writeEventRecord(ctx context.Context, conn *websocket.Conn, record events.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
