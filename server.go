package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zerynth/lib-quectel-bg96/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger  *slog.Logger
	Modem   *modem.Modem
	Events  *EventHub
	Metrics http.Handler

	upgrader websocket.Upgrader
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSendSMS)
	mux.HandleFunc("GET /sms", s.handleListSMS)
	mux.HandleFunc("DELETE /sms/{index}", s.handleDeleteSMS)
	mux.HandleFunc("GET /network", s.handleNetwork)
	mux.HandleFunc("GET /rtc", s.handleClock)
	mux.HandleFunc("GET /gnss", s.handleGNSS)
	mux.HandleFunc("POST /resolve", s.handleResolve)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)

}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleSendSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	mr, err := s.Modem.SendSMS(r.Context(), req.To, req.Message)
	if err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message))
	s.sendJSON(w, map[string]int{"message_reference": mr})
}

// handleListSMS lists stored messages, ?unread=1 restricts to unread,
// ?max= and ?offset= window the result.
func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	status := "ALL"
	if r.URL.Query().Get("unread") == "1" {
		status = "REC UNREAD"
	}
	max, _ := strconv.Atoi(r.URL.Query().Get("max"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	msgs, err := s.Modem.ListSMS(r.Context(), status, offset, max)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []modem.SMS{}
	}
	s.sendJSON(w, msgs)
}

func (s *Server) handleDeleteSMS(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.sendError(w, "invalid message index", http.StatusBadRequest)
		return
	}
	if err := s.Modem.DeleteSMS(r.Context(), index); err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	info, err := s.Modem.NetworkInfo(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rssi, err := s.Modem.RSSI(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, map[string]any{
		"registered": info.Registered,
		"roaming":    info.Roaming,
		"operator":   info.Operator,
		"tech":       info.Tech,
		"lac":        info.LAC,
		"ci":         info.CI,
		"rssi_dbm":   rssi,
	})
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	t, err := s.Modem.Clock(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, map[string]string{"time": t.Format(time.RFC3339)})
}

func (s *Server) handleGNSS(w http.ResponseWriter, r *http.Request) {
	fix, err := s.Modem.GNSSFix(r.Context())
	if errors.Is(err, modem.ErrNoFix) {
		s.sendError(w, "no position fix yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, map[string]any{
		"utc":       fix.UTC.Format(time.RFC3339),
		"lat":       fix.Lat,
		"lon":       fix.Lon,
		"alt":       fix.Alt,
		"hdop":      fix.HDOP,
		"fix_type":  fix.FixType,
		"cog":       fix.COG,
		"speed_kmh": fix.SpeedKmh,
		"nsat":      fix.NSat,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host string `json:"host"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Host == "" {
		s.sendError(w, "'host' field is required", http.StatusBadRequest)
		return
	}

	addr, err := s.Modem.Resolve(r.Context(), req.Host)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, map[string]string{"host": req.Host, "address": addr})
}

// handleEvents streams URC lines over a websocket, one text message per
// event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := s.Events.Subscribe()
	defer s.Events.Unsubscribe(events)

	// the read side only serves to notice the client going away
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
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case line := <-events:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
	}
}
