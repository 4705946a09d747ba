package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/helto4real/go-homelab/device"
	"github.com/helto4real/go-homelab/internal/store"
	"github.com/helto4real/go-homelab/internal/wsocket"
)

// DefaultWSPath is where clients connect
const DefaultWSPath = "/ws"

// Confirmer stores a device a human has confirmed
type Confirmer interface {
	AddEntity(ctx context.Context, e device.Entity) error
}

// Server is the http surface of the hub
type Server struct {
	hub       *Hub
	confirmer Confirmer
	wsPath    string
	sendQueue int
	mux       *http.ServeMux
}

// NewServer creates the http handlers. confirmer may be nil, device
// confirmation is then unavailable.
func NewServer(hub *Hub, confirmer Confirmer, wsPath string, sendQueue int) *Server {
	if wsPath == "" {
		wsPath = DefaultWSPath
	}
	if sendQueue <= 0 {
		sendQueue = wsocket.DefaultSendQueue
	}
	s := &Server{hub: hub, confirmer: confirmer, wsPath: wsPath, sendQueue: sendQueue, mux: http.NewServeMux()}
	s.mux.HandleFunc(wsPath, s.handleWebsocket)
	s.mux.HandleFunc("/api/devices/add", s.handleAddDevice)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	return s
}

// Handler returns the routes wrapped in request logging
func (s *Server) Handler() http.Handler {
	return RequestLogger(s.mux)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsocket.Accept(w, r, s.sendQueue)
	if err != nil {
		log.Warnf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.hub.Serve(r.Context(), conn)
}

type addDeviceRequest struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         device.Type `json:"type"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	RoomID       *int64      `json:"room_id"`
}

// handleAddDevice confirms a discovered device into the store. The pending
// entry fills whatever the request leaves out.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.confirmer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no store configured"})
		return
	}

	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be json with an id"})
		return
	}

	discovered, _ := s.hub.Registry().PendingDevice(req.ID)
	discovered.ID = req.ID
	if req.Name != "" {
		discovered.Name = req.Name
	}
	if req.Type != "" {
		discovered.Type = req.Type
	}
	if discovered.Type == "" {
		discovered.Type = device.TypeOther
	}
	if req.Manufacturer != "" {
		discovered.Manufacturer = req.Manufacturer
	}
	if req.Model != "" {
		discovered.Model = req.Model
	}
	entity := discovered.Entity()
	entity.RoomID = req.RoomID

	err := s.confirmer.AddEntity(r.Context(), entity)
	switch {
	case errors.Is(err, store.ErrExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		log.Errorf("Failed to add device %s: %v", req.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("failed to add device: %v", err)})
		return
	}

	s.hub.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Device added successfully"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"devices":     s.hub.Registry().Len(),
		"connections": s.hub.Connections()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// RequestLogger logs method, path, status and duration of each request
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Debugf("%s %s - Status: %d - Duration: %v - Client: %s",
			r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}
