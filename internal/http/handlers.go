package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Server is the gateway edge: it owns the sockets, the connection registry
// writes, and the driver accept endpoint. Everything else arrives and
// leaves through the broker.
type Server struct {
	Registry  registry.Registry
	WS        *fanout.WSTransport
	Fanout    *fanout.Dispatcher
	Rides     storage.RideStore
	Lifecycle *lifecycle.Service
	Events    broker.Publisher

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg registry.Registry, ws *fanout.WSTransport, disp *fanout.Dispatcher,
	rides storage.RideStore, lc *lifecycle.Service, pub broker.Publisher, logger *slog.Logger) *Server {
	s := &Server{
		Registry:  reg,
		WS:        ws,
		Fanout:    disp,
		Rides:     rides,
		Lifecycle: lc,
		Events:    pub,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/connections", s.handleConnect).Methods("POST")
	s.mux.HandleFunc("/api/v1/connections/{connection_id}", s.handleDisconnect).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/internal/connections/{connection_id}/push", s.handleInternalPush).Methods("POST")
	s.mux.HandleFunc("/ws/{connection_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type connectRequest struct {
	UserID   string            `json:"user_id"`
	UserType models.UserType   `json:"user_type"`
	Device   models.DeviceInfo `json:"device_info"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.UserType == "" {
		http.Error(w, "user_id and user_type are required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	conn := models.Connection{
		ID:           newID(),
		UserID:       req.UserID,
		UserType:     req.UserType,
		Device:       req.Device,
		ConnectedAt:  now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(registry.ConnectionTTL),
	}
	if err := s.Registry.Register(r.Context(), conn); err != nil {
		s.logger.Error("register connection failed", "user_id", req.UserID, "error", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"connection_id": conn.ID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["connection_id"]
	s.WS.Detach(id)
	if err := s.Registry.Unregister(r.Context(), id); err != nil {
		s.logger.Error("unregister failed", "connection_id", id, "error", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acceptRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	ride, err := s.Lifecycle.AcceptRequest(r.Context(), rideID, req.DriverID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "ride request not found", http.StatusNotFound)
		return
	case errors.Is(err, lifecycle.ErrRideTaken):
		http.Error(w, "ride already taken", http.StatusConflict)
		return
	case errors.Is(err, lifecycle.ErrRequestClosed):
		http.Error(w, "ride request no longer pending", http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("accept failed", "ride_id", rideID, "driver_id", req.DriverID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ride)
}

// handleInternalPush is the worker-side fanout target: it writes the body
// to the locally attached socket. 410 tells the worker the connection is
// gone so it can prune the registry.
func (s *Server) handleInternalPush(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["connection_id"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch s.WS.Push(r.Context(), id, payload) {
	case fanout.Delivered:
		w.WriteHeader(http.StatusNoContent)
	case fanout.Stale:
		http.Error(w, "connection gone", http.StatusGone)
	default:
		http.Error(w, "write failed", http.StatusBadGateway)
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["connection_id"]
	conn, err := s.Registry.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	s.WS.Attach(id, sock)
	go s.readLoop(id, conn.UserID, conn.UserType, sock)
}

// readLoop consumes inbound envelopes until the socket dies, then treats
// the close as a disconnect.
func (s *Server) readLoop(connectionID, userID string, userType models.UserType, sock *websocket.Conn) {
	ctx := context.Background()
	defer func() {
		s.WS.Detach(connectionID)
		if err := s.Registry.Unregister(ctx, connectionID); err != nil {
			s.logger.Error("unregister on close failed", "connection_id", connectionID, "error", err)
		}
	}()
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("bad inbound envelope", "connection_id", connectionID, "error", err)
			continue
		}
		if err := s.Registry.Touch(ctx, connectionID); err != nil && !errors.Is(err, registry.ErrConnectionNotFound) {
			s.logger.Warn("touch failed", "connection_id", connectionID, "error", err)
		}
		s.routeEnvelope(ctx, connectionID, userID, userType, env)
	}
}

func (s *Server) routeEnvelope(ctx context.Context, connectionID, userID string, userType models.UserType, env models.Envelope) {
	switch env.Action {
	case "location-update":
		s.handleLocationUpdate(ctx, userID, userType, env)
	case "ride-status-query":
		s.handleRideStatusQuery(ctx, connectionID, env)
	case "chat-send":
		s.handleChatSend(ctx, userID, env)
	default:
		s.logger.Debug("unhandled action", "action", env.Action, "connection_id", connectionID)
	}
}

type locationUpdate struct {
	Location models.Coord `json:"location"`
	Heading  *float64     `json:"heading,omitempty"`
	Speed    *float64     `json:"speed,omitempty"`
}

func (s *Server) handleLocationUpdate(ctx context.Context, userID string, userType models.UserType, env models.Envelope) {
	if userType != models.UserDriver {
		return
	}
	var upd locationUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		s.logger.Warn("bad location-update", "user_id", userID, "error", err)
		return
	}
	ev := events.DriverLocationUpdated{
		DriverID:  userID,
		Location:  upd.Location,
		Heading:   upd.Heading,
		Speed:     upd.Speed,
		Timestamp: env.Timestamp,
	}
	if err := s.Events.Publish(ctx, events.KindDriverLocation, userID, ev); err != nil {
		s.logger.Error("location publish failed", "driver_id", userID, "error", err)
	}
}

type rideStatusQuery struct {
	RideID string `json:"ride_id"`
}

func (s *Server) handleRideStatusQuery(ctx context.Context, connectionID string, env models.Envelope) {
	var q rideStatusQuery
	if err := json.Unmarshal(env.Data, &q); err != nil {
		return
	}
	ride, err := s.Rides.GetRide(ctx, q.RideID)
	if err != nil {
		return
	}
	reply, err := models.NewEnvelope("ride-status", ride)
	if err != nil {
		return
	}
	s.Fanout.SendToConnection(ctx, connectionID, reply)
}

type chatMessage struct {
	RideID string `json:"ride_id"`
	Text   string `json:"text"`
}

// handleChatSend relays a chat line to the other party on the ride.
func (s *Server) handleChatSend(ctx context.Context, userID string, env models.Envelope) {
	var msg chatMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return
	}
	ride, err := s.Rides.GetRide(ctx, msg.RideID)
	if err != nil {
		return
	}
	peer := ride.ClientID
	if userID == ride.ClientID {
		peer = ride.DriverID
	}
	if peer == "" {
		return
	}
	out, err := models.NewEnvelope("chat-message", map[string]string{
		"ride_id": msg.RideID,
		"from":    userID,
		"text":    msg.Text,
	})
	if err != nil {
		return
	}
	s.Fanout.SendToUser(ctx, peer, out)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
