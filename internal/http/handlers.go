package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/coupon"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

type Server struct {
	Engine  *matcher.Engine
	Coupons *coupon.Engine
	WSReg   *dispatch.WSRegistry
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(engine *matcher.Engine, coupons *coupon.Engine, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:  engine,
		Coupons: coupons,
		WSReg:   wsreg,
		logger:  logger.With("component", "http"),
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/online", s.handleGoOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offline", s.handleGoOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/requests", s.handlePendingRequests).Methods(http.MethodGet)

	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/reject", s.handleReject).Methods(http.MethodPost)

	api.HandleFunc("/rides", s.handleBookRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/by-handle/{handle:[0-9]+}", s.handleRideByHandle).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)

	api.HandleFunc("/coupons", s.handleCreateCoupon).Methods(http.MethodPost)
	api.HandleFunc("/coupons/validate", s.handleValidateCoupon).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/coupons", s.handleAvailableCoupons).Methods(http.MethodGet)
	api.HandleFunc("/merchants", s.handleCreateMerchant).Methods(http.MethodPost)
	api.HandleFunc("/merchants/{id}/coupons", s.handleCreateMerchantCoupon).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/merchant-coupons", s.handleNearbyMerchantCoupons).Methods(http.MethodGet)
	api.HandleFunc("/merchant-coupons/{id}/redeem", s.handleRedeemMerchantCoupon).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req matcher.RegisterDriverRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Engine.RegisterDriver(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Engine.AvailableDrivers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": list, "count": len(list)})
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.GoOnline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.GoOffline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type heartbeatRequest struct {
	Loc *models.Coord `json:"loc,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	d, err := s.Engine.Heartbeat(r.Context(), mux.Vars(r)["id"], req.Loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": d.ID, "status": d.Status, "last_seen": d.LastSeen})
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.Engine.ListPendingRequests(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list, "count": len(list)})
}

type respondRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.Engine.AcceptRequest(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Engine.RejectRequest(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	var req matcher.BookRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Engine.BookRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Engine.ListRides(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides, "count": len(rides)})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	v, err := s.Engine.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRideByHandle(w http.ResponseWriter, r *http.Request) {
	handle, err := strconv.Atoi(mux.Vars(r)["handle"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "handle must be an integer"})
		return
	}
	v, err := s.Engine.RideByHandle(r.Context(), handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a driver's offer channel open. Pending offers are replayed
// on connect and every inbound frame counts as a heartbeat.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if _, err := s.Engine.GetDriver(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	log := requestLogger(r, s.logger).With("driver_id", id)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "error", err)
		return
	}
	session := s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, session)
		_ = conn.Close()
	}()

	ctx := r.Context()
	if pending, err := s.Engine.ListPendingRequests(ctx, id); err == nil {
		for _, view := range pending {
			if err := s.WSReg.Offer(id, view); err != nil {
				log.Debug("replay offer failed", "error", err)
				break
			}
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hb heartbeatRequest
		_ = json.Unmarshal(data, &hb)
		if _, err := s.Engine.Heartbeat(ctx, id, hb.Loc); err != nil {
			log.Warn("ws heartbeat failed", "error", err)
		}
	}
}
