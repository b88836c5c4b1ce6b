package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
)

func (s *Server) handleCreateCoupon(w http.ResponseWriter, r *http.Request) {
	var c models.Coupon
	if !s.decode(w, r, &c) {
		return
	}
	out, err := s.Coupons.Create(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type validateCouponRequest struct {
	UserID   string  `json:"user_id"`
	Code     string  `json:"code"`
	Fare     float64 `json:"fare"`
	Location string  `json:"location,omitempty"`
}

// handleValidateCoupon previews a coupon without reserving it.
func (s *Server) handleValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Code == "" || req.Fare < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id, code and a non-negative fare are required"})
		return
	}
	ev, err := s.Coupons.Check(r.Context(), req.UserID, req.Code, req.Fare, req.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAvailableCoupons(w http.ResponseWriter, r *http.Request) {
	list, err := s.Coupons.Available(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("location"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coupons": list, "count": len(list)})
}

func (s *Server) handleCreateMerchant(w http.ResponseWriter, r *http.Request) {
	var m models.Merchant
	if !s.decode(w, r, &m) {
		return
	}
	out, err := s.Coupons.CreateMerchant(r.Context(), m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleCreateMerchantCoupon(w http.ResponseWriter, r *http.Request) {
	var c models.MerchantCoupon
	if !s.decode(w, r, &c) {
		return
	}
	c.MerchantID = mux.Vars(r)["id"]
	out, err := s.Coupons.CreateMerchantCoupon(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleNearbyMerchantCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lon query parameters are required"})
		return
	}
	list, err := s.Coupons.Nearby(r.Context(), mux.Vars(r)["id"], models.Coord{Lat: lat, Lon: lon})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coupons": list, "count": len(list)})
}

type redeemRequest struct {
	UserID string `json:"user_id"`
	RideID string `json:"ride_id"`
}

func (s *Server) handleRedeemMerchantCoupon(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !s.decode(w, r, &req) {
		return
	}
	red, err := s.Coupons.RedeemMerchant(r.Context(), req.UserID, mux.Vars(r)["id"], req.RideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, red)
}
