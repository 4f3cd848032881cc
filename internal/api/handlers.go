package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/s0uth-cloud/droptimize-driver/internal/db"
	"github.com/s0uth-cloud/droptimize-driver/internal/httputil"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
	"github.com/s0uth-cloud/droptimize-driver/internal/units"
)

const (
	defaultViolationLimit = 50
	maxViolationLimit     = 500
)

// driverResponse is the live state with speeds converted to display units.
type driverResponse struct {
	tracking.LiveState
	Speed      float64 `json:"speed"`
	SpeedLimit float64 `json:"speed_limit"`
	Units      string  `json:"units"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=available delivering offline"`
}

type branchRequest struct {
	BranchID string `json:"branch_id" validate:"required,max=128"`
}

type ackRequest struct {
	ViolationID string `json:"violation_id" validate:"required"`
}

// unitsFor returns the display units for r, honouring a ?units= override.
func (s *Server) unitsFor(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid units %q", u)
	}
	return u, nil
}

func convert(kmh int, target string) float64 {
	return math.Round(units.FromKmh(float64(kmh), target)*10) / 10
}

// writeTrackerError maps orchestrator errors onto status codes.
func writeTrackerError(w http.ResponseWriter, err error) {
	if errors.Is(err, tracking.ErrStopped) {
		httputil.ServiceUnavailable(w, "tracker is not running")
		return
	}
	httputil.InternalServerError(w, err.Error())
}

func (s *Server) handleDriver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	target, err := s.unitsFor(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	st, err := s.tracker.State(r.Context())
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, driverResponse{
		LiveState:  st,
		Speed:      convert(st.SpeedKmh, target),
		SpeedLimit: convert(st.Limit.Kmh, target),
		Units:      target,
	})
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		httputil.MethodNotAllowed(w)
		return
	}
	var req statusRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	status, err := tracking.ParseDriverStatus(req.Status)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.records.SetDriverStatus(r.Context(), s.driverID, status); err != nil {
		writeStoreError(w, "failed to update status", err)
		return
	}
	logf("driver %s status set to %s", s.driverID, status)
	httputil.WriteJSONOK(w, map[string]string{"status": status.String()})
}

func (s *Server) handleDriverBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		httputil.MethodNotAllowed(w)
		return
	}
	var req branchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.records.SetDriverBranch(r.Context(), s.driverID, req.BranchID); err != nil {
		writeStoreError(w, "failed to update branch", err)
		return
	}
	logf("driver %s branch set to %s", s.driverID, req.BranchID)
	httputil.WriteJSONOK(w, map[string]string{"branch_id": req.BranchID})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := defaultViolationLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxViolationLimit {
			httputil.BadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxViolationLimit))
			return
		}
		limit = parsed
	}
	violations, err := s.records.ListViolations(r.Context(), s.driverID, limit)
	if err != nil {
		writeStoreError(w, "failed to list violations", err)
		return
	}
	if violations == nil {
		violations = []tracking.Violation{}
	}
	httputil.WriteJSONOK(w, violations)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req ackRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.records.AcknowledgeViolation(r.Context(), s.driverID, req.ViolationID); err != nil {
		writeStoreError(w, "failed to acknowledge violation", err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"violation_id": req.ViolationID, "confirmed": true})
}

func writeStoreError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, fmt.Sprintf("%s: %v", msg, err))
}

func (s *Server) handleShift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap, ok := s.activeShift(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, snap)
}

// activeShift fetches the running shift, writing the error response and
// returning false when there is none.
func (s *Server) activeShift(w http.ResponseWriter, r *http.Request) (tracking.ShiftSnapshot, bool) {
	snap, active, err := s.tracker.Shift(r.Context())
	if err != nil {
		writeTrackerError(w, err)
		return snap, false
	}
	if !active {
		httputil.NotFound(w, "no active shift")
		return snap, false
	}
	return snap, true
}

func (s *Server) handleTracking(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		var err error
		if start {
			err = s.tracker.StartTracking(r.Context())
		} else {
			err = s.tracker.StopTracking(r.Context())
		}
		if err != nil {
			writeTrackerError(w, err)
			return
		}
		s.writeState(w, r)
	}
}

func (s *Server) handleAppState(foreground bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := s.tracker.SetForeground(r.Context(), foreground); err != nil {
			writeTrackerError(w, err)
			return
		}
		s.writeState(w, r)
	}
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.State(r.Context())
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}
