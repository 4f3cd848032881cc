// Package api serves the driver-facing HTTP interface: live tracking state,
// status changes, violation history and shift charts.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/s0uth-cloud/droptimize-driver/internal/monitoring"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
	"github.com/s0uth-cloud/droptimize-driver/internal/units"
)

var logf = monitoring.Component("api")

// Tracker is the slice of *tracking.Orchestrator the handlers drive.
type Tracker interface {
	State(ctx context.Context) (tracking.LiveState, error)
	Shift(ctx context.Context) (tracking.ShiftSnapshot, bool, error)
	StartTracking(ctx context.Context) error
	StopTracking(ctx context.Context) error
	SetForeground(ctx context.Context, foreground bool) error
	Subscribe() (string, <-chan tracking.Update)
	Unsubscribe(id string)
}

// DriverRecords is the driver document store as seen by the dispatcher
// side of the app. Status and branch writes reach the tracker through the
// store's watch stream, not directly.
type DriverRecords interface {
	SetDriverStatus(ctx context.Context, driverID string, status tracking.DriverStatus) error
	SetDriverBranch(ctx context.Context, driverID, branchID string) error
	ListViolations(ctx context.Context, driverID string, limit int) ([]tracking.Violation, error)
	AcknowledgeViolation(ctx context.Context, driverID, violationID string) error
}

type Server struct {
	tracker  Tracker
	records  DriverRecords
	driverID string
	units    string

	muxOnce sync.Once
	mux     *http.ServeMux
}

// NewServer builds a server for a single driver. Speeds are reported in
// displayUnits unless a request overrides them with ?units=.
func NewServer(tracker Tracker, records DriverRecords, driverID, displayUnits string) *Server {
	if !units.IsValid(displayUnits) {
		displayUnits = units.KMPH
	}
	return &Server{
		tracker:  tracker,
		records:  records,
		driverID: driverID,
		units:    displayUnits,
	}
}

// ServeMux returns the server's routes. Repeated calls return the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	s.muxOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/driver", s.handleDriver)
		mux.HandleFunc("/api/driver/status", s.handleDriverStatus)
		mux.HandleFunc("/api/driver/branch", s.handleDriverBranch)
		mux.HandleFunc("/api/driver/violations", s.handleViolations)
		mux.HandleFunc("/api/driver/violations/ack", s.handleAcknowledge)
		mux.HandleFunc("/api/shift", s.handleShift)
		mux.HandleFunc("/api/shift/chart", s.handleShiftChart)
		mux.HandleFunc("/api/shift/speed.png", s.handleShiftPNG)
		mux.HandleFunc("/api/tracking/start", s.handleTracking(true))
		mux.HandleFunc("/api/tracking/stop", s.handleTracking(false))
		mux.HandleFunc("/api/app/foreground", s.handleAppState(true))
		mux.HandleFunc("/api/app/background", s.handleAppState(false))
		mux.HandleFunc("/api/live", s.handleLive)
		s.mux = mux
	})
	return s.mux
}
