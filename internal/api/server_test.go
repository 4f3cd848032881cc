package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0uth-cloud/droptimize-driver/internal/db"
	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

type fakeTracker struct {
	mu         sync.Mutex
	state      tracking.LiveState
	shift      *tracking.ShiftSnapshot
	started    int
	stopped    int
	foreground []bool
	err        error
	updates    chan tracking.Update
	unsubbed   chan string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		state: tracking.LiveState{
			DriverID: "driver-1",
			Status:   tracking.StatusDelivering,
			Tracking: true,
			Location: &geo.Coordinate{Lat: 14.5995, Lng: 120.9842},
			SpeedKmh: 36,
			Limit:    geofence.Limit{Kmh: 20, Source: geofence.LimitFromCategory},
		},
		updates:  make(chan tracking.Update, 4),
		unsubbed: make(chan string, 1),
	}
}

func (f *fakeTracker) State(ctx context.Context) (tracking.LiveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *fakeTracker) Shift(ctx context.Context) (tracking.ShiftSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shift == nil {
		return tracking.ShiftSnapshot{}, false, f.err
	}
	return *f.shift, true, f.err
}

func (f *fakeTracker) StartTracking(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.err
}

func (f *fakeTracker) StopTracking(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return f.err
}

func (f *fakeTracker) SetForeground(ctx context.Context, foreground bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = append(f.foreground, foreground)
	return f.err
}

func (f *fakeTracker) Subscribe() (string, <-chan tracking.Update) { return "sub-1", f.updates }
func (f *fakeTracker) Unsubscribe(id string) { f.unsubbed <- id }

type fakeRecords struct {
	status     map[string]tracking.DriverStatus
	branch     map[string]string
	violations []tracking.Violation
	acked      []string
	lastLimit  int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{status: map[string]tracking.DriverStatus{}, branch: map[string]string{}}
}

func (f *fakeRecords) SetDriverStatus(ctx context.Context, driverID string, status tracking.DriverStatus) error {
	f.status[driverID] = status
	return nil
}

func (f *fakeRecords) SetDriverBranch(ctx context.Context, driverID, branchID string) error {
	f.branch[driverID] = branchID
	return nil
}

func (f *fakeRecords) ListViolations(ctx context.Context, driverID string, limit int) ([]tracking.Violation, error) {
	f.lastLimit = limit
	return f.violations, nil
}

func (f *fakeRecords) AcknowledgeViolation(ctx context.Context, driverID, violationID string) error {
	for _, v := range f.violations {
		if v.ID == violationID {
			f.acked = append(f.acked, violationID)
			return nil
		}
	}
	return fmt.Errorf("violation %s: %w", violationID, db.ErrNotFound)
}

func setupTestServer(t *testing.T) (*Server, *fakeTracker, *fakeRecords) {
	t.Helper()
	tracker := newFakeTracker()
	records := newFakeRecords()
	return NewServer(tracker, records, "driver-1", "kmph"), tracker, records
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)
	return w
}

func TestServeMux_ReturnsSameMux(t *testing.T) {
	s, _, _ := setupTestServer(t)
	assert.Same(t, s.ServeMux(), s.ServeMux())
}

func TestHandleDriver(t *testing.T) {
	s, tracker, _ := setupTestServer(t)

	t.Run("default units", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/api/driver", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "kmph", resp["units"])
		assert.Equal(t, 36.0, resp["speed"])
		assert.Equal(t, 20.0, resp["speed_limit"])
		assert.Equal(t, "delivering", resp["status"])
	})

	t.Run("mph override", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/api/driver?units=mph", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp driverResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.InDelta(t, 22.4, resp.Speed, 0.01)
	})

	t.Run("invalid units", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/api/driver?units=furlongs", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := serve(s, http.MethodPost, "/api/driver", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("tracker stopped", func(t *testing.T) {
		tracker.err = tracking.ErrStopped
		defer func() { tracker.err = nil }()
		w := serve(s, http.MethodGet, "/api/driver", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHandleDriverStatus(t *testing.T) {
	s, _, records := setupTestServer(t)

	w := serve(s, http.MethodPut, "/api/driver/status", `{"status":"Delivering"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "validator is case-sensitive")

	w = serve(s, http.MethodPut, "/api/driver/status", `{"status":"delivering"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tracking.StatusDelivering, records.status["driver-1"])

	w = serve(s, http.MethodPut, "/api/driver/status", `{"status":"parked"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(s, http.MethodGet, "/api/driver/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleDriverBranch(t *testing.T) {
	s, _, records := setupTestServer(t)

	w := serve(s, http.MethodPut, "/api/driver/branch", `{"branch_id":"makati"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "makati", records.branch["driver-1"])

	w = serve(s, http.MethodPut, "/api/driver/branch", `{"branch_id":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleViolations(t *testing.T) {
	s, _, records := setupTestServer(t)

	w := serve(s, http.MethodGet, "/api/driver/violations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
	assert.Equal(t, defaultViolationLimit, records.lastLimit)

	records.violations = []tracking.Violation{{ID: "v1", DriverID: "driver-1", SpeedKmh: 35}}
	w = serve(s, http.MethodGet, "/api/driver/violations?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, records.lastLimit)
	var got []tracking.Violation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].ID)

	for _, bad := range []string{"0", "-1", "abc", "501"} {
		w = serve(s, http.MethodGet, "/api/driver/violations?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", bad)
	}
}

func TestHandleAcknowledge(t *testing.T) {
	s, _, records := setupTestServer(t)
	records.violations = []tracking.Violation{{ID: "v1"}}

	w := serve(s, http.MethodPost, "/api/driver/violations/ack", `{"violation_id":"v1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"v1"}, records.acked)

	w = serve(s, http.MethodPost, "/api/driver/violations/ack", `{"violation_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(s, http.MethodPost, "/api/driver/violations/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleShift(t *testing.T) {
	s, tracker, _ := setupTestServer(t)

	for _, path := range []string{"/api/shift", "/api/shift/chart", "/api/shift/speed.png"} {
		w := serve(s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	tracker.shift = &tracking.ShiftSnapshot{
		ShiftID:         "shift-1",
		DriverID:        "driver-1",
		TopSpeedKmh:     42,
		TotalDistanceKm: 3.25,
		AvgSpeedKmh:     28,
		ShiftStartedAt:  time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		SpeedReadings:   []int{0, 20, 35, 42, 30, 0},
	}

	w := serve(s, http.MethodGet, "/api/shift", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap tracking.ShiftSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "shift-1", snap.ShiftID)

	w = serve(s, http.MethodGet, "/api/shift/chart", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Shift shift-1")

	w = serve(s, http.MethodGet, "/api/shift/speed.png?units=mph", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"))
}

func TestSpeedPlot_EmptyReadings(t *testing.T) {
	p, err := speedPlot(tracking.ShiftSnapshot{ShiftID: "s"}, "kmph")
	require.NoError(t, err)
	assert.Equal(t, "Shift s", p.Title.Text)
}

func TestHandleTrackingAndAppState(t *testing.T) {
	s, tracker, _ := setupTestServer(t)

	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/api/tracking/start", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/api/tracking/stop", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, http.MethodGet, "/api/tracking/start", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/api/app/background", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/api/app/foreground", "").Code)

	assert.Equal(t, 1, tracker.started)
	assert.Equal(t, 1, tracker.stopped)
	assert.Equal(t, []bool{false, true}, tracker.foreground)
}

func TestHandleLive(t *testing.T) {
	s, tracker, _ := setupTestServer(t)
	srv := httptest.NewServer(s.ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, tracking.Update) {
		var name string
		var u tracking.Update
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &u))
			case line == "" && name != "":
				return name, u
			}
		}
	}

	name, u := readEvent()
	assert.Equal(t, "state", name)
	require.NotNil(t, u.State)
	assert.Equal(t, "driver-1", u.State.DriverID)

	tracker.updates <- tracking.Update{Type: "violation", Violation: &tracking.Violation{ID: "v9"}}
	name, u = readEvent()
	assert.Equal(t, "violation", name)
	require.NotNil(t, u.Violation)
	assert.Equal(t, "v9", u.Violation.ID)

	close(tracker.updates)
	select {
	case id := <-tracker.unsubbed:
		assert.Equal(t, "sub-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("live stream did not unsubscribe after the update channel closed")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	LoggingMiddleware(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Equal(t, "100", statusCodeColor(100))
}
