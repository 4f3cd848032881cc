package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/s0uth-cloud/droptimize-driver/internal/config"
	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
	"github.com/s0uth-cloud/droptimize-driver/internal/timeutil"
)

// Config holds everything the orchestrator needs besides its collaborators.
type Config struct {
	DriverID              string
	Speed                 SpeedEstimatorConfig
	Detector              DetectorConfig
	Metrics               TripMetricsConfig
	Announcer             AnnouncerConfig
	Index                 geofence.IndexConfig
	AlertBusy             time.Duration
	LocationWriteInterval time.Duration
	Subscribe             SubscribeOptions
	TrackInBackground     bool
	WriteTimeout          time.Duration
}

// ConfigFromTuning builds a Config for driverID from a loaded TrackerConfig.
func ConfigFromTuning(driverID string, cfg *config.TrackerConfig) Config {
	return Config{
		DriverID:              driverID,
		Speed:                 SpeedEstimatorConfigFromTuning(cfg),
		Detector:              DetectorConfigFromTuning(cfg),
		Metrics:               TripMetricsConfigFromTuning(cfg),
		Announcer:             AnnouncerConfigFromTuning(cfg),
		Index:                 geofence.IndexConfigFromTuning(cfg),
		AlertBusy:             cfg.GetAlertBusy(),
		LocationWriteInterval: cfg.GetLocationWriteInterval(),
		Subscribe: SubscribeOptions{
			MinInterval:       cfg.GetSubscribeMinInterval(),
			MinDistanceMeters: cfg.GetSubscribeMinDistanceMeters(),
		},
		TrackInBackground: cfg.GetTrackInBackground(),
		WriteTimeout:      10 * time.Second,
	}
}

// Deps are the orchestrator's external collaborators. Telemetry is optional.
type Deps struct {
	Positions PositionSource
	Drivers   DriverStore
	Zones     geofence.Source
	Local     KeyValueStore
	Notifier  Notifier
	Clock     timeutil.Clock
	Telemetry TelemetrySink
}

// LiveState is the always-current view of the tracker, updated on every fix.
type LiveState struct {
	DriverID         string          `json:"driver_id"`
	Status           DriverStatus    `json:"status"`
	BranchID         string          `json:"branch_id"`
	Tracking         bool            `json:"tracking"`
	PermissionDenied bool            `json:"permission_denied"`
	Location         *geo.Coordinate `json:"location,omitempty"`
	SpeedKmh         int             `json:"speed_kmh"`
	Limit            geofence.Limit  `json:"limit"`
	Zone             *geofence.Zone  `json:"zone,omitempty"`
	Detector         DetectorState   `json:"detector"`
	Shift            *ShiftSnapshot  `json:"shift,omitempty"`
	LastViolation    *Violation      `json:"last_violation,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Orchestrator owns all tracking state for one driver. Every mutation runs
// on the Run goroutine; other goroutines reach it through the exported
// methods, which block until their work has been applied.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	clock timeutil.Clock

	inbox  chan func()
	done   chan struct{}
	hub    *hub
	writes inflight

	// Owned by the Run goroutine.
	runCtx           context.Context
	doc              DriverDocument
	authenticated    bool
	foreground       bool
	inScope          bool
	stopped          bool
	permissionDenied bool
	sub              FixSubscription
	fixes            <-chan PositionFix
	indexLoaded      bool
	lastWrite        time.Time
	alertGuard       busyGuard
	shiftViolations  int
	state            LiveState

	estimator *SpeedEstimator
	index     *geofence.Index
	detector  *ViolationDetector
	announcer *ZoneAnnouncer
	metrics   *TripMetrics
}

// NewOrchestrator wires the tracking components. Call Run to start it.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if cfg.LocationWriteInterval <= 0 {
		cfg.LocationWriteInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		clock:      deps.Clock,
		inbox:      make(chan func()),
		done:       make(chan struct{}),
		hub:        newHub(),
		foreground: true,
		inScope:    true,
		estimator:  NewSpeedEstimator(cfg.Speed),
		index:      geofence.NewIndex(cfg.Index),
		detector:   NewViolationDetector(cfg.Detector),
		announcer:  NewZoneAnnouncer(cfg.Announcer),
		metrics:    NewTripMetrics(cfg.Metrics, deps.Clock, deps.Local),
	}
	o.doc.DriverID = cfg.DriverID
	o.state = LiveState{
		DriverID: cfg.DriverID,
		Limit:    geofence.Limit{Kmh: o.index.GlobalLimit(), Source: geofence.LimitFromGlobal},
		Detector: DetectorIdle,
	}
	return o
}

// Run loads the driver document, restores any crashed shift and processes
// events until ctx is cancelled. Pending writes are flushed before it
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.shutdown()
	o.runCtx = ctx

	recovered, err := o.metrics.Recover(ctx, o.cfg.DriverID)
	if err != nil {
		logf("driver %s: shift recovery failed: %v", o.cfg.DriverID, err)
	} else if recovered {
		snap := o.metrics.Snapshot()
		logf("driver %s: recovered shift %s started %s", o.cfg.DriverID, snap.ShiftID, snap.ShiftStartedAt.Format(time.RFC3339))
	}

	doc, err := o.deps.Drivers.ReadDriver(ctx, o.cfg.DriverID)
	if err != nil {
		logf("driver %s: failed to read driver document: %v", o.cfg.DriverID, err)
	} else {
		o.applyDocument(doc)
	}

	var updates <-chan DriverDocument
	if ch, err := o.deps.Drivers.WatchDriver(ctx, o.cfg.DriverID); err != nil {
		logf("driver %s: failed to watch driver document: %v", o.cfg.DriverID, err)
	} else {
		updates = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-o.inbox:
			fn()
		case doc, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			o.applyDocument(doc)
		case fix, ok := <-o.fixes:
			if !ok {
				logf("driver %s: position stream closed", o.cfg.DriverID)
				o.unsubscribe()
				continue
			}
			o.processFix(fix)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.unsubscribe()
	o.metrics.Persist()
	o.writes.wait()
	o.metrics.Wait()
	o.hub.closeAll()
}

// do runs fn on the Run goroutine and waits for it to finish.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case o.inbox <- func() { defer close(finished); fn() }:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// SetAuthenticated records login state. Logging out tears down tracking.
func (o *Orchestrator) SetAuthenticated(ctx context.Context, authenticated bool) error {
	return o.do(ctx, func() {
		o.authenticated = authenticated
		o.reevaluate()
	})
}

// SetForeground records whether the app is in the foreground. Going to the
// background persists the shift snapshot immediately.
func (o *Orchestrator) SetForeground(ctx context.Context, foreground bool) error {
	return o.do(ctx, func() {
		if !foreground {
			o.metrics.Persist()
		} else if !o.foreground {
			o.permissionDenied = false
		}
		o.foreground = foreground
		o.reevaluate()
	})
}

// SetTrackingScope records whether the visible screen is one that tracks,
// as opposed to login or splash.
func (o *Orchestrator) SetTrackingScope(ctx context.Context, inScope bool) error {
	return o.do(ctx, func() {
		o.inScope = inScope
		o.reevaluate()
	})
}

// StartTracking clears an explicit stop and retries a denied permission.
func (o *Orchestrator) StartTracking(ctx context.Context) error {
	return o.do(ctx, func() {
		o.stopped = false
		o.permissionDenied = false
		o.reevaluate()
	})
}

// StopTracking tears down the position subscription until StartTracking.
func (o *Orchestrator) StopTracking(ctx context.Context) error {
	return o.do(ctx, func() {
		o.stopped = true
		o.reevaluate()
	})
}

// ApplyDriverDocument folds a driver document change into the tracker, as
// if it had arrived from the store's watch stream.
func (o *Orchestrator) ApplyDriverDocument(ctx context.Context, doc DriverDocument) error {
	return o.do(ctx, func() { o.applyDocument(doc) })
}

// HandleFix processes one fix to completion, bypassing the subscription.
func (o *Orchestrator) HandleFix(ctx context.Context, fix PositionFix) error {
	return o.do(ctx, func() { o.processFix(fix) })
}

// State returns a copy of the live state.
func (o *Orchestrator) State(ctx context.Context) (LiveState, error) {
	var st LiveState
	err := o.do(ctx, func() { st = o.snapshotState() })
	return st, err
}

// Zones returns the zones loaded for the driver's branch.
func (o *Orchestrator) Zones(ctx context.Context) ([]geofence.Zone, error) {
	var zones []geofence.Zone
	err := o.do(ctx, func() { zones = o.index.Zones() })
	return zones, err
}

// Shift returns the running shift, or false when the driver is not
// delivering.
func (o *Orchestrator) Shift(ctx context.Context) (ShiftSnapshot, bool, error) {
	var (
		snap   ShiftSnapshot
		active bool
	)
	err := o.do(ctx, func() {
		active = o.metrics.Active()
		if active {
			snap = o.metrics.Snapshot()
		}
	})
	return snap, active, err
}

// Flush waits for every write issued so far to complete.
func (o *Orchestrator) Flush(ctx context.Context) error {
	if err := o.do(ctx, func() {}); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	o.writes.wait()
	o.metrics.Wait()
	return nil
}

// Subscribe registers for live updates. The channel is closed by
// Unsubscribe or when Run exits.
func (o *Orchestrator) Subscribe() (string, <-chan Update) {
	return o.hub.subscribe()
}

// Unsubscribe removes a live update subscriber.
func (o *Orchestrator) Unsubscribe(id string) {
	o.hub.unsubscribe(id)
}

func (o *Orchestrator) permitted() bool {
	if !o.authenticated || !o.inScope || o.stopped {
		return false
	}
	return o.foreground || (o.cfg.TrackInBackground && o.doc.Status == StatusDelivering)
}

// reevaluate subscribes or tears down so the subscription matches the
// current permissions.
func (o *Orchestrator) reevaluate() {
	want := o.permitted()
	switch {
	case want && o.sub == nil && !o.permissionDenied:
		o.subscribe()
	case !want && o.sub != nil:
		o.unsubscribe()
	}
	o.state.Tracking = o.sub != nil
	o.state.PermissionDenied = o.permissionDenied
}

func (o *Orchestrator) subscribe() {
	ctx := o.runCtx
	granted, err := o.deps.Positions.RequestPermission(ctx)
	if err != nil && !errors.Is(err, ErrPermissionDenied) {
		logf("driver %s: location permission request failed: %v", o.cfg.DriverID, err)
	}
	if !granted {
		o.permissionDenied = true
		o.notify("push permission alert", func(ctx context.Context, n Notifier) error {
			return n.Push(ctx, "Location permission required", "Allow location access so your deliveries can be tracked.")
		})
		return
	}

	if fix, err := o.deps.Positions.CurrentFix(ctx); err == nil {
		o.estimator.Prime(fix)
	} else if !errors.Is(err, ErrNoFix) {
		logf("driver %s: failed to read current fix: %v", o.cfg.DriverID, err)
	}

	sub, err := o.deps.Positions.Subscribe(ctx, o.cfg.Subscribe)
	if err != nil {
		logf("driver %s: failed to subscribe to positions: %v", o.cfg.DriverID, err)
		return
	}
	o.sub = sub
	o.fixes = sub.Fixes()
	logf("driver %s: tracking started", o.cfg.DriverID)
}

// unsubscribe drops the position stream and any pending grace period so no
// stale fix is processed after teardown.
func (o *Orchestrator) unsubscribe() {
	if o.sub == nil {
		return
	}
	o.sub.Unsubscribe()
	o.sub = nil
	o.fixes = nil
	o.detector.Reset()
	o.announcer.Reset()
	o.estimator.Reset()
	o.metrics.Persist()
	o.state.Tracking = false
	logf("driver %s: tracking stopped", o.cfg.DriverID)
}

func (o *Orchestrator) applyDocument(doc DriverDocument) {
	if doc.DriverID == "" {
		doc.DriverID = o.cfg.DriverID
	}
	prev := o.doc
	o.doc = doc
	o.state.Status = doc.Status
	o.state.BranchID = doc.BranchID

	if !o.indexLoaded || doc.BranchID != prev.BranchID {
		o.loadZones(doc.BranchID)
	}

	switch {
	case doc.Status == StatusDelivering && !o.metrics.Active():
		o.metrics.Start(o.cfg.DriverID, o.shiftStartLocation(doc))
		o.shiftViolations = 0
		logf("driver %s: shift started", o.cfg.DriverID)
	case doc.Status != StatusDelivering && o.metrics.Active():
		o.endShift()
	}
	if doc.Status != StatusDelivering {
		o.detector.Reset()
	}
	o.reevaluate()
}

// shiftStartLocation picks the first segment's origin: the device's current
// fix, then the last processed fix, then the document's stored location.
func (o *Orchestrator) shiftStartLocation(doc DriverDocument) *geo.Coordinate {
	if o.deps.Positions != nil {
		ctx, cancel := context.WithTimeout(o.runCtx, o.cfg.WriteTimeout)
		defer cancel()
		fix, err := o.deps.Positions.CurrentFix(ctx)
		if err == nil && fix.Coordinate().Valid() {
			c := fix.Coordinate()
			return &c
		}
		if err != nil && !errors.Is(err, ErrNoFix) {
			logf("driver %s: failed to read current fix for shift start: %v", o.cfg.DriverID, err)
		}
	}
	if o.state.Location != nil {
		c := *o.state.Location
		return &c
	}
	return doc.Location
}

func (o *Orchestrator) loadZones(branchID string) {
	o.indexLoaded = true
	if o.deps.Zones == nil {
		return
	}
	ctx, cancel := context.WithTimeout(o.runCtx, o.cfg.WriteTimeout)
	defer cancel()
	if err := o.index.Load(ctx, o.deps.Zones, branchID); err != nil {
		logf("driver %s: %v; using global limit only", o.cfg.DriverID, err)
	}
	o.announcer.Reset()
}

func (o *Orchestrator) endShift() {
	snap := o.metrics.Stop()
	summary := ShiftSummary{
		ShiftID:         snap.ShiftID,
		DriverID:        o.cfg.DriverID,
		StartedAt:       snap.ShiftStartedAt,
		EndedAt:         o.clock.Now(),
		DistanceKm:      snap.TotalDistanceKm,
		TopSpeedKmh:     snap.TopSpeedKmh,
		AvgSpeedKmh:     snap.AvgSpeedKmh,
		DurationMinutes: snap.DurationMinutes,
		ViolationCount:  o.shiftViolations,
	}
	o.shiftViolations = 0
	logf("driver %s: shift %s ended after %d min, %.2f km", o.cfg.DriverID, snap.ShiftID, snap.DurationMinutes, snap.TotalDistanceKm)
	o.goWrite("record shift", func(ctx context.Context) error {
		return o.deps.Drivers.RecordShift(ctx, summary)
	})
}

// processFix runs one fix through the pipeline in dependency order.
func (o *Orchestrator) processFix(fix PositionFix) {
	coord := fix.Coordinate()
	if !coord.Valid() {
		logf("driver %s: dropping fix with invalid position %v", o.cfg.DriverID, coord)
		return
	}
	now := o.clock.Now()

	speed := o.estimator.Estimate(fix)
	limit, zone := o.index.LimitAt(coord)

	out := o.detector.Observe(Tick{
		Status:     o.doc.Status,
		Coordinate: coord,
		SpeedKmh:   speed,
		Zone:       zone,
		LimitKmh:   limit.Kmh,
		At:         now,
	})
	switch {
	case out.Emit():
		o.emitViolation(*out.Confirmation)
	case out.Suppressed:
		logf("driver %s: violation in %s suppressed by cooldown", o.cfg.DriverID, out.Confirmation.Session.ZoneKey)
	}

	if a := o.announcer.OnZone(zone, now); a != nil {
		if a.Spoken {
			text := a.Text
			o.notify("speak announcement", func(ctx context.Context, n Notifier) error {
				return n.Speak(ctx, text)
			})
		}
		o.hub.publish(Update{Type: "announcement", Announcement: a})
	}

	o.metrics.OnFix(speed, coord)

	loc := coord
	o.state.Location = &loc
	o.state.SpeedKmh = speed
	o.state.Limit = limit
	o.state.Zone = zone
	o.state.Detector = o.detector.State()
	o.state.UpdatedAt = now
	st := o.snapshotState()
	o.hub.publish(Update{Type: "fix", State: &st})

	if o.lastWrite.IsZero() || now.Sub(o.lastWrite) >= o.cfg.LocationWriteInterval {
		// Set before the write so a slow write cannot let a second one through.
		o.lastWrite = now
		driverID := o.cfg.DriverID
		o.goWrite("update location", func(ctx context.Context) error {
			return o.deps.Drivers.UpdateDriverLocation(ctx, driverID, loc, speed, now)
		})
	}

	if o.deps.Telemetry != nil {
		o.deps.Telemetry.RecordFix(st)
	}
}

func (o *Orchestrator) emitViolation(c Confirmation) {
	v := NewViolation(uuid.New().String(), o.cfg.DriverID, c, o.metrics.Snapshot(), o.index.GlobalLimit())
	logf("driver %s: %s", o.cfg.DriverID, v.Message)

	o.goWrite("append violation", func(ctx context.Context) error {
		return o.deps.Drivers.AppendViolation(ctx, v.DriverID, v)
	})
	if o.alertGuard.TryAcquire(c.At, o.cfg.AlertBusy) {
		o.notify("speak violation", func(ctx context.Context, n Notifier) error {
			return n.Speak(ctx, "Slow down. "+v.Message)
		})
	}
	o.notify("push violation", func(ctx context.Context, n Notifier) error {
		return n.Push(ctx, "Speeding violation recorded", v.Message)
	})

	if o.metrics.Active() {
		o.shiftViolations++
	}
	o.state.LastViolation = &v
	o.hub.publish(Update{Type: "violation", Violation: &v})
	if o.deps.Telemetry != nil {
		o.deps.Telemetry.RecordViolation(v)
	}
}

func (o *Orchestrator) snapshotState() LiveState {
	st := o.state
	if o.metrics.Active() {
		snap := o.metrics.Snapshot()
		st.Shift = &snap
	}
	return st
}

// goWrite runs a best-effort remote write off the Run goroutine.
func (o *Orchestrator) goWrite(name string, fn func(ctx context.Context) error) {
	finish := o.writes.start()
	go func() {
		defer finish()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logf("driver %s: %s failed: %v", o.cfg.DriverID, name, err)
		}
	}()
}

func (o *Orchestrator) notify(name string, fn func(ctx context.Context, n Notifier) error) {
	if o.deps.Notifier == nil {
		return
	}
	n := o.deps.Notifier
	o.goWrite(name, func(ctx context.Context) error { return fn(ctx, n) })
}
