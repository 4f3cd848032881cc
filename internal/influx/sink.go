// Package influx mirrors processed fixes and violations into InfluxDB for
// fleet dashboards.
package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/s0uth-cloud/droptimize-driver/internal/monitoring"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

var logf = monitoring.Component("influx")

const (
	MeasurementFix       = "driver_fix"
	MeasurementViolation = "overspeed_violation"
)

// Config holds the InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink is a non-blocking tracking.TelemetrySink. Points are batched by the
// client and write errors are logged.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
}

// NewSink connects to InfluxDB and checks the server is healthy.
func NewSink(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, org and bucket are required")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health check failed: %w", err)
	}
	logf("connected to InfluxDB at %s (status %s)", cfg.URL, health.Status)

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logf("write failed: %v", err)
		}
	}()
	return &Sink{client: client, writer: writeAPI}, nil
}

func newSinkWithWriter(w pointWriter) *Sink {
	return &Sink{writer: w}
}

// FixPoint converts a live state snapshot into a driver_fix point. States
// without a location produce nil.
func FixPoint(state tracking.LiveState) *write.Point {
	if state.Location == nil {
		return nil
	}
	tags := map[string]string{
		"driver_id":    state.DriverID,
		"branch_id":    state.BranchID,
		"status":       state.Status.String(),
		"limit_source": string(state.Limit.Source),
	}
	if state.Zone != nil {
		tags["zone_id"] = state.Zone.ID
		tags["zone_category"] = state.Zone.Category.String()
	}
	fields := map[string]interface{}{
		"speed_kmh": state.SpeedKmh,
		"limit_kmh": state.Limit.Kmh,
		"lat":       state.Location.Lat,
		"lng":       state.Location.Lng,
		"detector":  string(state.Detector),
		"over":      state.SpeedKmh > state.Limit.Kmh,
	}
	if state.Shift != nil {
		fields["distance_km"] = state.Shift.TotalDistanceKm
		fields["top_speed_kmh"] = state.Shift.TopSpeedKmh
	}
	return write.NewPoint(MeasurementFix, nonEmpty(tags), fields, pointTime(state.UpdatedAt))
}

// ViolationPoint converts a recorded violation into a point.
func ViolationPoint(v tracking.Violation) *write.Point {
	tags := map[string]string{
		"driver_id":     v.DriverID,
		"zone_category": v.ZoneCategory,
		"zone_id":       v.ZoneID,
	}
	fields := map[string]interface{}{
		"violation_id":     v.ID,
		"speed_kmh":        v.SpeedKmh,
		"zone_speed_limit": v.ZoneSpeedLimit,
		"top_speed_kmh":    v.TopSpeedKmh,
		"lat":              v.DriverLocation.Lat,
		"lng":              v.DriverLocation.Lng,
	}
	return write.NewPoint(MeasurementViolation, nonEmpty(tags), fields, pointTime(v.IssuedAt))
}

// nonEmpty drops tags with empty values; line protocol rejects them.
func nonEmpty(tags map[string]string) map[string]string {
	for k, v := range tags {
		if v == "" {
			delete(tags, k)
		}
	}
	return tags
}

func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func (s *Sink) RecordFix(state tracking.LiveState) {
	if p := FixPoint(state); p != nil {
		s.writer.WritePoint(p)
	}
}

func (s *Sink) RecordViolation(v tracking.Violation) {
	s.writer.WritePoint(ViolationPoint(v))
	// Violations are rare; flush so dashboards see them promptly.
	s.writer.Flush()
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}

var _ tracking.TelemetrySink = (*Sink)(nil)
