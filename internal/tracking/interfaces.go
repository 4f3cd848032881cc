package tracking

import (
	"context"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
)

// SubscribeOptions filters the fixes delivered by a PositionSource.
type SubscribeOptions struct {
	MinInterval       time.Duration
	MinDistanceMeters float64
}

// FixSubscription is a live stream of fixes. Unsubscribe must not block.
type FixSubscription interface {
	Fixes() <-chan PositionFix
	Unsubscribe()
}

// PositionSource is the device location service.
type PositionSource interface {
	RequestPermission(ctx context.Context) (bool, error)
	CurrentFix(ctx context.Context) (PositionFix, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (FixSubscription, error)
}

// DriverStore is the remote per-driver document store. Writes are
// best-effort; callers log and drop failures.
type DriverStore interface {
	ReadDriver(ctx context.Context, driverID string) (DriverDocument, error)
	// WatchDriver streams the document every time it changes. The channel
	// is closed when ctx is cancelled.
	WatchDriver(ctx context.Context, driverID string) (<-chan DriverDocument, error)
	UpdateDriverLocation(ctx context.Context, driverID string, loc geo.Coordinate, speedKmh int, at time.Time) error
	AppendViolation(ctx context.Context, driverID string, v Violation) error
	RecordShift(ctx context.Context, s ShiftSummary) error
}

// KeyValueStore is durable local storage that survives process restart.
type KeyValueStore interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
}

// Notifier speaks text and raises push notifications. Both are
// fire-and-forget.
type Notifier interface {
	Speak(ctx context.Context, text string) error
	Push(ctx context.Context, title, body string) error
}

// TelemetrySink receives a copy of every processed fix and emitted
// violation, for time-series storage. Implementations must not block.
type TelemetrySink interface {
	RecordFix(state LiveState)
	RecordViolation(v Violation)
}
