package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
)

type fakeSubscription struct {
	ch     chan PositionFix
	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscription) Fixes() <-chan PositionFix { return s.ch }

func (s *fakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakePositions struct {
	mu          sync.Mutex
	granted     bool
	current     *PositionFix
	subs        []*fakeSubscription
	permissions int
}

func newFakePositions(granted bool) *fakePositions {
	return &fakePositions{granted: granted}
}

func (p *fakePositions) RequestPermission(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permissions++
	if !p.granted {
		return false, ErrPermissionDenied
	}
	return true, nil
}

func (p *fakePositions) CurrentFix(ctx context.Context) (PositionFix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return PositionFix{}, ErrNoFix
	}
	return *p.current, nil
}

func (p *fakePositions) Subscribe(ctx context.Context, opts SubscribeOptions) (FixSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSubscription{ch: make(chan PositionFix)}
	p.subs = append(p.subs, s)
	return s, nil
}

func (p *fakePositions) last() *fakeSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) == 0 {
		return nil
	}
	return p.subs[len(p.subs)-1]
}

func (p *fakePositions) subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type locationWrite struct {
	Loc      geo.Coordinate
	SpeedKmh int
	At       time.Time
}

// fakeStore is an in-memory DriverStore and geofence.Source.
type fakeStore struct {
	mu         sync.Mutex
	doc        DriverDocument
	zones      map[string][]geofence.RawZone
	zoneErr    error
	writes     []locationWrite
	violations []Violation
	shifts     []ShiftSummary
	watch      chan DriverDocument
}

func newFakeStore(doc DriverDocument) *fakeStore {
	return &fakeStore{
		doc:   doc,
		zones: make(map[string][]geofence.RawZone),
		watch: make(chan DriverDocument, 8),
	}
}

func (s *fakeStore) ReadDriver(ctx context.Context, driverID string) (DriverDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc, nil
}

func (s *fakeStore) WatchDriver(ctx context.Context, driverID string) (<-chan DriverDocument, error) {
	return s.watch, nil
}

func (s *fakeStore) UpdateDriverLocation(ctx context.Context, driverID string, loc geo.Coordinate, speedKmh int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, locationWrite{Loc: loc, SpeedKmh: speedKmh, At: at})
	return nil
}

func (s *fakeStore) AppendViolation(ctx context.Context, driverID string, v Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
	return nil
}

func (s *fakeStore) RecordShift(ctx context.Context, sum ShiftSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts = append(s.shifts, sum)
	return nil
}

func (s *fakeStore) BranchZones(ctx context.Context, branchID string) ([]geofence.RawZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zoneErr != nil {
		return nil, s.zoneErr
	}
	return s.zones[branchID], nil
}

func (s *fakeStore) locationWrites() []locationWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]locationWrite(nil), s.writes...)
}

func (s *fakeStore) recordedViolations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Violation(nil), s.violations...)
}

func (s *fakeStore) recordedShifts() []ShiftSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ShiftSummary(nil), s.shifts...)
}

// memKV is an in-memory KeyValueStore.
type memKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	failOn string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == m.failOn {
		return errors.New("disk full")
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	spoken []string
	pushed []string
}

func (n *fakeNotifier) Speak(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spoken = append(n.spoken, text)
	return nil
}

func (n *fakeNotifier) Push(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushed = append(n.pushed, title)
	return nil
}

func (n *fakeNotifier) pushes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.pushed...)
}

func (n *fakeNotifier) speeches() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.spoken...)
}

func ptr[T any](v T) *T { return &v }
