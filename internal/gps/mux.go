// Package gps reads position fixes from a serial GPS receiver (or a
// recorded trace) and fans them out to subscribers as a
// tracking.PositionSource.
package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/s0uth-cloud/droptimize-driver/internal/geo"
	"github.com/s0uth-cloud/droptimize-driver/internal/monitoring"
	"github.com/s0uth-cloud/droptimize-driver/internal/timeutil"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

var logf = monitoring.Component("gps")

// PositionMux reads lines from a receiver and delivers parsed fixes to
// every subscriber, applying each subscriber's interval and distance
// filters.
type PositionMux struct {
	port    Port
	clock   timeutil.Clock
	restamp bool

	mu          sync.Mutex
	subscribers map[string]*subscription
	last        *tracking.PositionFix
	closing     bool
}

// Option configures a PositionMux.
type Option func(*PositionMux)

// WithClock sets the clock used for restamping.
func WithClock(c timeutil.Clock) Option {
	return func(m *PositionMux) { m.clock = c }
}

// WithRestamp replaces each fix's timestamp with the current time. Used
// when replaying recorded traces.
func WithRestamp() Option {
	return func(m *PositionMux) { m.restamp = true }
}

// NewPositionMux creates a mux reading from port. Call Monitor to start
// reading.
func NewPositionMux(port Port, opts ...Option) *PositionMux {
	m := &PositionMux{
		port:        port,
		clock:       timeutil.RealClock{},
		subscribers: make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSerialPositionMux opens the receiver at path and wraps it in a mux.
func NewSerialPositionMux(path string, opts PortOptions) (*PositionMux, error) {
	port, err := OpenSerial(path, opts)
	if err != nil {
		return nil, err
	}
	return NewPositionMux(port), nil
}

// RequestPermission reports whether the receiver is usable. A serial
// receiver has no permission prompt; a closed mux is treated as denied.
func (m *PositionMux) RequestPermission(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false, tracking.ErrPermissionDenied
	}
	return true, nil
}

// CurrentFix returns the most recent fix, or tracking.ErrNoFix.
func (m *PositionMux) CurrentFix(ctx context.Context) (tracking.PositionFix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return tracking.PositionFix{}, tracking.ErrNoFix
	}
	return *m.last, nil
}

// Subscribe registers a filtered fix stream. The subscription ends when
// Unsubscribe is called, ctx is done or the mux is closed.
func (m *PositionMux) Subscribe(ctx context.Context, opts tracking.SubscribeOptions) (tracking.FixSubscription, error) {
	s := &subscription{
		id:   uuid.NewString(),
		mux:  m,
		opts: opts,
		ch:   make(chan tracking.PositionFix, 8),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, fmt.Errorf("position mux closed")
	}
	m.subscribers[s.id] = s
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s, nil
}

func (m *PositionMux) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subscribers[id]; ok {
		s.endLocked()
		delete(m.subscribers, id)
	}
}

// Publish delivers fix to subscribers as if it had been read from the port.
func (m *PositionMux) Publish(fix tracking.PositionFix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	f := fix
	m.last = &f
	for _, s := range m.subscribers {
		if !s.accept(fix) {
			continue
		}
		select {
		case s.ch <- fix:
		default:
			// Subscriber is behind; drop rather than block the reader.
		}
	}
}

// Monitor reads lines from the port until ctx is done or the port returns
// an error, publishing every parsed fix.
func (m *PositionMux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			fix, ok, err := ParseLine(line)
			if err != nil {
				logf("skipping line: %v", err)
				continue
			}
			if !ok {
				continue
			}
			if m.restamp {
				fix.TimestampMillis = m.clock.Now().UnixMilli()
			}
			m.Publish(fix)
		}
	}
}

// Close ends every subscription and closes the port.
func (m *PositionMux) Close() error {
	m.mu.Lock()
	m.closing = true
	for id, s := range m.subscribers {
		s.endLocked()
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
	return m.port.Close()
}

// AttachAdminRoutes mounts a live tail of parsed fixes at /debug/gps-tail.
func (m *PositionMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("gps-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub, err := m.Subscribe(r.Context(), tracking.SubscribeOptions{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer sub.Unsubscribe()

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for fix := range sub.Fixes() {
			payload, err := json.Marshal(fix)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	})
}

type subscription struct {
	id   string
	mux  *PositionMux
	opts tracking.SubscribeOptions
	ch   chan tracking.PositionFix
	done chan struct{} // closed with ch; stops the ctx watcher

	// Guarded by mux.mu.
	lastSent *tracking.PositionFix
}

func (s *subscription) Fixes() <-chan tracking.PositionFix { return s.ch }

func (s *subscription) Unsubscribe() {
	s.mux.remove(s.id)
}

// endLocked closes the subscription's channels. Called with mux.mu held,
// once, as the subscription leaves the subscriber map.
func (s *subscription) endLocked() {
	close(s.ch)
	close(s.done)
}

// accept applies the interval and distance filters. Called with mux.mu held.
func (s *subscription) accept(fix tracking.PositionFix) bool {
	if prev := s.lastSent; prev != nil {
		if s.opts.MinInterval > 0 && fix.Time().Sub(prev.Time()) < s.opts.MinInterval {
			return false
		}
		if s.opts.MinDistanceMeters > 0 && geo.DistanceMeters(prev.Coordinate(), fix.Coordinate()) < s.opts.MinDistanceMeters {
			return false
		}
	}
	f := fix
	s.lastSent = &f
	return true
}

var _ tracking.PositionSource = (*PositionMux)(nil)

// ReplayPort is a Port that plays back recorded lines at a fixed interval,
// looping at the end. It backs dev mode when no receiver is attached.
type ReplayPort struct {
	lines    []string
	interval time.Duration

	mu      sync.Mutex
	pending []byte
	next    int
	closed  chan struct{}
	once    sync.Once
}

// NewReplayPort returns a port replaying lines every interval.
func NewReplayPort(lines []string, interval time.Duration) *ReplayPort {
	if interval <= 0 {
		interval = time.Second
	}
	return &ReplayPort{lines: lines, interval: interval, closed: make(chan struct{})}
}

func (p *ReplayPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 {
		if len(p.lines) == 0 {
			<-p.closed
			return 0, errPortClosed
		}
		if p.next > 0 {
			p.mu.Unlock()
			select {
			case <-time.After(p.interval):
			case <-p.closed:
				p.mu.Lock()
				return 0, errPortClosed
			}
			p.mu.Lock()
		}
		p.pending = []byte(p.lines[p.next%len(p.lines)] + "\n")
		p.next++
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

var errPortClosed = fmt.Errorf("replay port closed")

// NewReplayMux returns a mux replaying lines with fresh timestamps.
func NewReplayMux(lines []string, interval time.Duration, opts ...Option) *PositionMux {
	return NewPositionMux(NewReplayPort(lines, interval), append([]Option{WithRestamp()}, opts...)...)
}
