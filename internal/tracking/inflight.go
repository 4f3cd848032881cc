package tracking

import "sync"

// inflight tracks running background work. Unlike sync.WaitGroup, start
// may be called concurrently with wait, and wait only covers work started
// before it was called.
type inflight struct {
	mu      sync.Mutex
	next    uint64
	running map[uint64]chan struct{}
}

// start registers one unit of work and returns the func that finishes it.
func (f *inflight) start() (finish func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	if f.running == nil {
		f.running = make(map[uint64]chan struct{})
	}
	id := f.next
	f.next++
	f.running[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.running, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// wait blocks until all work started before the call has finished.
func (f *inflight) wait() {
	f.mu.Lock()
	pending := make([]chan struct{}, 0, len(f.running))
	for _, ch := range f.running {
		pending = append(pending, ch)
	}
	f.mu.Unlock()
	for _, ch := range pending {
		<-ch
	}
}
