package store

import "sync"

// changeDispatcher tracks live subscriptions and fans out snapshots after
// writes. Delivery is non-blocking: each subscriber keeps only the latest
// undelivered snapshot, so a slow callback observes a compressed but always
// monotonically-advancing view of its path.
type changeDispatcher struct {
	mu          sync.Mutex
	nextID      int64
	subscribers map[string]map[int64]*subscription
}

type subscription struct {
	id   int64
	path string
	fn   func(any)

	mu      sync.Mutex
	latest  snapshot
	pending bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once

	// lastSeq is touched only by the run goroutine.
	lastSeq uint64
}

type snapshot struct {
	seq   uint64
	value any
}

func newChangeDispatcher() *changeDispatcher {
	return &changeDispatcher{subscribers: make(map[string]map[int64]*subscription)}
}

func (d *changeDispatcher) subscribe(path string, fn func(any)) *subscription {
	d.mu.Lock()
	d.nextID++
	entry := &subscription{
		id:   d.nextID,
		path: path,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if _, ok := d.subscribers[path]; !ok {
		d.subscribers[path] = make(map[int64]*subscription)
	}
	d.subscribers[path][entry.id] = entry
	d.mu.Unlock()

	go entry.run()
	return entry
}

func (d *changeDispatcher) unsubscribe(entry *subscription) {
	d.mu.Lock()
	peers := d.subscribers[entry.path]
	if peers != nil {
		delete(peers, entry.id)
		if len(peers) == 0 {
			delete(d.subscribers, entry.path)
		}
	}
	d.mu.Unlock()
	entry.stop()
}

// affected returns every subscription whose path overlaps a write at path.
func (d *changeDispatcher) affected(path string) []*subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	var matched []*subscription
	for subscribedPath, peers := range d.subscribers {
		if !pathsRelated(subscribedPath, path) {
			continue
		}
		for _, entry := range peers {
			matched = append(matched, entry)
		}
	}
	return matched
}

func (s *subscription) deliver(seq uint64, value any) {
	s.mu.Lock()
	if s.pending && seq < s.latest.seq {
		s.mu.Unlock()
		return
	}
	s.latest = snapshot{seq: seq, value: value}
	s.pending = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		if !s.pending {
			s.mu.Unlock()
			continue
		}
		current := s.latest
		s.pending = false
		s.mu.Unlock()

		if current.seq < s.lastSeq {
			continue
		}
		s.lastSeq = current.seq
		s.fn(current.value)
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}
