package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps the whole document tree in process memory. It is the
// reference implementation of the Store contract and the default test
// double for the repositories.
type MemoryStore struct {
	mu         sync.Mutex
	root       map[string]any
	keys       KeyGenerator
	dispatcher *changeDispatcher
	seq        uint64
}

// NewMemoryStore constructs an empty in-memory tree.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root:       make(map[string]any),
		keys:       NewULIDGenerator(),
		dispatcher: newChangeDispatcher(),
	}
}

// Get returns a deep copy of the value at path.
func (m *MemoryStore) Get(_ context.Context, path string) (any, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := lookup(m.root, segments)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return copyValue(value), nil
}

// Set overwrites the subtree at path.
func (m *MemoryStore) Set(_ context.Context, path string, value any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	parent := descend(m.root, segments[:len(segments)-1])
	parent[segments[len(segments)-1]] = normalized
	deliveries := m.snapshotLocked(path)
	m.mu.Unlock()

	dispatch(deliveries)
	return nil
}

// Merge applies a shallow field update at path, creating the node when
// absent. Field keys containing slashes address nested children.
func (m *MemoryStore) Merge(_ context.Context, path string, fields map[string]any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		entry, err := normalizeValue(value)
		if err != nil {
			return err
		}
		if _, err := SplitPath(key); err != nil {
			return err
		}
		normalized[key] = entry
	}

	m.mu.Lock()
	node := descend(m.root, segments)
	for key, value := range normalized {
		fieldSegments := strings.Split(key, "/")
		target := descend(node, fieldSegments[:len(fieldSegments)-1])
		target[fieldSegments[len(fieldSegments)-1]] = value
	}
	deliveries := m.snapshotLocked(path)
	m.mu.Unlock()

	dispatch(deliveries)
	return nil
}

// AppendChild issues a fresh child key under path.
func (m *MemoryStore) AppendChild(_ context.Context, path string) (string, error) {
	if _, err := SplitPath(path); err != nil {
		return "", err
	}
	return m.keys.NewKey()
}

// Subscribe registers fn for the subtree at path and immediately delivers
// the current value (nil when absent).
func (m *MemoryStore) Subscribe(path string, fn func(any)) (func(), error) {
	segments, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	entry := m.dispatcher.subscribe(path, fn)

	m.mu.Lock()
	m.seq++
	seq := m.seq
	value, ok := lookup(m.root, segments)
	var current any
	if ok {
		current = copyValue(value)
	}
	m.mu.Unlock()

	entry.deliver(seq, current)
	return func() {
		m.dispatcher.unsubscribe(entry)
	}, nil
}

type delivery struct {
	target *subscription
	seq    uint64
	value  any
}

// snapshotLocked captures post-write values for every affected subscriber.
// Caller holds m.mu.
func (m *MemoryStore) snapshotLocked(path string) []delivery {
	affected := m.dispatcher.affected(path)
	if len(affected) == 0 {
		return nil
	}
	m.seq++
	seq := m.seq
	deliveries := make([]delivery, 0, len(affected))
	for _, entry := range affected {
		segments, err := SplitPath(entry.path)
		if err != nil {
			continue
		}
		var current any
		if value, ok := lookup(m.root, segments); ok {
			current = copyValue(value)
		}
		deliveries = append(deliveries, delivery{target: entry, seq: seq, value: current})
	}
	return deliveries
}

func dispatch(deliveries []delivery) {
	for _, entry := range deliveries {
		entry.target.deliver(entry.seq, entry.value)
	}
}

// lookup walks the tree without copying.
func lookup(root map[string]any, segments []string) (any, bool) {
	var current any = root
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// descend walks to the map at segments, replacing non-map nodes along the way.
func descend(root map[string]any, segments []string) map[string]any {
	current := root
	for _, segment := range segments {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	return current
}
