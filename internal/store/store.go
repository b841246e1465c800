// Package store exposes the hierarchical document tree every repository
// reads and writes. Values are addressed by slash-separated paths and the
// store offers only per-path last-write-wins semantics: no transactions,
// no compare-and-swap, no atomicity across paths.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a read targeted a path with no value.
	ErrNotFound = errors.New("store: value not found")
	// ErrWriteFailed indicates the underlying store rejected or failed a write.
	ErrWriteFailed = errors.New("store: write failed")
	// ErrInvalidPath indicates a malformed slash path.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrInvalidValue indicates a value that cannot be represented as a document.
	ErrInvalidValue = errors.New("store: invalid value")
)

// Store is the adapter contract over the shared document tree.
type Store interface {
	// Get returns the full value at path or ErrNotFound.
	Get(ctx context.Context, path string) (any, error)
	// Set overwrites the entire subtree at path.
	Set(ctx context.Context, path string, value any) error
	// Merge applies a shallow field update at path without disturbing
	// sibling fields. Field keys may contain slashes to address nested
	// children ("readBy/user-1").
	Merge(ctx context.Context, path string, fields map[string]any) error
	// AppendChild reserves a globally-unique, lexicographically-monotonic
	// child key under path. The caller writes path/key afterwards.
	AppendChild(ctx context.Context, path string) (string, error)
	// Subscribe delivers the full current value at path immediately and
	// after every write touching the subtree. The returned cancel function
	// is idempotent.
	Subscribe(path string, fn func(value any)) (func(), error)
}

// Join builds a slash path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath validates a slash path and returns its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// pathsRelated reports whether a write at one path is visible from a
// subscription at the other.
func pathsRelated(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// Encode converts a document struct into the map form the store persists.
func Encode(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return doc, nil
}

// Decode converts a stored value back into a typed document.
func Decode(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// normalizeValue reduces arbitrary input to the JSON-compatible shapes the
// tree stores (maps, slices, strings, float64, bool, nil).
func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return normalized, nil
}

// copyValue deep-copies a normalized value so callers never alias the tree.
func copyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		duplicate := make(map[string]any, len(typed))
		for key, entry := range typed {
			duplicate[key] = copyValue(entry)
		}
		return duplicate
	case []any:
		duplicate := make([]any, len(typed))
		for index, entry := range typed {
			duplicate[index] = copyValue(entry)
		}
		return duplicate
	default:
		return typed
	}
}
