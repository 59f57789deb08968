// Package notify is the low-latency, best-effort mirror used for live
// observers: a path addressed key/value tree with child-added subscriptions.
// The durable store stays the source of truth; nothing here is authoritative.
package notify

import (
	"context"
	"encoding/json"
	"strings"
)

// ChildHandler receives the key and current value of a newly added child.
type ChildHandler func(key string, value json.RawMessage)

// Channel is the notify channel contract.
type Channel interface {
	Write(ctx context.Context, path string, value any) error
	// Update merges fields into the object stored at path, creating it if absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Remove deletes path and everything below it.
	Remove(ctx context.Context, path string) error
	// ReadOnce returns the value at path; found is false when nothing is there.
	ReadOnce(ctx context.Context, path string) (value json.RawMessage, found bool, err error)
	// SubscribeChildAdded calls fn for every direct child created under path
	// after the subscription is installed. The returned func detaches it.
	SubscribeChildAdded(ctx context.Context, path string, fn ChildHandler) (unsubscribe func(), err error)
}

// Clean normalises a path: no leading, trailing or doubled slashes.
func Clean(path string) string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Split returns the parent path and last segment of path.
func Split(path string) (parent, key string) {
	path = Clean(path)
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Join concatenates path segments.
func Join(parts ...string) string {
	return Clean(strings.Join(parts, "/"))
}
