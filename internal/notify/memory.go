package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Channel. Leaf values are stored by full path and
// interior nodes are assembled on read from the children index, which maps
// every existing interior path to its child keys.
type Memory struct {
	mu       sync.RWMutex
	leaves   map[string]json.RawMessage
	children map[string]map[string]struct{}
	subs     map[string]map[int]ChildHandler
	nextID   int
}

// NewMemory creates an empty in-memory channel.
func NewMemory() *Memory {
	return &Memory{
		leaves:   make(map[string]json.RawMessage),
		children: make(map[string]map[string]struct{}),
		subs:     make(map[string]map[int]ChildHandler),
	}
}

type childEvent struct {
	parent string
	key    string
	fns    []ChildHandler
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	path = Clean(path)
	if path == "" {
		return errors.New("notify: empty path")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", path, err)
	}

	m.mu.Lock()
	added := m.newLinksLocked(path)
	m.removeLocked(path)
	for parent, _ := Split(path); parent != ""; parent, _ = Split(parent) {
		delete(m.leaves, parent)
	}
	m.leaves[path] = raw
	m.linkLocked(path)
	events := m.eventsLocked(added)
	m.mu.Unlock()

	m.fire(ctx, events)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	cur, ok, err := m.ReadOnce(ctx, path)
	if err != nil {
		return err
	}

	doc := make(map[string]any)
	if ok {
		dec := json.NewDecoder(bytes.NewReader(cur))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("notify: %s is not an object: %w", path, err)
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	return m.Write(ctx, path, doc)
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	path = Clean(path)
	if path == "" {
		return errors.New("notify: empty path")
	}
	m.mu.Lock()
	m.removeLocked(path)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReadOnce(ctx context.Context, path string) (json.RawMessage, bool, error) {
	path = Clean(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.readLocked(path)
	if !ok {
		return nil, false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("notify: encode %s: %w", path, err)
	}
	return raw, true, nil
}

func (m *Memory) SubscribeChildAdded(ctx context.Context, path string, fn ChildHandler) (func(), error) {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]ChildHandler)
	}
	m.subs[path][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[path], id)
			if len(m.subs[path]) == 0 {
				delete(m.subs, path)
			}
		})
	}, nil
}

// newLinksLocked lists the (parent, key) links that writing path creates.
func (m *Memory) newLinksLocked(path string) [][2]string {
	var links [][2]string
	segs := strings.Split(path, "/")
	for i := range segs {
		node := strings.Join(segs[:i+1], "/")
		if m.existsLocked(node) {
			continue
		}
		links = append(links, [2]string{strings.Join(segs[:i], "/"), segs[i]})
	}
	return links
}

func (m *Memory) existsLocked(path string) bool {
	if _, ok := m.leaves[path]; ok {
		return true
	}
	return len(m.children[path]) > 0
}

// linkLocked records path under each of its ancestors, stopping at the first
// link that already exists.
func (m *Memory) linkLocked(path string) {
	for child := path; child != ""; {
		parent, key := Split(child)
		set := m.children[parent]
		if set == nil {
			set = make(map[string]struct{})
			m.children[parent] = set
		}
		if _, ok := set[key]; ok {
			return
		}
		set[key] = struct{}{}
		child = parent
	}
}

// removeLocked deletes the subtree at path and unlinks ancestors left with
// no children and no value.
func (m *Memory) removeLocked(path string) {
	m.dropSubtreeLocked(path)
	for child := path; child != ""; {
		parent, key := Split(child)
		set := m.children[parent]
		delete(set, key)
		if len(set) > 0 {
			return
		}
		delete(m.children, parent)
		if _, leaf := m.leaves[parent]; leaf {
			return
		}
		child = parent
	}
}

func (m *Memory) dropSubtreeLocked(path string) {
	delete(m.leaves, path)
	for key := range m.children[path] {
		m.dropSubtreeLocked(Join(path, key))
	}
	delete(m.children, path)
}

func (m *Memory) readLocked(path string) (any, bool) {
	if raw, ok := m.leaves[path]; ok {
		return raw, true
	}
	kids := m.children[path]
	if len(kids) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(kids))
	for c := range kids {
		v, _ := m.readLocked(Join(path, c))
		out[c] = v
	}
	return out, true
}

// Len reports how many leaf values are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.leaves)
}

func (m *Memory) eventsLocked(links [][2]string) []childEvent {
	var events []childEvent
	for _, l := range links {
		subs := m.subs[l[0]]
		if len(subs) == 0 {
			continue
		}
		ids := make([]int, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fns := make([]ChildHandler, len(ids))
		for i, id := range ids {
			fns[i] = subs[id]
		}
		events = append(events, childEvent{parent: l[0], key: l[1], fns: fns})
	}
	return events
}

func (m *Memory) fire(ctx context.Context, events []childEvent) {
	for _, ev := range events {
		val, ok, err := m.ReadOnce(ctx, Join(ev.parent, ev.key))
		if err != nil || !ok {
			continue
		}
		for _, fn := range ev.fns {
			fn(ev.key, val)
		}
	}
}
