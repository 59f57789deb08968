package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces every key and pub/sub channel.
const DefaultRedisPrefix = "orch:"

// Redis is a Channel backed by Redis strings for leaf values, sets for the
// child index and pub/sub for child-added notifications. Writes are not
// transactional across levels; the channel is a best-effort mirror.
type Redis struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, prefix string, logger zerolog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, logger: logger.With().Str("component", "notify_redis").Logger()}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, prefix string, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: ping redis %s: %w", addr, err)
	}
	return NewRedis(client, prefix, logger), nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) nodeKey(path string) string     { return r.prefix + "node:" + path }
func (r *Redis) childrenKey(path string) string { return r.prefix + "children:" + path }
func (r *Redis) addedChannel(path string) string {
	return r.prefix + "added:" + path
}

type addedMsg struct {
	Key string `json:"key"`
}

func (r *Redis) Write(ctx context.Context, path string, value any) error {
	path = Clean(path)
	if path == "" {
		return errors.New("notify: empty path")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", path, err)
	}
	if err := r.removeTree(ctx, path); err != nil {
		return err
	}

	segs := strings.Split(path, "/")
	type link struct {
		parent, key string
		cmd         *redis.IntCmd
	}
	links := make([]link, len(segs))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i := range segs {
			parent := strings.Join(segs[:i], "/")
			links[i] = link{parent: parent, key: segs[i], cmd: p.SAdd(ctx, r.childrenKey(parent), segs[i])}
			if i < len(segs)-1 {
				p.Del(ctx, r.nodeKey(strings.Join(segs[:i+1], "/")))
			}
		}
		p.Set(ctx, r.nodeKey(path), raw, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify: write %s: %w", path, err)
	}

	for _, l := range links {
		if l.cmd.Val() != 1 {
			continue
		}
		msg, _ := json.Marshal(addedMsg{Key: l.key})
		if err := r.client.Publish(ctx, r.addedChannel(l.parent), msg).Err(); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("notify: child-added publish failed")
		}
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	doc := make(map[string]any)
	cur, ok, err := r.ReadOnce(ctx, path)
	if err != nil {
		return err
	}
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
	return r.Write(ctx, path, doc)
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	path = Clean(path)
	if err := r.removeTree(ctx, path); err != nil {
		return err
	}
	parent, key := Split(path)
	if err := r.client.SRem(ctx, r.childrenKey(parent), key).Err(); err != nil {
		return fmt.Errorf("notify: remove %s: %w", path, err)
	}
	return nil
}

func (r *Redis) removeTree(ctx context.Context, path string) error {
	children, err := r.client.SMembers(ctx, r.childrenKey(path)).Result()
	if err != nil {
		return fmt.Errorf("notify: list %s: %w", path, err)
	}
	for _, c := range children {
		if err := r.removeTree(ctx, Join(path, c)); err != nil {
			return err
		}
	}
	if err := r.client.Del(ctx, r.nodeKey(path), r.childrenKey(path)).Err(); err != nil {
		return fmt.Errorf("notify: delete %s: %w", path, err)
	}
	return nil
}

func (r *Redis) ReadOnce(ctx context.Context, path string) (json.RawMessage, bool, error) {
	v, ok, err := r.read(ctx, Clean(path))
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("notify: encode %s: %w", path, err)
	}
	return raw, true, nil
}

func (r *Redis) read(ctx context.Context, path string) (any, bool, error) {
	raw, err := r.client.Get(ctx, r.nodeKey(path)).Bytes()
	switch {
	case err == nil:
		return json.RawMessage(raw), true, nil
	case !errors.Is(err, redis.Nil):
		return nil, false, fmt.Errorf("notify: read %s: %w", path, err)
	}
	children, err := r.client.SMembers(ctx, r.childrenKey(path)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("notify: list %s: %w", path, err)
	}
	if len(children) == 0 {
		return nil, false, nil
	}
	out := make(map[string]any, len(children))
	for _, c := range children {
		v, ok, err := r.read(ctx, Join(path, c))
		if err != nil {
			return nil, false, err
		}
		if ok {
			out[c] = v
		}
	}
	return out, true, nil
}

func (r *Redis) SubscribeChildAdded(ctx context.Context, path string, fn ChildHandler) (func(), error) {
	path = Clean(path)
	ps := r.client.Subscribe(ctx, r.addedChannel(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("notify: subscribe %s: %w", path, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var m addedMsg
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn().Err(err).Str("path", path).Msg("notify: bad child-added message")
				continue
			}
			val, ok, err := r.ReadOnce(context.Background(), Join(path, m.Key))
			if err != nil {
				r.logger.Warn().Err(err).Str("path", path).Str("key", m.Key).Msg("notify: read added child failed")
				continue
			}
			if ok {
				fn(m.Key, val)
			}
		}
	}()

	return func() { _ = ps.Close() }, nil
}
