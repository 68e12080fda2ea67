package arena

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomState is the lobby-visible lifecycle of a room.
type RoomState string

const (
	StateWaiting RoomState = "WAITING"
	StateActive  RoomState = "ACTIVE"
)

// RoomMeta is stored as JSON in Redis under battle:room:<code>.
type RoomMeta struct {
	Code      string    `json:"code"`
	State     RoomState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Node      string    `json:"node,omitempty"`
}

// Directory reserves room codes and keeps the lobby index. A shared directory
// keeps codes unique across relay instances.
type Directory interface {
	// Reserve claims meta.Code; false means the code is taken.
	Reserve(ctx context.Context, meta RoomMeta) (bool, error)
	SetState(ctx context.Context, code string, state RoomState) error
	Remove(ctx context.Context, code string) error
	// Waiting lists rooms still open for a second player, oldest first.
	Waiting(ctx context.Context) ([]RoomMeta, error)
}

const defaultDirectoryTTL = 24 * time.Hour

type RedisDirectory struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisDirectory(rdb redis.UniversalClient, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = defaultDirectoryTTL
	}
	return &RedisDirectory{rdb: rdb, ttl: ttl}
}

func (d *RedisDirectory) keyMeta(code string) string { return "battle:room:" + strings.TrimSpace(code) }
func (d *RedisDirectory) keyLobby() string           { return "battle:lobby" }

func (d *RedisDirectory) Reserve(ctx context.Context, meta RoomMeta) (bool, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	ok, err := d.rdb.SetNX(ctx, d.keyMeta(meta.Code), raw, d.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	if meta.State == StateWaiting {
		if err := d.rdb.SAdd(ctx, d.keyLobby(), meta.Code).Err(); err != nil {
			return true, err
		}
		_ = d.rdb.Expire(ctx, d.keyLobby(), d.ttl).Err()
	}
	return true, nil
}

func (d *RedisDirectory) load(ctx context.Context, code string) (*RoomMeta, error) {
	raw, err := d.rdb.Get(ctx, d.keyMeta(code)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m RoomMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *RedisDirectory) SetState(ctx context.Context, code string, state RoomState) error {
	m, err := d.load(ctx, code)
	if err != nil || m == nil {
		return err
	}
	m.State = state
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := d.rdb.Set(ctx, d.keyMeta(code), raw, redis.KeepTTL).Err(); err != nil {
		return err
	}
	if state == StateWaiting {
		return d.rdb.SAdd(ctx, d.keyLobby(), code).Err()
	}
	return d.rdb.SRem(ctx, d.keyLobby(), code).Err()
}

func (d *RedisDirectory) Remove(ctx context.Context, code string) error {
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, d.keyMeta(code))
		p.SRem(ctx, d.keyLobby(), code)
		return nil
	})
	return err
}

func (d *RedisDirectory) Waiting(ctx context.Context) ([]RoomMeta, error) {
	codes, err := d.rdb.SMembers(ctx, d.keyLobby()).Result()
	if err != nil {
		return nil, err
	}
	var out []RoomMeta
	for _, c := range codes {
		m, err := d.load(ctx, c)
		if err != nil {
			return nil, err
		}
		if m == nil {
			// meta expired underneath the index
			_ = d.rdb.SRem(ctx, d.keyLobby(), c).Err()
			continue
		}
		if m.State != StateWaiting {
			continue
		}
		out = append(out, *m)
	}
	sortMetas(out)
	return out, nil
}

// MemoryDirectory serves a single relay process.
type MemoryDirectory struct {
	mu    sync.Mutex
	rooms map[string]RoomMeta
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{rooms: make(map[string]RoomMeta)}
}

func (d *MemoryDirectory) Reserve(_ context.Context, meta RoomMeta) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.rooms[meta.Code]; taken {
		return false, nil
	}
	d.rooms[meta.Code] = meta
	return true, nil
}

func (d *MemoryDirectory) SetState(_ context.Context, code string, state RoomState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.rooms[code]; ok {
		m.State = state
		d.rooms[code] = m
	}
	return nil
}

func (d *MemoryDirectory) Remove(_ context.Context, code string) error {
	d.mu.Lock()
	delete(d.rooms, code)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Waiting(context.Context) ([]RoomMeta, error) {
	d.mu.Lock()
	var out []RoomMeta
	for _, m := range d.rooms {
		if m.State == StateWaiting {
			out = append(out, m)
		}
	}
	d.mu.Unlock()
	sortMetas(out)
	return out, nil
}

func sortMetas(ms []RoomMeta) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].Code < ms[j].Code
	})
}
