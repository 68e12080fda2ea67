package cardlock

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

// Redis shares the lock table between relay processes. Keys expire after ttl so a
// crashed process cannot hold a card forever.
type Redis struct {
    rdb *redis.Client
    ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
    if ttl <= 0 { ttl = DefaultTTL }
    return &Redis{rdb: rdb, ttl: ttl}
}

func (s *Redis) key(uid string) string { return "card:lock:" + strings.TrimSpace(uid) }

func (s *Redis) Acquire(ctx context.Context, uid, owner string) (bool, error) {
    return s.rdb.SetNX(ctx, s.key(uid), owner, s.ttl).Result()
}

// Release deletes the key only while it still names owner.
func (s *Redis) Release(ctx context.Context, uid, owner string) error {
    key := s.key(uid)
    err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
        cur, err := tx.Get(ctx, key).Result()
        if err == redis.Nil { return nil }
        if err != nil { return err }
        if cur != owner { return nil }
        _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
            pipe.Del(ctx, key)
            return nil
        })
        return err
    }, key)
    if errors.Is(err, redis.TxFailedErr) {
        // key changed under us; someone else owns it now
        return nil
    }
    return err
}

// Refresh resets the ttl of uid while owner still holds it. Rooms call it at
// every turn start so a long battle outlives a single ttl.
func (s *Redis) Refresh(ctx context.Context, uid, owner string) error {
    key := s.key(uid)
    err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
        cur, err := tx.Get(ctx, key).Result()
        if err == redis.Nil || (err == nil && cur != owner) { return nil }
        if err != nil { return err }
        _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
            pipe.Expire(ctx, key, s.ttl)
            return nil
        })
        return err
    }, key)
    if errors.Is(err, redis.TxFailedErr) { return nil }
    return err
}

func (s *Redis) InUse(ctx context.Context, uid string) (bool, error) {
    n, err := s.rdb.Exists(ctx, s.key(uid)).Result()
    if err != nil { return false, err }
    return n > 0, nil
}

// ParseURL accepts redis://[:password@]host:port[/db] and the rediss:// form.
func ParseURL(raw string) (*redis.Options, error) {
    u, err := url.Parse(strings.TrimSpace(raw))
    if err != nil { return nil, err }
    if u.Scheme != "redis" && u.Scheme != "rediss" { return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme) }
    if u.Host == "" { return nil, fmt.Errorf("redis url has no host") }
    db := 0
    if p := strings.TrimPrefix(u.Path, "/"); p != "" {
        n, err := strconv.Atoi(p)
        if err != nil { return nil, fmt.Errorf("redis db %q: %w", p, err) }
        db = n
    }
    pass, _ := u.User.Password()
    opts := &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}
    if u.Scheme == "rediss" {
        opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: u.Hostname()}
    }
    return opts, nil
}

// Connect opens a client for raw and pings it once.
func Connect(ctx context.Context, raw string) (*redis.Client, error) {
    opts, err := ParseURL(raw)
    if err != nil { return nil, err }
    rdb := redis.NewClient(opts)
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return rdb, nil
}
