package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"herald/pkg/logx"
)

const defaultRedisTimeout = 5 * time.Second

// RedisOptions selects a single node by URL or a sentinel/cluster topology
// by Addrs. Addrs wins when both are set.
type RedisOptions struct {
	URL        string
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int
}

// Redis stores each key with SET EX so expiry is handled by the server.
type Redis struct {
	client goredis.UniversalClient
	ns     string
	log    logx.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client goredis.UniversalClient, namespace string, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, ns: namespace, log: log}
}

// OpenRedis connects and pings. A failed ping is reported as ErrUnavailable.
func OpenRedis(ctx context.Context, opts RedisOptions, namespace string, log logx.Logger) (*Redis, error) {
	client, err := redisClient(opts)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, defaultRedisTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return NewRedis(client, namespace, log), nil
}

func redisClient(opts RedisOptions) (goredis.UniversalClient, error) {
	if len(opts.Addrs) > 0 {
		return goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:        opts.Addrs,
			MasterName:   opts.MasterName,
			Username:     opts.Username,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  defaultRedisTimeout,
			ReadTimeout:  defaultRedisTimeout,
			WriteTimeout: defaultRedisTimeout,
		}), nil
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("ledger: redis url or addrs required")
	}
	o, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse redis url: %w", err)
	}
	if opts.Password != "" && o.Password == "" {
		o.Password = opts.Password
	}
	if opts.Username != "" && o.Username == "" {
		o.Username = opts.Username
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = defaultRedisTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = defaultRedisTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultRedisTimeout
	}
	return goredis.NewClient(o), nil
}

func (r *Redis) HasSent(ctx context.Context, k Key) (bool, error) {
	if err := k.validate(); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, namespaced(r.ns, k)).Result()
	if err != nil {
		return false, unavailable("has_sent", err)
	}
	return n > 0, nil
}

func (r *Redis) MarkSent(ctx context.Context, k Key, value string, ttl time.Duration) error {
	if err := k.validate(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, namespaced(r.ns, k), value, ttl).Err(); err != nil {
		return unavailable("mark_sent", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, k Key) (string, bool, error) {
	if err := k.validate(); err != nil {
		return "", false, err
	}
	v, err := r.client.Get(ctx, namespaced(r.ns, k)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("lookup", err)
	}
	return v, true, nil
}

func (r *Redis) Close() error { return r.client.Close() }
