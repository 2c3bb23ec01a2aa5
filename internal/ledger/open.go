package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"herald/pkg/logx"
)

// Config selects and configures a backend.
//
// Driver values:
//   - "redis": shared store, expiry handled by the server
//   - "sqlite": single file database
//   - "file": journal + snapshot, no dependencies
//   - "memory" or "": process memory only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	Namespace   string
	Redis       RedisOptions
}

func Open(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		log.Warn("ledger is in-memory; deliveries will repeat after a restart")
		return NewMemory(cfg.Namespace), nil
	case "redis":
		l, err := OpenRedis(ctx, cfg.Redis, cfg.Namespace, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "sqlite", "sqlite3":
		l, err := OpenSQLite(ctx, cfg.Path, cfg.BusyTimeout, cfg.Namespace, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "file":
		l, err := OpenFile(cfg.Path, cfg.Namespace, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, errors.New("ledger: unknown driver: " + driver)
	}
}
