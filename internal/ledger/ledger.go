// Package ledger records which deliveries have already happened so that
// polling cycles stay idempotent across runs and restarts.
//
// A key that is present and unexpired means "already sent". A backend that
// cannot answer returns ErrUnavailable; callers must never read that as
// "not sent".
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("ledger unavailable")
	ErrInvalidKey  = errors.New("ledger: invalid key")
	ErrClosed      = errors.New("ledger: closed")
)

// Key identifies one delivery: what was sent, to whom, and which kind of
// notification it was.
type Key struct {
	Subject   string
	Recipient string
	Class     string
}

func (k Key) String() string {
	return k.Subject + ":" + k.Recipient + ":" + k.Class
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Subject) == "" || strings.TrimSpace(k.Recipient) == "" || strings.TrimSpace(k.Class) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

type Ledger interface {
	HasSent(ctx context.Context, k Key) (bool, error)
	// MarkSent stores value under k. ttl <= 0 keeps the record forever.
	MarkSent(ctx context.Context, k Key, value string, ttl time.Duration) error
	Lookup(ctx context.Context, k Key) (value string, ok bool, err error)
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("ledger %s: %w: %w", op, ErrUnavailable, err)
}

func namespaced(ns string, k Key) string {
	if ns == "" {
		return k.String()
	}
	return ns + ":" + k.String()
}

// expiry converts a ttl into an absolute unix-milli deadline; 0 means never.
func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func live(until int64, now time.Time) bool {
	return until == 0 || until > now.UnixMilli()
}
